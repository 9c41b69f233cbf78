package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreams_RouteToConfiguredWriters(t *testing.T) {
	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})
	t.Cleanup(func() { SetLogWriters(LogWriters{}) })

	Opsf("sink %s down", "vts")
	Diagf("reloaded %d rules", 3)
	Tracef("dropped frame")

	assert.Contains(t, ops.String(), "sink vts down")
	assert.Contains(t, diag.String(), "reloaded 3 rules")
	assert.NotContains(t, ops.String(), "dropped frame")
	assert.NotContains(t, diag.String(), "dropped frame")
}

func TestStreams_NilWriterMutes(t *testing.T) {
	SetLogWriters(LogWriters{})
	t.Cleanup(func() { SetLogWriters(LogWriters{}) })

	// Must not panic with every stream disabled.
	Opsf("x")
	Diagf("y")
	Tracef("z")
}

func TestWritersForLevel(t *testing.T) {
	var buf bytes.Buffer

	tests := []struct {
		level                        string
		wantOps, wantDiag, wantTrace bool
	}{
		{"", true, false, false},
		{"ops", true, false, false},
		{"DIAG", true, true, false},
		{"trace", true, true, true},
		{"off", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			w, err := WritersForLevel(tt.level, &buf)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOps, w.Ops != nil)
			assert.Equal(t, tt.wantDiag, w.Diag != nil)
			assert.Equal(t, tt.wantTrace, w.Trace != nil)
		})
	}

	_, err := WritersForLevel("verbose", &buf)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "verbose"))
}
