package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Sequence(t *testing.T) {
	b := NewExponentialBackoff(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextDelay(), "attempt %d", i)
	}
}

func TestExponentialBackoff_Reset(t *testing.T) {
	b := NewExponentialBackoff(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 3})
	assert.Equal(t, time.Second, b.NextDelay())
	assert.Equal(t, 3*time.Second, b.NextDelay())

	b.Reset()
	assert.Equal(t, time.Second, b.NextDelay())
}

func TestExponentialBackoff_NormalisesConfig(t *testing.T) {
	b := NewExponentialBackoff(Config{InitialDelay: 5 * time.Second, MaxDelay: time.Second, Multiplier: 0})
	// MaxDelay below InitialDelay is raised to InitialDelay.
	assert.Equal(t, 5*time.Second, b.NextDelay())
	assert.Equal(t, 5*time.Second, b.NextDelay())
}

func TestExponentialBackoff_JitterBounded(t *testing.T) {
	b := NewExponentialBackoff(Config{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2, AddJitter: true})
	for i := 0; i < 50; i++ {
		d := b.NextDelay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+time.Second/4)
	}
}

func TestFixedDelay(t *testing.T) {
	var p Policy = FixedDelay{Delay: 250 * time.Millisecond}
	for i := 0; i < 3; i++ {
		assert.Equal(t, 250*time.Millisecond, p.NextDelay())
	}
}

func TestExponentialFactory_IndependentState(t *testing.T) {
	f := ExponentialFactory(Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
	a, b := f(), f()
	assert.Equal(t, time.Second, a.NextDelay())
	assert.Equal(t, 2*time.Second, a.NextDelay())
	assert.Equal(t, time.Second, b.NextDelay(), "second policy must not share attempts with the first")
}
