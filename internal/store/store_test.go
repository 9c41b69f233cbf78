package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tsweb"

	"github.com/banshee-data/facebridge/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogWriters(monitoring.LogWriters{})
	os.Exit(m.Run())
}

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t, MemoryPath)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"auth_tokens", "preferences"} {
		var n int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t, MemoryPath)
	require.NoError(t, db.migrateDown())

	var n int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='auth_tokens'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestOpenEmptyPathIsMemory(t *testing.T) {
	db := openTestDB(t, "")
	assert.Equal(t, MemoryPath, db.Path())
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()
	tokens := openTestDB(t, MemoryPath).Tokens()

	tok, err := tokens.LoadToken(ctx, "facebridge")
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, tokens.SaveToken(ctx, "facebridge", "abc"))
	require.NoError(t, tokens.SaveToken(ctx, "facebridge", "def"))
	require.NoError(t, tokens.SaveToken(ctx, "other", "xyz"))

	tok, err = tokens.LoadToken(ctx, "facebridge")
	require.NoError(t, err)
	assert.Equal(t, "def", tok)

	require.NoError(t, tokens.ClearToken(ctx, "facebridge"))
	require.NoError(t, tokens.ClearToken(ctx, "facebridge"))
	tok, err = tokens.LoadToken(ctx, "facebridge")
	require.NoError(t, err)
	assert.Empty(t, tok)

	tok, err = tokens.LoadToken(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)
}

func TestTokenSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Tokens().SaveToken(ctx, "facebridge", "persisted"))
	require.NoError(t, db.Close())

	db = openTestDB(t, path)
	tok, err := db.Tokens().LoadToken(ctx, "facebridge")
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
}

func TestPreferencesMemoryOnly(t *testing.T) {
	prefs, err := NewPreferences(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefs(), prefs.Get())

	require.NoError(t, prefs.Update(func(p *Prefs) { p.SinkVerbosity = 2 }))
	assert.Equal(t, 2, prefs.Get().SinkVerbosity)
}

func TestPreferencesGetReturnsCopy(t *testing.T) {
	prefs, err := NewPreferences(context.Background(), nil)
	require.NoError(t, err)

	got := prefs.Get()
	got.TrackingVerbosity = 9
	assert.Zero(t, prefs.Get().TrackingVerbosity)
}

func TestPreferencesPersist(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")

	db, err := Open(path)
	require.NoError(t, err)
	prefs, err := NewPreferences(ctx, db)
	require.NoError(t, err)
	require.NoError(t, prefs.Update(func(p *Prefs) {
		p.TrackingVerbosity = 1
		p.SinkVerbosity = 2
		p.View = ViewHelp
	}))
	require.NoError(t, db.Close())

	db = openTestDB(t, path)
	prefs, err = NewPreferences(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, Prefs{TrackingVerbosity: 1, SinkVerbosity: 2, View: ViewHelp}, prefs.Get())
}

func TestPreferencesUnknownViewNormalised(t *testing.T) {
	prefs, err := NewPreferences(context.Background(), openTestDB(t, MemoryPath))
	require.NoError(t, err)
	require.NoError(t, prefs.Update(func(p *Prefs) { p.View = "sideways" }))
	assert.Equal(t, ViewMain, prefs.Get().View)
}

func TestPreferencesIgnoresMalformedRows(t *testing.T) {
	db := openTestDB(t, MemoryPath)
	_, err := db.Exec(`INSERT INTO preferences (key, value) VALUES
		('tracking_verbosity', 'lots'), ('sink_verbosity', '1'), ('colour', 'blue')`)
	require.NoError(t, err)

	prefs, err := NewPreferences(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, Prefs{SinkVerbosity: 1, View: ViewMain}, prefs.Get())
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "bridge.db"))
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(tsweb.Debugger(mux)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SQL live debugging")
	assert.Contains(t, rec.Body.String(), "backup")
}

func loopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminRoutesDBStats(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, db.Tokens().SaveToken(context.Background(), "facebridge", "tok"))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(tsweb.Debugger(mux)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/db-stats"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Tables []TableStats `json:"tables"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body.Tables, TableStats{Name: "auth_tokens", Rows: 1})
	assert.Contains(t, body.Tables, TableStats{Name: "preferences", Rows: 0})
}

func TestAdminRoutesBackup(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "bridge.db"))
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(tsweb.Debugger(mux)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/backup"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "SQLite format 3"))
}

func TestAdminRoutesMemoryHasNoBackup(t *testing.T) {
	db := openTestDB(t, MemoryPath)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(tsweb.Debugger(mux)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/debug/"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "download a backup")
}
