package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Views the status screen can show.
const (
	ViewMain = "main"
	ViewHelp = "help"
)

// Prefs are the operator settings changed at runtime from the keyboard.
type Prefs struct {
	TrackingVerbosity int
	SinkVerbosity     int
	View              string
}

// DefaultPrefs returns the settings used before anything is saved.
func DefaultPrefs() Prefs {
	return Prefs{View: ViewMain}
}

// Preferences is the single owner of Prefs. Readers get copies; all writes
// go through Update, which persists the result.
type Preferences struct {
	mu    sync.Mutex
	db    *DB
	prefs Prefs
}

// NewPreferences loads saved preferences from db. A nil db keeps
// preferences in memory only.
func NewPreferences(ctx context.Context, db *DB) (*Preferences, error) {
	p := &Preferences{db: db, prefs: DefaultPrefs()}
	if db == nil {
		return p, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		p.prefs.set(key, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return p, nil
}

// Get returns a copy of the current preferences.
func (p *Preferences) Get() Prefs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs
}

// Update applies fn to the preferences and persists the result. If
// persisting fails the in-memory change is kept and the error returned.
func (p *Preferences) Update(fn func(*Prefs)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.prefs
	fn(&next)
	if next.View != ViewHelp {
		next.View = ViewMain
	}
	p.prefs = next

	if p.db == nil {
		return nil
	}
	return p.persist(next)
}

func (p *Preferences) persist(prefs Prefs) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	defer tx.Rollback()

	for key, value := range prefs.values() {
		if _, err := tx.Exec(`
			INSERT INTO preferences (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP`, key, value); err != nil {
			return fmt.Errorf("save preference %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (p Prefs) values() map[string]string {
	return map[string]string{
		"tracking_verbosity": strconv.Itoa(p.TrackingVerbosity),
		"sink_verbosity":     strconv.Itoa(p.SinkVerbosity),
		"view":               p.View,
	}
}

// set applies one stored key. Unknown keys and malformed values are ignored
// so a newer database does not break an older binary.
func (p *Prefs) set(key, value string) {
	switch key {
	case "tracking_verbosity":
		if n, err := strconv.Atoi(value); err == nil {
			p.TrackingVerbosity = n
		}
	case "sink_verbosity":
		if n, err := strconv.Atoi(value); err == nil {
			p.SinkVerbosity = n
		}
	case "view":
		if value == ViewHelp {
			p.View = ViewHelp
		}
	}
}
