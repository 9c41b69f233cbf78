package console

import (
	"fmt"
	"sort"
	"sync"
	"unicode"
)

// Action is an operator command bound to a key.
type Action struct {
	Key         rune
	Description string
	Run         func()
}

// Actions maps keys to callbacks. Keys are case-insensitive.
type Actions struct {
	mu    sync.RWMutex
	byKey map[rune]Action
}

func NewActions() *Actions {
	return &Actions{byKey: make(map[rune]Action)}
}

// Register binds key to fn. Binding a key twice is an error.
func (a *Actions) Register(key rune, description string, fn func()) error {
	if fn == nil {
		return fmt.Errorf("action %q has no callback", key)
	}
	key = unicode.ToLower(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.byKey[key]; dup {
		return fmt.Errorf("key %q is already bound", key)
	}
	a.byKey[key] = Action{Key: key, Description: description, Run: fn}
	return nil
}

// Dispatch runs the action bound to key and reports whether there was one.
func (a *Actions) Dispatch(key rune) bool {
	a.mu.RLock()
	action, ok := a.byKey[unicode.ToLower(key)]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	action.Run()
	return true
}

// List returns the registered actions ordered by key.
func (a *Actions) List() []Action {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Action, 0, len(a.byKey))
	for _, action := range a.byKey {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
