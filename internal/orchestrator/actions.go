package orchestrator

import (
	"context"
	"time"

	"github.com/banshee-data/facebridge/internal/console"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/store"
)

const reloadTimeout = 10 * time.Second

// Operator keys.
const (
	KeyReload          = 'r'
	KeyTrackingVerbose = 't'
	KeySinkVerbose     = 'w'
	KeyEditRules       = 'e'
	KeyHelp            = 'h'
)

func (o *Orchestrator) registerActions() error {
	actions := []console.Action{
		{Key: KeyReload, Description: "reload rules", Run: o.reloadAction},
		{Key: KeyTrackingVerbose, Description: "cycle tracking verbosity", Run: func() {
			o.updatePrefs(func(p *store.Prefs) {
				p.TrackingVerbosity = int(console.Verbosity(p.TrackingVerbosity).Next())
			})
		}},
		{Key: KeySinkVerbose, Description: "cycle avatar verbosity", Run: func() {
			o.updatePrefs(func(p *store.Prefs) {
				p.SinkVerbosity = int(console.Verbosity(p.SinkVerbosity).Next())
			})
		}},
		{Key: KeyEditRules, Description: "open rules in editor", Run: o.editAction},
		{Key: KeyHelp, Description: "toggle help", Run: func() {
			o.updatePrefs(func(p *store.Prefs) {
				if p.View == store.ViewHelp {
					p.View = store.ViewMain
				} else {
					p.View = store.ViewHelp
				}
			})
		}},
	}
	for _, a := range actions {
		if err := o.cfg.Actions.Register(a.Key, a.Description, a.Run); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) updatePrefs(fn func(*store.Prefs)) {
	if err := o.cfg.Preferences.Update(fn); err != nil {
		monitoring.Opsf("Warning: saving preferences: %v", err)
	}
	o.reportStatus()
}

func (o *Orchestrator) reloadAction() {
	ctx, cancel := context.WithTimeout(o.ctx, reloadTimeout)
	defer cancel()
	_ = o.ReloadRules(ctx)
}

func (o *Orchestrator) editAction() {
	path := o.cfg.Engine.RulesPath()
	if path == "" {
		path = o.cfg.RulesPath
	}
	if err := o.cfg.OpenEditor(o.cfg.Editor, path); err != nil {
		monitoring.Opsf("Warning: could not open %s in %q: %v", path, o.cfg.Editor, err)
	}
}
