package app

import (
	"context"
	"strings"

	"lurker/internal/config"
	logx "lurker/pkg/logx"
)

// startReload applies committed config reloads. Logging and platform windows
// change live; other sections are reported as needing a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = coalesce(sub, next)
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

// coalesce drains queued reloads and keeps the newest.
func coalesce(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.Summarize(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(ch.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, ch.Fields...)...)

	for _, s := range ch.Sections {
		switch s {
		case "logging":
			a.logs.Apply(newCfg.Logging.Log())
		case "platform":
			lc, err := newCfg.Platform.Local()
			if err == nil {
				err = a.platform.Apply(lc)
			}
			if err != nil {
				a.log.Warn("invalid platform config; keeping previous", logx.Err(err))
			}
		}
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	a.log.Info("config reloaded", changed)
}
