package config

import (
	"reflect"
	"strings"

	logx "lurker/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Fields are safe to log; secrets are reported as set/unset only.
	Fields []logx.Field
	// RestartRequired lists sections that only take effect on restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares oldCfg to newCfg. Logging and platform apply live;
// everything else needs a restart because the daemon binds it at startup.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, live bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if !live {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", true,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Platform, newCfg.Platform) {
		mark("platform", true,
			logx.String("platform.refresh_window", newCfg.Platform.RefreshWindow),
			logx.String("platform.processing_window", newCfg.Platform.ProcessingWindow),
			logx.String("platform.timezone", newCfg.Platform.Timezone),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", false,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	// Never log the token.
	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(oldTG.Token) != strings.TrimSpace(newTG.Token) ||
		oldTG.ChatID != newTG.ChatID || oldTG.ThreadID != newTG.ThreadID ||
		oldTG.RatePerSec != newTG.RatePerSec || !reflect.DeepEqual(oldTG.Notify, newTG.Notify) {
		mark("telegram", false,
			logx.Bool("telegram.token_set", strings.TrimSpace(newTG.Token) != ""),
			logx.Int64("telegram.chat_id", newTG.ChatID),
			logx.String("telegram.notify", strings.Join(newTG.Notify, ",")),
		)
	}

	if oldCfg.Status != newCfg.Status {
		mark("status", false,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Missions, newCfg.Missions) {
		added, removed, modified := diffMissions(oldCfg.Missions, newCfg.Missions)
		mark("missions", false,
			logx.String("missions.added", strings.Join(added, ",")),
			logx.String("missions.removed", strings.Join(removed, ",")),
			logx.String("missions.changed", strings.Join(modified, ",")),
		)
	}
	return ch
}

func diffMissions(oldList, newList []MissionConfig) (added, removed, modified []string) {
	oldBy := make(map[string]MissionConfig, len(oldList))
	for _, m := range oldList {
		oldBy[m.ID] = m
	}
	newBy := make(map[string]bool, len(newList))
	for _, m := range newList {
		newBy[m.ID] = true
		prev, ok := oldBy[m.ID]
		switch {
		case !ok:
			added = append(added, m.ID)
		case !reflect.DeepEqual(prev, m):
			modified = append(modified, m.ID)
		}
	}
	for _, m := range oldList {
		if !newBy[m.ID] {
			removed = append(removed, m.ID)
		}
	}
	return added, removed, modified
}
