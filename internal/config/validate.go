package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"lurker/internal/mission"
	"lurker/internal/platform/local"
	"lurker/internal/quota"
	logx "lurker/pkg/logx"
)

const DefaultStatusAddr = "127.0.0.1:7410"

// Mission kinds.
const (
	KindCommand   = "command"
	KindSpeedtest = "speedtest"
	KindUnitcheck = "unitcheck"
)

// Alert outcomes accepted in telegram.notify.
var notifyOutcomes = map[string]bool{
	"expired":         true,
	"failed":          true,
	"panicked":        true,
	"schedule_failed": true,
	"succeeded":       true,
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Default returns a config with every section filled in.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true,
			File:     LoggingFile{Path: "./lurker.log"},
			Telegram: LoggingTelegram{MinLevel: "warn", RatePerSec: 1},
		},
		Platform: PlatformConfig{
			RefreshWindow:    local.DefaultRefreshWindow,
			ProcessingWindow: local.DefaultProcessingWindow,
			RefreshBudget:    local.DefaultRefreshBudget.String(),
			ProcessingBudget: local.DefaultProcessingBudget.String(),
			ExpirationGrace:  local.DefaultExpirationGrace.String(),
			SubmitRatePerSec: 10,
		},
		Storage:  StorageConfig{Driver: "sqlite", Path: "./lurker.db", BusyTimeout: "5s"},
		Telegram: TelegramConfig{Notify: []string{"expired", "failed"}, RatePerSec: 1},
		Status:   StatusConfig{Enabled: true, Addr: DefaultStatusAddr},
		Missions: []MissionConfig{},
	}
}

// Local converts the platform section. Conditions are left unset.
func (p PlatformConfig) Local() (local.Config, error) {
	var errs []error
	dur := func(name, raw string) time.Duration {
		d, err := ParseDurationField("platform."+name, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	lc := local.Config{
		Timezone:         strings.TrimSpace(p.Timezone),
		RefreshWindow:    strings.TrimSpace(p.RefreshWindow),
		ProcessingWindow: strings.TrimSpace(p.ProcessingWindow),
		RefreshBudget:    dur("refresh_budget", p.RefreshBudget),
		ProcessingBudget: dur("processing_budget", p.ProcessingBudget),
		ExpirationGrace:  dur("expiration_grace", p.ExpirationGrace),
		SubmitRatePerSec: p.SubmitRatePerSec,
		SubmitBurst:      p.SubmitBurst,
		Permitted:        append([]string(nil), p.Permitted...),
	}
	return lc, errors.Join(errs...)
}

// Log converts the logging section for logx.
func (l LoggingConfig) Log() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	lc, err := cfg.Platform.Local()
	add(err)
	if err == nil {
		if err := lc.Validate(); err != nil {
			add(fmt.Errorf("platform: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q (use sqlite, file or none)", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("storage.retention", cfg.Storage.Retention)
	add(err)

	tokenSet := strings.TrimSpace(cfg.Telegram.Token) != ""
	if (cfg.Logging.Telegram.Enabled || len(cfg.Telegram.Notify) > 0) && tokenSet && cfg.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id: required when a token is set"))
	}
	if cfg.Logging.Telegram.Enabled && !tokenSet {
		add(errors.New("logging.telegram.enabled: requires telegram.token"))
	}
	for _, n := range cfg.Telegram.Notify {
		if !notifyOutcomes[strings.ToLower(strings.TrimSpace(n))] {
			add(fmt.Errorf("telegram.notify: unknown outcome %q", n))
		}
	}

	if cfg.Status.Enabled {
		addr := strings.TrimSpace(cfg.Status.Addr)
		if addr == "" {
			addr = DefaultStatusAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("status.addr: %w", err))
		}
	}

	add(validateMissions(cfg.Missions, lc))
	return errors.Join(errs...)
}

func validateMissions(decls []MissionConfig, lc local.Config) error {
	var errs []error
	seen := map[string]bool{}
	var counts quota.Counts
	for i, m := range decls {
		where := fmt.Sprintf("missions[%d]", i)
		id := strings.TrimSpace(m.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id: required", where))
		} else {
			where = fmt.Sprintf("missions[%s]", id)
			if seen[id] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", where))
			}
			seen[id] = true
			if len(lc.Permitted) > 0 && !contains(lc.Permitted, id) {
				errs = append(errs, fmt.Errorf("%s: not in platform.permitted", where))
			}
		}

		cat, err := mission.ParseCategory(m.Category)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.category: %w", where, err))
		} else if cat == mission.Brief {
			counts.Brief++
		} else {
			counts.Extended++
		}

		if _, err := ParseDurationField(where+".earliest_start", m.EarliestStart); err != nil {
			errs = append(errs, err)
		}
		if err := validateKind(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}
	if err := quota.CheckCounts(counts); err != nil {
		errs = append(errs, fmt.Errorf("missions: %w (brief %d/%d, extended %d/%d)",
			err, counts.Brief, quota.MaxBrief, counts.Extended, quota.MaxExtended))
	}
	return errors.Join(errs...)
}

func validateKind(m MissionConfig) error {
	blocks := 0
	for _, set := range []bool{m.Command != nil, m.Speedtest != nil, m.Unitcheck != nil} {
		if set {
			blocks++
		}
	}
	if blocks > 1 {
		return errors.New("only one of command, speedtest, unitcheck may be set")
	}
	switch strings.ToLower(strings.TrimSpace(m.Kind)) {
	case KindCommand:
		if m.Command == nil || strings.TrimSpace(m.Command.Path) == "" {
			return errors.New("command.path: required")
		}
		for _, kv := range m.Command.Env {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("command.env: %q is not KEY=VALUE", kv)
			}
		}
	case KindSpeedtest:
		if m.Speedtest != nil && m.Speedtest.MinDownloadMbps < 0 {
			return errors.New("speedtest.min_download_mbps: must be >= 0")
		}
	case KindUnitcheck:
		if m.Unitcheck == nil || len(m.Unitcheck.Units) == 0 {
			return errors.New("unitcheck.units: required")
		}
	default:
		return fmt.Errorf("kind: unknown mission kind %q", m.Kind)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
