package config

// Config is the daemon configuration file. All durations are Go duration
// strings ("30s", "10m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Platform PlatformConfig  `json:"platform"`
	Storage  StorageConfig   `json:"storage"`
	Telegram TelegramConfig  `json:"telegram"`
	Status   StatusConfig    `json:"status"`
	Missions []MissionConfig `json:"missions"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to the telegram chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PlatformConfig configures the local platform scheduler.
//
// Windows accept cron specs (seconds optional, "@every 15m"), Go durations, or
// HH:MM intervals.
type PlatformConfig struct {
	Timezone         string   `json:"timezone,omitempty"`
	RefreshWindow    string   `json:"refresh_window,omitempty"`
	ProcessingWindow string   `json:"processing_window,omitempty"`
	RefreshBudget    string   `json:"refresh_budget,omitempty"`
	ProcessingBudget string   `json:"processing_budget,omitempty"`
	ExpirationGrace  string   `json:"expiration_grace,omitempty"`
	SubmitRatePerSec float64  `json:"submit_rate_per_sec,omitempty"`
	SubmitBurst      int      `json:"submit_burst,omitempty"`
	Permitted        []string `json:"permitted,omitempty"`
}

// StorageConfig selects where invocation records go.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./lurker.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // prune records older than this
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Notify lists the outcomes that raise an alert: expired, failed,
	// panicked, schedule_failed, succeeded.
	Notify     []string `json:"notify,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"`
}

// StatusConfig controls the local HTTP status API. Prefer loopback addresses;
// the debug endpoints can launch and expire missions.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:7410"
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// MissionConfig declares one mission. Exactly one of Command, Speedtest and
// Unitcheck must be set and must match Kind.
type MissionConfig struct {
	ID       string `json:"id"`
	Category string `json:"category"` // brief | extended
	Kind     string `json:"kind"`     // command | speedtest | unitcheck
	// EarliestStart is an offset from the moment the mission is scheduled.
	EarliestStart         string `json:"earliest_start,omitempty"`
	RequiresNetwork       bool   `json:"requires_network,omitempty"`
	RequiresExternalPower bool   `json:"requires_external_power,omitempty"`

	Command   *CommandMission   `json:"command,omitempty"`
	Speedtest *SpeedtestMission `json:"speedtest,omitempty"`
	Unitcheck *UnitcheckMission `json:"unitcheck,omitempty"`
}

type CommandMission struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"` // KEY=VALUE, appended to the daemon environment
}

type SpeedtestMission struct {
	ServerCount     int `json:"server_count,omitempty"`
	FullTestServers int `json:"full_test_servers,omitempty"`
	MaxConnections  int `json:"max_connections,omitempty"`
	// MinDownloadMbps fails the run when the measured download is lower.
	MinDownloadMbps float64 `json:"min_download_mbps,omitempty"`
	SavingMode      bool    `json:"saving_mode,omitempty"`
	PacketLoss      bool    `json:"packet_loss,omitempty"`
}

type UnitcheckMission struct {
	Units         []string `json:"units"`
	RestartFailed bool     `json:"restart_failed,omitempty"`
	// User talks to the per-user systemd instance instead of the system one.
	User bool `json:"user,omitempty"`
}
