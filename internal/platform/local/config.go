package local

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pending caps per kind. They mirror the limits of the OS facility and are not
// configurable.
const (
	MaxPendingRefresh    = 1
	MaxPendingProcessing = 10
)

const (
	DefaultRefreshWindow    = "@every 15m"
	DefaultProcessingWindow = "0 */1 * * *"
	DefaultRefreshBudget    = 30 * time.Second
	DefaultProcessingBudget = 10 * time.Minute
	DefaultExpirationGrace  = 10 * time.Second
)

type Config struct {
	Timezone         string
	RefreshWindow    string
	ProcessingWindow string
	RefreshBudget    time.Duration
	ProcessingBudget time.Duration
	// ExpirationGrace is how long an expired task may keep running before it
	// is recorded as terminated.
	ExpirationGrace time.Duration
	// SubmitRatePerSec limits Submit calls; 0 disables the limiter.
	SubmitRatePerSec float64
	SubmitBurst      int
	// Permitted restricts which identifiers may register. Empty permits all.
	Permitted []string
	// Conditions reports device state for processing requirements. Nil means
	// every requirement is met.
	Conditions Conditions
}

// Conditions is consulted before a processing request with requirements is
// launched.
type Conditions interface {
	NetworkAvailable() bool
	ExternalPower() bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RefreshWindow) == "" {
		c.RefreshWindow = DefaultRefreshWindow
	}
	if strings.TrimSpace(c.ProcessingWindow) == "" {
		c.ProcessingWindow = DefaultProcessingWindow
	}
	if c.RefreshBudget <= 0 {
		c.RefreshBudget = DefaultRefreshBudget
	}
	if c.ProcessingBudget <= 0 {
		c.ProcessingBudget = DefaultProcessingBudget
	}
	if c.ExpirationGrace <= 0 {
		c.ExpirationGrace = DefaultExpirationGrace
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = max(1, int(c.SubmitRatePerSec))
	}
	return c
}

// Validate checks windows, timezone and limits.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if _, err := parseWindow(c.RefreshWindow); err != nil {
		errs = append(errs, fmt.Errorf("refresh_window: %w", err))
	}
	if _, err := parseWindow(c.ProcessingWindow); err != nil {
		errs = append(errs, fmt.Errorf("processing_window: %w", err))
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	if c.SubmitRatePerSec < 0 {
		errs = append(errs, errors.New("submit_rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) location() *time.Location {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func (c Config) permits(id string) bool {
	if len(c.Permitted) == 0 {
		return true
	}
	for _, p := range c.Permitted {
		if p == id {
			return true
		}
	}
	return false
}
