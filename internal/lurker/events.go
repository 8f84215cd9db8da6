package lurker

import "time"

// Event types published on the bus.
const (
	EventRegistered     = "mission.registered"
	EventScheduleFailed = "mission.schedule_failed"
	EventStarted        = "mission.started"
	EventExpired        = "mission.expired"
	EventCompleted      = "mission.completed"
)

// Event is the payload of every mission.* bus event.
type Event struct {
	TaskID   string        `json:"task_id,omitempty"`
	Mission  string        `json:"mission"`
	Category string        `json:"category"`
	FiredAt  time.Time     `json:"fired_at,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Success  bool          `json:"success"`
	Expired  bool          `json:"expired,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
	Error    string        `json:"error,omitempty"`
}
