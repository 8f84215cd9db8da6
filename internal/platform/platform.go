// Package platform describes the external scheduler the coordinator runs under.
//
// The scheduler accepts registrations and scheduling requests, decides on its own
// when work may run, and hands out a Task for every firing. Implementations live
// elsewhere (see platform/local for the in-process one).
package platform

import (
	"errors"
	"time"
)

var (
	ErrUnknownIdentifier      = errors.New("identifier not registered")
	ErrTooManyPendingRequests = errors.New("too many pending requests")
	ErrUnavailable            = errors.New("scheduler unavailable")
	ErrRateLimited            = errors.New("submission rate limited")
	ErrNotPermitted           = errors.New("identifier not permitted")
)

// Scheduler is the contract the coordinator depends on.
type Scheduler interface {
	// Register declares that launch should be invoked whenever identifier fires.
	// It reports whether the registration was accepted.
	Register(identifier string, launch func(Task)) bool
	// Submit asks for a future firing. A pending request for the same
	// identifier is replaced.
	Submit(req Request) error
}

// Task is the execution handle for one firing.
type Task interface {
	ID() string
	Identifier() string
	// SetExpirationHandler installs fn to be called when the scheduler is about
	// to reclaim the task's resources.
	SetExpirationHandler(fn func())
	// SetCompleted reports the final outcome.
	SetCompleted(success bool)
}

// Kind is the submission primitive a request uses.
type Kind int

const (
	KindRefresh Kind = iota + 1
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindRefresh:
		return "refresh"
	case KindProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Request is a scheduling request. It is implemented only by RefreshRequest and
// ProcessingRequest.
type Request interface {
	RequestIdentifier() string
	RequestKind() Kind
	EarliestBeginDate() time.Time
	sealed()
}

// RefreshRequest asks for a short refresh opportunity.
type RefreshRequest struct {
	Identifier    string
	EarliestBegin time.Time
}

func (r RefreshRequest) RequestIdentifier() string    { return r.Identifier }
func (r RefreshRequest) RequestKind() Kind            { return KindRefresh }
func (r RefreshRequest) EarliestBeginDate() time.Time { return r.EarliestBegin }
func (RefreshRequest) sealed()                        {}

// ProcessingRequest asks for a longer processing opportunity.
type ProcessingRequest struct {
	Identifier            string
	EarliestBegin         time.Time
	RequiresNetwork       bool
	RequiresExternalPower bool
}

func (r ProcessingRequest) RequestIdentifier() string    { return r.Identifier }
func (r ProcessingRequest) RequestKind() Kind            { return KindProcessing }
func (r ProcessingRequest) EarliestBeginDate() time.Time { return r.EarliestBegin }
func (ProcessingRequest) sealed()                        {}
