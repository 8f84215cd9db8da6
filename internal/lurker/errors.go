package lurker

import (
	"errors"

	"lurker/internal/quota"
)

var (
	ErrTooManyBrief    = quota.ErrTooManyBrief
	ErrTooManyExtended = quota.ErrTooManyExtended

	// ErrRegistrationFailed reports that at least one mission could not be
	// registered with the platform. Missions that did register stay registered.
	ErrRegistrationFailed = errors.New("failed to register at least one mission")

	ErrShutdown = errors.New("coordinator shut down")
)
