package fota

import (
	"errors"
	"fmt"
)

// ErrNoVerifiedImage is returned by PerformUpgrade when no download has been
// verified since the last Open or Reset.
var ErrNoVerifiedImage = errors.New("no verified firmware image")

// ErrUpgradeScheduled is returned by Open and PerformUpgrade once a reset
// into the accepted image has been scheduled.
var ErrUpgradeScheduled = errors.New("firmware upgrade already scheduled")

// SinkError indicates that writing to the download slot failed.
type SinkError struct {
	Offset int
	Err    error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("flash write at offset %d failed: %v", e.Offset, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IntegrityError indicates that the downloaded image failed verification.
type IntegrityError struct {
	Size int
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check over %d bytes failed: %v", e.Size, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// ProtocolMisuseError reports a callback invoked in the wrong session state.
// It is raised with panic: the integration broke the open/write/finish
// sequencing and the session counters can no longer be trusted.
type ProtocolMisuseError struct {
	Op string
}

func (e *ProtocolMisuseError) Error() string {
	return fmt.Sprintf("fota: %s called without an open download session", e.Op)
}

// IsSinkError checks whether err is a SinkError and returns it.
func IsSinkError(err error) (*SinkError, bool) {
	var e *SinkError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsIntegrityError checks whether err is an IntegrityError and returns it.
func IsIntegrityError(err error) (*IntegrityError, bool) {
	var e *IntegrityError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
