package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a venue error for retry and escalation policy.
type ErrorKind int

const (
	// KindTransient errors are retried with backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited triggers adaptive throttling for the venue.
	KindRateLimited
	// KindAuth errors are non-retryable; the venue is marked degraded and
	// an alert is raised.
	KindAuth
	// KindValidation errors are caller mistakes; never retried.
	KindValidation
	// KindNotFound means the venue does not know the order.
	KindNotFound
	// KindFatal errors exhaust retries immediately.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "fatal"
	}
}

// VenueError wraps a venue failure with its classification.
type VenueError struct {
	Venue string
	Kind  ErrorKind
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Venue, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError builds a classified venue error.
func NewVenueError(venue string, kind ErrorKind, err error) *VenueError {
	return &VenueError{Venue: venue, Kind: kind, Err: err}
}

// KindOf extracts the classification from err, defaulting to transient for
// network-shaped failures and fatal otherwise.
func KindOf(err error) ErrorKind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// Retryable reports whether an error of this kind should be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}
