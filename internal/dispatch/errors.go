package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/protocol"
	"courier/internal/region"
)

var (
	ErrQueueFull      = errors.New("dispatch queue full")
	ErrQueueClosed    = errors.New("dispatch queue closed")
	ErrStopped        = errors.New("dispatch coordinator stopped")
	ErrAlreadyWorking = errors.New("another endpoint is already working")
	ErrNoEndpoints    = errors.New("no endpoints to deliver to")
)

// ErrorKind classifies a delivery failure for callers and history.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindConfiguration   ErrorKind = "configuration"
	KindDeviceBusy      ErrorKind = "device_busy"
	KindPrimitiveAction ErrorKind = "primitive_action"
	KindCircuitOpen     ErrorKind = "circuit_open"
	KindRetryExhausted  ErrorKind = "retry_exhausted"
	KindTimeout         ErrorKind = "timeout"
	KindCanceled        ErrorKind = "canceled"
	KindInvalidGeometry ErrorKind = "invalid_geometry"
	KindInternal        ErrorKind = "internal"
)

// ConfigurationError means the request can never succeed as submitted
// (unknown endpoint, empty payload, bad mode).
type ConfigurationError struct {
	EndpointID string
	Reason     string
	Err        error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error for %q: %s: %v", e.EndpointID, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error for %q: %s", e.EndpointID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DeviceBusyError means the device gate could not be acquired in time.
type DeviceBusyError struct {
	Waited time.Duration
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("device busy: gate not acquired within %s", e.Waited)
}

// PrimitiveActionError reports the automation step that failed.
type PrimitiveActionError = protocol.PrimitiveActionError

// CircuitOpenError is returned without touching the device while the
// endpoint's breaker is open.
type CircuitOpenError struct {
	EndpointID string
	RetryAt    time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("circuit open for endpoint %q", e.EndpointID)
	}
	return fmt.Sprintf("circuit open for endpoint %q until %s", e.EndpointID, e.RetryAt.Format(time.RFC3339))
}

// RetryExhaustedError wraps the last attempt's error.
type RetryExhaustedError struct {
	EndpointID string
	Attempts   int
	Last       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("endpoint %q: %d attempt(s) failed: %v", e.EndpointID, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// RequestTimeoutError means a request did not reach a terminal result in time.
type RequestTimeoutError struct {
	RequestID string
	After     time.Duration
	Err       error
}

func (e *RequestTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request %s timed out after %s: %v", e.RequestID, e.After, e.Err)
	}
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.After)
}

func (e *RequestTimeoutError) Unwrap() error { return e.Err }

// KindOf maps err onto the error taxonomy by the outermost recognized error
// in its chain: a RequestTimeoutError is a timeout whatever it wraps, and a
// RetryExhaustedError is retry_exhausted. Plain wrappers are looked through.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if k := chainKind(err); k != KindNone {
		return k
	}
	return KindInternal
}

func chainKind(err error) ErrorKind {
	for err != nil {
		if k := kindOfOne(err); k != KindNone {
			return k
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if k := chainKind(e); k != KindNone {
					return k
				}
			}
			return KindNone
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return KindNone
		}
	}
	return KindNone
}

func kindOfOne(err error) ErrorKind {
	switch err.(type) {
	case *RequestTimeoutError:
		return KindTimeout
	case *RetryExhaustedError:
		return KindRetryExhausted
	case *CircuitOpenError:
		return KindCircuitOpen
	case *ConfigurationError:
		return KindConfiguration
	case *region.InvalidGeometryError:
		return KindInvalidGeometry
	case *DeviceBusyError:
		return KindDeviceBusy
	case *PrimitiveActionError:
		return KindPrimitiveAction
	}
	switch err {
	case context.DeadlineExceeded:
		return KindTimeout
	case context.Canceled, ErrStopped:
		return KindCanceled
	}
	return KindNone
}

// NoRetry marks an error as permanent. The fault layer records it and stops.
//
//	return dispatch.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
