// Package linkerr defines the closed set of errors produced by the mesh link
// stack, and the one function that turns them into user-facing text.
package linkerr

import (
	"errors"
	"fmt"
)

// Kind classifies a link error.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindChecksumMismatch
	KindNotConnected
	KindDeviceUnavailable
	KindMalformed
	KindTruncated
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindNotConnected:
		return "not connected"
	case KindDeviceUnavailable:
		return "device unavailable"
	case KindMalformed:
		return "malformed"
	case KindTruncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// Error is a classified link error. Op names the operation that failed and
// Reason carries the detail for Malformed and DeviceUnavailable.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches on Kind only, so errors.Is(err, ErrTimeout) holds for any timeout.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrChecksumMismatch  = &Error{Kind: KindChecksumMismatch}
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrMalformed         = &Error{Kind: KindMalformed}
	ErrTruncated         = &Error{Kind: KindTruncated}
)

func Timeout(op string) error      { return &Error{Kind: KindTimeout, Op: op} }
func NotConnected(op string) error { return &Error{Kind: KindNotConnected, Op: op} }
func ChecksumMismatch() error      { return &Error{Kind: KindChecksumMismatch, Op: "frame"} }
func Truncated(what string) error  { return &Error{Kind: KindTruncated, Op: what} }

func DeviceUnavailable(reason string) error {
	return &Error{Kind: KindDeviceUnavailable, Reason: reason}
}

func Malformed(format string, args ...any) error {
	return &Error{Kind: KindMalformed, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Format renders err for traffic log lines, status and API bodies.
func Format(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Kind {
	case KindTimeout:
		if e.Op != "" {
			return fmt.Sprintf("Timed out waiting for %s", e.Op)
		}
		return "Timed out"
	case KindNotConnected:
		return "Device not connected"
	case KindDeviceUnavailable:
		if e.Reason != "" {
			return "Device unavailable: " + e.Reason
		}
		return "Device unavailable"
	case KindChecksumMismatch:
		return "Frame checksum mismatch, buffer discarded"
	case KindMalformed:
		return "Malformed data: " + e.Reason
	case KindTruncated:
		return "Truncated data in " + e.Op
	}
	return err.Error()
}
