// Package model holds the configuration and runtime data types shared by
// every component: ports, data points, equipment, interlock rules, the
// environment configuration, and the error taxonomy that threads through
// all of them.
package model

import "fmt"

// ErrorKind is the closed set of failure tags surfaced on data-point reads
// and equipment status (spec §7).
type ErrorKind string

const (
	ErrTimeout           ErrorKind = "timeout"
	ErrCRC               ErrorKind = "crc"
	ErrException         ErrorKind = "exception"
	ErrDisconnected      ErrorKind = "disconnected"
	ErrInvalidRange      ErrorKind = "invalid_range"
	ErrOnButNotRunning   ErrorKind = "on_but_not_running"
	ErrOffButRunning     ErrorKind = "off_but_running"
	ErrDisagreement      ErrorKind = "disagreement"
	ErrDeviceOffline     ErrorKind = "device_offline_skipped"
	ErrParse             ErrorKind = "parse"
	ErrEncodingFailed    ErrorKind = "encoding_failed"
	ErrUnknownCmd        ErrorKind = "unknown_cmd"
)

// FieldError reports a failure tag against the data point or equipment
// that produced it.
type FieldError struct {
	Kind ErrorKind

	Point string // data point or equipment name, if any
	Code  int    // protocol exception code, only set for ErrException
	Text  string // free-form detail, e.g. a missing tree key
}

// Error implements the builtin error interface.
func (e *FieldError) Error() string {
	switch {
	case e.Kind == ErrException:
		return fmt.Sprintf("model: %s: exception(%d)", e.Point, e.Code)
	case e.Text != "":
		return fmt.Sprintf("model: %s: %s: %s", e.Point, e.Kind, e.Text)
	case e.Point != "":
		return fmt.Sprintf("model: %s: %s", e.Point, e.Kind)
	default:
		return fmt.Sprintf("model: %s", e.Kind)
	}
}

// NewFieldError builds a *FieldError for kinds without extra detail.
func NewFieldError(point string, kind ErrorKind) *FieldError {
	return &FieldError{Kind: kind, Point: point}
}

// Exception builds a *FieldError for a protocol-level rejection.
func Exception(point string, code int) *FieldError {
	return &FieldError{Kind: ErrException, Point: point, Code: code}
}

// Parse builds a *FieldError for a configuration-load-time rejection.
func Parse(point, text string) *FieldError {
	return &FieldError{Kind: ErrParse, Point: point, Text: text}
}

// AdvancesFailureCounter reports whether the kind should advance a port
// worker's per-slave consecutive-failure counter (spec §4.2's policy: only
// timeout/disconnected do; CRC and protocol exceptions do not).
func (k ErrorKind) AdvancesFailureCounter() bool {
	return k == ErrTimeout || k == ErrDisconnected
}

// AsKind folds an arbitrary error into the closed ErrorKind set, the way
// transport adapters must before caching a failed read. Timeout and
// disconnected both fold to ErrTimeout: disconnected's own recovery note
// (§7) says it is "folded into timeout; triggers transport restart".
func AsKind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if fe, ok := err.(*FieldError); ok {
		switch fe.Kind {
		case ErrTimeout, ErrDisconnected:
			return ErrTimeout
		default:
			return fe.Kind
		}
	}
	return ErrTimeout
}
