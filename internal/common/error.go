package common

import (
	"errors"
	"fmt"
)

// Kind discriminates pipeline failures. Callers branch on it with KindOf
// (e.g. alert on threats, silently reject on validation).
type Kind int

const (
	KindUnknown Kind = iota

	// KindValidationRejected: bad type, blocked extension, oversized input,
	// embedded active content. Terminal, carries a specific reason.
	KindValidationRejected

	// KindThreatDetected: the scanning daemon reported a signature match.
	// Terminal, triggers quarantine. Reason holds the signature name.
	KindThreatDetected

	// KindProcessingFailed: decode/encode error on otherwise valid-looking
	// content (e.g. a truncated image).
	KindProcessingFailed

	// KindStorageFailed: local I/O, encryption, or remote-transfer failure.
	KindStorageFailed

	// KindNotFound: unknown id on retrieve/delete/update/history.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidationRejected:
		return "validation rejected"
	case KindThreatDetected:
		return "threat detected"
	case KindProcessingFailed:
		return "processing failed"
	case KindStorageFailed:
		return "storage failed"
	case KindNotFound:
		return "not found"
	}
	return "unknown"
}

// Error is the single tagged error type used across the pipeline.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation builds a terminal validation rejection with the given reason.
func NewValidation(reason string) error {
	return &Error{Kind: KindValidationRejected, Reason: reason}
}

// NewThreat builds a threat-detected error carrying the reported signature.
func NewThreat(signature string) error {
	return &Error{Kind: KindThreatDetected, Reason: signature}
}

// NewProcessing wraps a decode/encode failure.
func NewProcessing(reason string, err error) error {
	return &Error{Kind: KindProcessingFailed, Reason: reason, Err: err}
}

// NewStorage wraps a local I/O, encryption, or remote-transfer failure.
func NewStorage(reason string, err error) error {
	return &Error{Kind: KindStorageFailed, Reason: reason, Err: err}
}

// NewNotFound reports an unknown stable id.
func NewNotFound(what string) error {
	return &Error{Kind: KindNotFound, Reason: what}
}

// KindOf extracts the Kind from err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ThreatSignature returns the signature name carried by a threat error,
// or "" when err is not a threat.
func ThreatSignature(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindThreatDetected {
		return e.Reason
	}
	return ""
}
