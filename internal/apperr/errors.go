// Package apperr holds the error taxonomy shared by the admission chain and the
// HTTP boundary. Every client-input failure maps to a 4xx with a stable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable, machine-readable codes returned to agents.
const (
	CodeAuthentication  = "authentication_failed"
	CodeReplay          = "replay_rejected"
	CodeRateLimit       = "rate_limited"
	CodePayloadTooLarge = "payload_too_large"
	CodeValidation      = "validation_failed"
	CodeBusy            = "org_busy"
	CodeInternal        = "internal_error"
)

// AuthenticationError covers bad or missing signatures and unknown identities.
type AuthenticationError struct {
	Reason string
	Detail string
}

func (e *AuthenticationError) Error() string {
	if e.Detail == "" {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Reason, e.Detail)
}

// ReplayError covers stale or future timestamps and reused nonces.
type ReplayError struct {
	Reason string
	Detail string
}

func (e *ReplayError) Error() string {
	if e.Detail == "" {
		return "replay rejected: " + e.Reason
	}
	return fmt.Sprintf("replay rejected: %s: %s", e.Reason, e.Detail)
}

// RateLimitError carries enough context to build a client backoff response.
type RateLimitError struct {
	OrgID      string
	Plan       string
	Dimension  string // "requests" or "bytes"
	Limit      int64
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for org %s: %d %s per %s (plan %s)",
		e.OrgID, e.Limit, e.Dimension, e.Window, e.Plan)
}

// PayloadTooLargeError is raised before any signature work happens.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// ValidationError is a schema or shape violation in client input.
type ValidationError struct {
	Reason string
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := "validation failed: " + e.Reason
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// BusyError means the per-org serialization point could not be acquired in
// time. Clients may retry.
type BusyError struct {
	OrgID  string
	Waited time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("org %s busy: lock not acquired within %s", e.OrgID, e.Waited)
}

// InternalError wraps unexpected failures in scoring or persistence.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Internal wraps err unless it already belongs to the taxonomy.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) {
		return err
	}
	var busy *BusyError
	if errors.As(err, &busy) {
		return err
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

// IsClientError reports whether err was caused by client input.
func IsClientError(err error) bool {
	var (
		a *AuthenticationError
		r *ReplayError
		l *RateLimitError
		p *PayloadTooLargeError
		v *ValidationError
	)
	return errors.As(err, &a) || errors.As(err, &r) || errors.As(err, &l) ||
		errors.As(err, &p) || errors.As(err, &v)
}

// Response is the boundary translation of an error.
type Response struct {
	Status     int
	Code       string
	Reason     string
	Message    string
	RetryAfter time.Duration
}

// HTTP maps err to its status, stable code and client-safe message. Unknown
// errors become internal errors with a generic message.
func HTTP(err error) Response {
	var (
		a    *AuthenticationError
		r    *ReplayError
		l    *RateLimitError
		p    *PayloadTooLargeError
		v    *ValidationError
		busy *BusyError
	)
	switch {
	case errors.As(err, &p):
		return Response{Status: http.StatusRequestEntityTooLarge, Code: CodePayloadTooLarge, Reason: "payload_too_large", Message: p.Error()}
	case errors.As(err, &a):
		// detail stays server side
		return Response{Status: http.StatusUnauthorized, Code: CodeAuthentication, Reason: a.Reason, Message: "request could not be authenticated"}
	case errors.As(err, &r):
		return Response{Status: http.StatusConflict, Code: CodeReplay, Reason: r.Reason, Message: r.Error()}
	case errors.As(err, &l):
		return Response{Status: http.StatusTooManyRequests, Code: CodeRateLimit, Reason: l.Dimension, Message: l.Error(), RetryAfter: l.RetryAfter}
	case errors.As(err, &v):
		return Response{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Reason: v.Reason, Message: v.Error()}
	case errors.As(err, &busy):
		return Response{Status: http.StatusServiceUnavailable, Code: CodeBusy, Reason: "lock_timeout", Message: "organization is busy, retry later", RetryAfter: time.Second}
	default:
		return Response{Status: http.StatusInternalServerError, Code: CodeInternal, Reason: "internal", Message: "internal error"}
	}
}

// Reason returns a low-cardinality label for metrics and audit events.
func Reason(err error) string {
	if err == nil {
		return "accepted"
	}
	resp := HTTP(err)
	if resp.Code == CodeRateLimit {
		return "rate_limit_" + resp.Reason
	}
	return resp.Reason
}
