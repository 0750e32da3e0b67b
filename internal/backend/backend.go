// Package backend abstracts the query engines that approved SQL runs
// against. Implementations classify their failures as transient or
// permanent so the executor can decide what is worth retrying.
package backend

import (
	"context"
	"errors"
)

type Result struct {
	Rows         []map[string]any `json:"rows"`
	BytesScanned int64            `json:"bytes_scanned"`
}

type Backend interface {
	Execute(ctx context.Context, stepID, sql string) (*Result, error)
	Name() string
}

// Kind classifies a backend failure. Transient kinds are retryable.
type Kind string

const (
	KindTransient Kind = "transient_error"
	KindTimeout   Kind = "timeout"
	KindPermanent Kind = "permanent_error"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func Transient(msg string) *Error { return &Error{Kind: KindTransient, Message: msg} }
func Timeout(msg string) *Error   { return &Error{Kind: KindTimeout, Message: msg} }
func Permanent(msg string) *Error { return &Error{Kind: KindPermanent, Message: msg} }

// IsTransient reports whether err is worth retrying. A per-call timeout
// counts as transient.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == KindTransient || be.Kind == KindTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}
