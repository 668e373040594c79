package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	ErrKindNetwork   ErrorKind = "network"
	ErrKindStatus    ErrorKind = "status"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindEmpty     ErrorKind = "empty"
	ErrKindMalformed ErrorKind = "malformed"
	ErrKindConfig    ErrorKind = "config"
	ErrKindCanceled  ErrorKind = "canceled"
)

var ErrEmptyContent = errors.New("empty content")

// CallError is the classified failure of one endpoint call. The fallback
// loop logs it and moves to the next candidate.
type CallError struct {
	Endpoint string
	Model    string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *CallError) Error() string {
	target := e.Endpoint
	if e.Model != "" {
		target += "/" + e.Model
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", target, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", target, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func newStatusError(status int, msg string) *CallError {
	return &CallError{Kind: ErrKindStatus, Status: status, Err: errors.New(msg)}
}

// classify wraps err as a CallError for endpoint/model. Existing CallErrors
// keep their kind.
func classify(endpoint, model string, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		out := *ce
		if out.Endpoint == "" {
			out.Endpoint = endpoint
		}
		if out.Model == "" {
			out.Model = model
		}
		return &out
	}

	kind := ErrKindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrKindTimeout
	case errors.Is(err, context.Canceled):
		kind = ErrKindCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrKindTimeout
	case errors.Is(err, ErrEmptyContent):
		kind = ErrKindEmpty
	}
	return &CallError{Endpoint: endpoint, Model: model, Kind: kind, Err: err}
}
