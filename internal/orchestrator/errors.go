package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ingridandradedev/smart-query/internal/thread"
)

var (
	// ErrEmptyMessage is returned when a turn carries no user text.
	ErrEmptyMessage = errors.New("empty user message")

	// ErrReasonerUnavailable wraps a reasoner failure that survived retries.
	// The turn cannot proceed without a decision, so nothing is committed.
	ErrReasonerUnavailable = errors.New("reasoner unavailable")

	// ErrCommitContention is returned when the turn's commit kept losing the
	// optimistic concurrency race and gave up.
	ErrCommitContention = errors.New("thread commit contention")
)

// Code classifies a turn-level failure for callers that need more than an
// error chain, such as the HTTP layer mapping failures to status codes.
type Code string

const (
	CodeEmptyMessage         Code = "empty_message"
	CodeThreadNotFound       Code = "thread_not_found"
	CodeReasoningUnavailable Code = "reasoning_unavailable"
	CodeWriteConflict        Code = "write_conflict"
	CodeCanceled             Code = "canceled"
	CodeInternal             Code = "internal"
)

// TurnError is a turn-level failure carrying the state the turn was in and
// a classification code. Tool failures never produce a TurnError; they are
// folded into observations.
type TurnError struct {
	Stage State
	Code  Code
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Classify maps any turn error to its code. Unrecognized errors classify as
// internal.
func Classify(err error) Code {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Code
	}
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, thread.ErrNotFound):
		return CodeThreadNotFound
	case errors.Is(err, ErrReasonerUnavailable):
		return CodeReasoningUnavailable
	case errors.Is(err, ErrCommitContention), errors.Is(err, thread.ErrVersionConflict):
		return CodeWriteConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
