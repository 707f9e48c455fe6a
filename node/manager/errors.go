package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gpunode/models"
	"gpunode/relay"
)

var (
	// ErrPrecondition is matched by every *PreconditionError.
	ErrPrecondition = errors.New("manager: precondition failed")
	// ErrInvariant is matched by every *InvariantError.
	ErrInvariant = errors.New("manager: remote status invariant violated")
	// ErrInvalidArgument classifies rejected inputs such as an insufficient balance.
	ErrInvalidArgument = errors.New("manager: invalid argument")
	// ErrInsufficientBalance is returned by Start when the account cannot cover the stake.
	ErrInsufficientBalance = fmt.Errorf("%w: node token balance is not enough to join", ErrInvalidArgument)
	// ErrSyncRunning is returned by a second concurrent StartSync.
	ErrSyncRunning = errors.New("manager: sync loop already running")
)

// PreconditionError reports a lifecycle call made while the cached state
// does not allow it. The relay is never contacted in that case.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s node: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// InvariantError reports a remote status outside the set a wait accepts.
type InvariantError struct {
	Op       string
	Status   models.NodeStatus
	Expected []models.NodeStatus
}

func (e *InvariantError) Error() string {
	expected := make([]string, 0, len(e.Expected))
	for _, s := range e.Expected {
		expected = append(expected, string(s))
	}
	return fmt.Sprintf("%s: node status on chain is %s, expected %s", e.Op, e.Status, strings.Join(expected, " or "))
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// cancelled reports whether err is the result of ctx ending. A deadline hit by
// a collaborator's own timeout while ctx is still live is a failure.
func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isRecorded reports whether err is a known failure class that is written to
// the cached transaction state.
func isRecorded(err error) bool {
	return relay.IsRelayError(err) ||
		relay.IsUnavailable(err) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrInvariant) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, models.ErrUnknownChainNodeStatus)
}
