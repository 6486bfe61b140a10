package arkclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arkade-os/go-ark-client/types"
)

var (
	// ErrSchedulerFees is returned when a scheduler emits a spec whose outputs
	// exceed its inputs minus the estimated fees.
	ErrSchedulerFees = errors.New("intent outputs exceed inputs minus fees")
	// ErrOverlappingIntent is returned when an input is already committed to
	// another pending intent of the same wallet.
	ErrOverlappingIntent = errors.New("inputs already committed to a pending intent")
	ErrNotEnoughFunds    = errors.New("not enough funds")
	ErrServiceStarted    = errors.New("service already started")
	// ErrSubDustChange is returned when the change of an offchain tx is
	// below dust and the tx can't carry another sub-dust output.
	ErrSubDustChange = errors.New("sub-dust change can't be added to the tx")
)

// SpendAttempt is a failed attempt to bind a coin to one of its spending
// paths.
type SpendAttempt struct {
	Strategy string
	Outpoint types.Outpoint
	Err      error
}

func (a SpendAttempt) String() string {
	return fmt.Sprintf("%s (%s): %s", a.Outpoint, a.Strategy, a.Err)
}

// SpendError is returned when no spending strategy could be applied to some
// coin. It carries every failed attempt, in the order they were made.
type SpendError struct {
	Attempts []SpendAttempt
}

func (e *SpendError) Error() string {
	if len(e.Attempts) <= 0 {
		return "failed to spend coins"
	}
	attempts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		attempts = append(attempts, a.String())
	}
	return fmt.Sprintf("failed to spend coins: %s", strings.Join(attempts, "; "))
}

func (e *SpendError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
