package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationInProgress is returned when a second state-changing
	// operation is requested for a (caller, party) pair whose first operation
	// has not reached a terminal state. Requests fail fast instead of
	// queueing; the ledger serializes per-account transactions anyway.
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrTimeout is returned when a pending transaction produced no terminal
	// outcome within the configured horizon. It is not a failure: the ledger
	// may still confirm, and the coordinator keeps watching to reconcile.
	ErrTimeout = errors.New("no confirmation within horizon")

	// ErrNotFound is returned by reads for a party the ledger does not know.
	ErrNotFound = errors.New("party not found")
)

// FailureCode classifies a terminal Failed outcome.
type FailureCode string

const (
	// Unauthenticated: no caller identity was supplied.
	Unauthenticated FailureCode = "unauthenticated"

	// PreconditionFailed: local validation failed; nothing was submitted.
	PreconditionFailed FailureCode = "precondition_failed"

	// LedgerRejected: the ledger refused the submission outright.
	LedgerRejected FailureCode = "ledger_rejected"

	// LedgerReverted: the transaction was mined but failed.
	LedgerReverted FailureCode = "ledger_reverted"
)

// Failure is the typed reason carried by every terminal Failed state.
// Ledger codes are preserved verbatim in Detail for diagnostics.
type Failure struct {
	Code   FailureCode
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Detail)
}

func failUnauthenticated() *Failure {
	return &Failure{Code: Unauthenticated, Detail: "no caller identity"}
}

func failPrecondition(format string, args ...any) *Failure {
	return &Failure{Code: PreconditionFailed, Detail: fmt.Sprintf(format, args...)}
}
