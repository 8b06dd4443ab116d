// Package ledger defines the boundary to the external authoritative ledger:
// the client interface the settlement coordinator consumes, the transaction
// receipt and event types the ledger reports, and strict decoding of the
// ledger's positional read records into typed models.
//
// This package does not implement a ledger. The sqlledger subpackage provides
// a contract stand-in for the server binary and tests.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/guardedvault/quest/internal/models"
)

// TxHandle identifies a submitted transaction.
type TxHandle string

// TxStatus is the lifecycle of a submitted transaction as the ledger reports
// it. A transaction is pending from acceptance until it is confirmed or
// reverted; there is no other terminal state.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
)

// Receipt is the ledger's terminal report for one transaction.
type Receipt struct {
	Handle TxHandle
	Status TxStatus

	// Code is the revert reason, set only when Status is TxReverted.
	Code string

	// PartyID is the ledger-assigned id for a confirmed createParty
	// transaction; zero otherwise.
	PartyID uint64
}

// RejectedError is returned by a Submit call the ledger refused outright
// (malformed arguments, unauthorized sender). Nothing was recorded on chain.
type RejectedError struct {
	Code   string
	Detail string
}

func (e *RejectedError) Error() string {
	return "ledger rejected submission: " + e.Code + ": " + e.Detail
}

// ErrNotFound is returned by read operations for an unknown party or chest.
var ErrNotFound = errors.New("ledger: not found")

// Client is the set of ledger operations the settlement engine consumes,
// mirroring the on-chain contract. Submissions are asynchronous: they return
// a handle once the ledger accepts the transaction, and the outcome arrives
// later via AwaitConfirmation or the event feed.
type Client interface {
	SubmitCreateParty(ctx context.Context, leader string, maxMembers int, duration time.Duration) (TxHandle, error)
	SubmitJoinParty(ctx context.Context, member string, partyID uint64) (TxHandle, error)
	SubmitCompleteParty(ctx context.Context, member string, partyID uint64, sealedReward, proof []byte) (TxHandle, error)
	SubmitUnlockChest(ctx context.Context, member string, chestID, partyID uint64) (TxHandle, error)
	SubmitClaimReward(ctx context.Context, claimer string, chestID, partyID uint64) (TxHandle, error)

	// AwaitConfirmation blocks until the transaction reaches a terminal
	// status or ctx is done. A ctx error means the outcome is still unknown,
	// not that the transaction failed.
	AwaitConfirmation(ctx context.Context, h TxHandle) (*Receipt, error)

	// ReadPartyInfo returns the authoritative party record in the contract's
	// positional form. Decode with DecodePartyRecord.
	ReadPartyInfo(ctx context.Context, partyID uint64) (RawPartyRecord, error)

	// ReadIsMember answers the membership relation authoritatively.
	ReadIsMember(ctx context.Context, partyID uint64, addr string) (bool, error)

	// ReadChestInfo returns the authoritative chest record.
	ReadChestInfo(ctx context.Context, chestID uint64) (models.Chest, error)

	// Events is the feed of confirmation signals the ledger emits.
	Events() <-chan Event
}
