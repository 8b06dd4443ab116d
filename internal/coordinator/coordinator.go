// Package coordinator drives the party lifecycle through the ledger: it
// validates preconditions locally, seals rewards, submits transactions,
// tracks their lifecycle, and reconciles the local party cache with the
// ledger's authoritative reads.
//
// Each state-changing operation runs the same finite state machine:
//
//	Idle -> Validating -> Submitted -> Pending -> Confirmed -> Idle
//	                 \-> Failed   \-> Failed  \-> Failed
//
// At most one operation is in flight per (caller, party) pair; a second
// request fails fast with ErrOperationInProgress. The coordinator never
// retries on its own: operations are not idempotent at the ledger layer, so
// retry is the caller's decision.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guardedvault/quest/internal/ledger"
	"github.com/guardedvault/quest/internal/metrics"
	"github.com/guardedvault/quest/internal/models"
	"github.com/guardedvault/quest/internal/partystore"
	"github.com/guardedvault/quest/internal/reward"
	"github.com/guardedvault/quest/internal/sealing"
)

// State is the FSM state of one operation.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateSubmitted  State = "submitted"
	StatePending    State = "pending"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// Operation names a state-changing ledger operation.
type Operation string

const (
	OpCreateParty   Operation = "createParty"
	OpJoinParty     Operation = "joinParty"
	OpCompleteParty Operation = "completeParty"
	OpUnlockChest   Operation = "unlockChest"
	OpClaimReward   Operation = "claimReward"
)

// OperationStatus is the observable snapshot of a (caller, party) pair's
// latest operation, exposed so a presentation layer can render progress
// without polling internals. Err carries the last terminal failure.
type OperationStatus struct {
	Operation Operation
	State     State
	Tx        ledger.TxHandle
	Err       error

	// gen counts status writes so a scheduled prune can tell whether the
	// entry saw new activity since it went terminal.
	gen uint64
}

func (s *OperationStatus) inFlight() bool {
	switch s.State {
	case StateValidating, StateSubmitted, StateConfirmed:
		return true
	case StatePending:
		// A pending status whose watcher gave up carries ErrTimeout and no
		// longer holds the flight slot: the outcome is unknown, not owned.
		return !errors.Is(s.Err, ErrTimeout)
	}
	return false
}

type flightKey struct {
	caller  string
	partyID uint64
}

// Coordinator orchestrates party lifecycle operations against the ledger.
type Coordinator struct {
	ledger  ledger.Client
	store   *partystore.Store
	sealer  sealing.Sealer
	calc    *reward.Calculator
	metrics *metrics.Metrics

	// horizon bounds how long a caller waits on a pending transaction before
	// the operation surfaces ErrTimeout. watchBudget bounds the detached
	// reconciliation watcher that keeps running after a timeout.
	horizon     time.Duration
	watchBudget time.Duration

	// retention is how long a terminal status stays observable before its
	// flights entry is pruned.
	retention time.Duration

	mu      sync.Mutex
	flights map[flightKey]*OperationStatus
}

// statusRetention keeps terminal statuses observable long enough for any
// presentation layer to poll them, without growing the flights map forever.
const statusRetention = 15 * time.Minute

// New builds a coordinator. The metrics argument may not be nil; pass a
// collector registered on a throwaway registry in tests.
func New(lc ledger.Client, store *partystore.Store, sealer sealing.Sealer, calc *reward.Calculator, m *metrics.Metrics, horizon time.Duration) *Coordinator {
	return &Coordinator{
		ledger:      lc,
		store:       store,
		sealer:      sealer,
		calc:        calc,
		metrics:     m,
		horizon:     horizon,
		watchBudget: 20 * horizon,
		retention:   statusRetention,
		flights:     make(map[flightKey]*OperationStatus),
	}
}

// Status returns the latest operation snapshot for a (caller, party) pair.
func (c *Coordinator) Status(caller string, partyID uint64) (OperationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.flights[flightKey{caller, partyID}]
	if !ok {
		return OperationStatus{State: StateIdle}, false
	}
	return *st, true
}

// CreateParty creates a new party with the caller as leader and returns the
// ledger-assigned party id.
func (c *Coordinator) CreateParty(ctx context.Context, caller string, maxMembers int, durationSeconds int64) (uint64, error) {
	receipt, err := c.run(ctx, OpCreateParty, caller, 0,
		func(ctx context.Context) error {
			if maxMembers < models.MinPartySize || maxMembers > models.MaxPartySize {
				return failPrecondition("maxMembers %d outside %d..%d", maxMembers, models.MinPartySize, models.MaxPartySize)
			}
			if durationSeconds < models.MinDuration || durationSeconds > models.MaxDuration {
				return failPrecondition("duration %ds outside %d..%d", durationSeconds, models.MinDuration, models.MaxDuration)
			}
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.SubmitCreateParty(ctx, caller, maxMembers, time.Duration(durationSeconds)*time.Second)
		},
	)
	if err != nil {
		return 0, err
	}
	return receipt.PartyID, nil
}

// JoinParty adds the caller to an existing party.
func (c *Coordinator) JoinParty(ctx context.Context, caller string, partyID uint64) error {
	_, err := c.run(ctx, OpJoinParty, caller, partyID,
		func(ctx context.Context) error {
			p, err := c.refresh(ctx, partyID)
			if err != nil {
				return err
			}
			switch {
			case p.IsCompleted:
				return failPrecondition("party %d already completed", partyID)
			case !p.IsActive:
				return failPrecondition("party %d is not active", partyID)
			case p.IsFull():
				return failPrecondition("party full")
			}
			isMember, err := c.ledger.ReadIsMember(ctx, partyID, caller)
			if err != nil {
				return fmt.Errorf("membership read: %w", err)
			}
			if isMember {
				return failPrecondition("already a member of party %d", partyID)
			}
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.SubmitJoinParty(ctx, caller, partyID)
		},
	)
	return err
}

// CompleteParty settles the party: it computes the reward from the party's
// current level and member count, seals it, and submits the sealed value with
// a proof placeholder. The plaintext total never leaves this method.
func (c *Coordinator) CompleteParty(ctx context.Context, caller string, partyID uint64) error {
	var sealed sealing.SealedValue

	_, err := c.run(ctx, OpCompleteParty, caller, partyID,
		func(ctx context.Context) error {
			p, err := c.refresh(ctx, partyID)
			if err != nil {
				return err
			}
			if p.IsCompleted {
				return failPrecondition("party %d already completed", partyID)
			}
			if !p.IsActive {
				return failPrecondition("party %d is not active", partyID)
			}
			isMember, err := c.ledger.ReadIsMember(ctx, partyID, caller)
			if err != nil {
				return fmt.Errorf("membership read: %w", err)
			}
			if !isMember {
				return failPrecondition("caller is not a member of party %d", partyID)
			}

			total, err := c.calc.Compute(p.CurrentLevel, p.MemberCount)
			if err != nil {
				return failPrecondition("reward computation: %v", err)
			}
			sealed, err = c.sealer.Seal(total)
			if err != nil {
				return failPrecondition("reward sealing: %v", err)
			}
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			// Proof content is a placeholder until a real proof system lands;
			// the ledger side verifies by recomputation instead.
			return c.ledger.SubmitCompleteParty(ctx, caller, partyID, sealed, []byte{})
		},
	)
	return err
}

// UnlockChest unlocks a treasure chest for a completed party the caller
// belongs to.
func (c *Coordinator) UnlockChest(ctx context.Context, caller string, chestID, partyID uint64) error {
	_, err := c.run(ctx, OpUnlockChest, caller, partyID,
		func(ctx context.Context) error {
			p, err := c.refresh(ctx, partyID)
			if err != nil {
				return err
			}
			if !p.IsCompleted {
				return failPrecondition("party %d is not completed", partyID)
			}
			isMember, err := c.ledger.ReadIsMember(ctx, partyID, caller)
			if err != nil {
				return fmt.Errorf("membership read: %w", err)
			}
			if !isMember {
				return failPrecondition("caller is not a member of party %d", partyID)
			}
			if _, err := c.ledger.ReadChestInfo(ctx, chestID); err == nil {
				return failPrecondition("chest %d already unlocked", chestID)
			} else if !errors.Is(err, ledger.ErrNotFound) {
				return fmt.Errorf("chest read: %w", err)
			}
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.SubmitUnlockChest(ctx, caller, chestID, partyID)
		},
	)
	return err
}

// ClaimReward claims a chest the caller unlocked.
func (c *Coordinator) ClaimReward(ctx context.Context, caller string, chestID, partyID uint64) error {
	_, err := c.run(ctx, OpClaimReward, caller, partyID,
		func(ctx context.Context) error {
			chest, err := c.ledger.ReadChestInfo(ctx, chestID)
			if errors.Is(err, ledger.ErrNotFound) {
				return failPrecondition("chest %d is not unlocked", chestID)
			}
			if err != nil {
				return fmt.Errorf("chest read: %w", err)
			}
			if chest.PartyID != partyID {
				return failPrecondition("chest %d belongs to party %d", chestID, chest.PartyID)
			}
			if chest.UnlockedBy != caller {
				return failPrecondition("chest %d was unlocked by another member", chestID)
			}
			if chest.Claimed {
				return failPrecondition("chest %d already claimed", chestID)
			}
			return nil
		},
		func(ctx context.Context) (ledger.TxHandle, error) {
			return c.ledger.SubmitClaimReward(ctx, caller, chestID, partyID)
		},
	)
	return err
}

// GetPartyInfo returns the party, serving the cache when warm and falling
// back to the ledger's authoritative read on a miss.
func (c *Coordinator) GetPartyInfo(ctx context.Context, partyID uint64) (models.Party, error) {
	if p, ok := c.store.Get(partyID); ok {
		return p, nil
	}
	return c.refresh(ctx, partyID)
}

// IsMember answers the membership relation from the ledger.
func (c *Coordinator) IsMember(ctx context.Context, partyID uint64, addr string) (bool, error) {
	return c.ledger.ReadIsMember(ctx, partyID, addr)
}

// WatchEvents consumes the ledger's event feed and keeps the party cache in
// sync with confirmations observed outside this process's own operations.
// It returns when ctx is done or the feed closes.
func (c *Coordinator) WatchEvents(ctx context.Context) {
	events := c.ledger.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := c.refresh(ctx, ev.PartyID); err != nil {
				slog.Warn("Event-driven refresh failed", "event", ev.Type, "party_id", ev.PartyID, "error", err)
				continue
			}
			slog.Debug("Refreshed party from ledger event", "event", ev.Type, "party_id", ev.PartyID)
		}
	}
}

// run executes one operation through the FSM. validate runs local
// preconditions (returning *Failure for Validating->Failed), submit
// dispatches the ledger transaction.
func (c *Coordinator) run(ctx context.Context, op Operation, caller string, partyID uint64, validate func(context.Context) error, submit func(context.Context) (ledger.TxHandle, error)) (*ledger.Receipt, error) {
	key := flightKey{caller, partyID}

	st := &OperationStatus{Operation: op, State: StateValidating}
	c.mu.Lock()
	if cur, ok := c.flights[key]; ok && cur.inFlight() {
		c.mu.Unlock()
		return nil, ErrOperationInProgress
	}
	c.flights[key] = st
	c.mu.Unlock()

	fail := func(f *Failure) error {
		c.setStatus(key, StateFailed, "", f)
		c.metrics.Operations.WithLabelValues(string(op), "failed").Inc()
		slog.Warn("Operation failed", "operation", op, "caller", caller, "party_id", partyID, "code", f.Code, "detail", f.Detail)
		return f
	}

	if caller == "" {
		return nil, fail(failUnauthenticated())
	}

	if err := validate(ctx); err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = failPrecondition("%v", err)
		}
		return nil, fail(f)
	}

	c.setStatus(key, StateSubmitted, "", nil)
	h, err := submit(ctx)
	if err != nil {
		var rej *ledger.RejectedError
		if errors.As(err, &rej) {
			return nil, fail(&Failure{Code: LedgerRejected, Detail: rej.Code + ": " + rej.Detail})
		}
		return nil, fail(&Failure{Code: LedgerRejected, Detail: err.Error()})
	}

	c.setStatus(key, StatePending, h, nil)
	slog.Info("Transaction submitted", "operation", op, "caller", caller, "party_id", partyID, "tx", h)

	submitted := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.horizon)
	defer cancel()
	receipt, err := c.ledger.AwaitConfirmation(waitCtx, h)
	if err != nil {
		// Outcome unknown: keep a detached watcher so a late confirmation
		// still reconciles the cache, and tell the caller the truth.
		c.metrics.Operations.WithLabelValues(string(op), "timeout").Inc()
		slog.Warn("Confirmation horizon elapsed", "operation", op, "tx", h)
		go c.watch(key, op, h, partyID, submitted)
		return nil, ErrTimeout
	}

	return c.finish(ctx, key, op, receipt, partyID, submitted)
}

// finish applies a terminal receipt: reverted transactions become typed
// failures, confirmed ones refresh the cache from the authoritative read and
// return the FSM to Idle.
func (c *Coordinator) finish(ctx context.Context, key flightKey, op Operation, receipt *ledger.Receipt, partyID uint64, submitted time.Time) (*ledger.Receipt, error) {
	c.metrics.ConfirmationSeconds.WithLabelValues(string(op)).Observe(time.Since(submitted).Seconds())

	if receipt.Status == ledger.TxReverted {
		f := &Failure{Code: LedgerReverted, Detail: receipt.Code}
		c.setStatus(key, StateFailed, receipt.Handle, f)
		c.metrics.Operations.WithLabelValues(string(op), "failed").Inc()
		slog.Warn("Transaction reverted", "operation", op, "tx", receipt.Handle, "code", receipt.Code)
		return nil, f
	}

	// Confirmed is observable while the cache refresh runs; the FSM returns
	// to Idle only once the store reflects the post-confirmation snapshot.
	c.setStatus(key, StateConfirmed, receipt.Handle, nil)

	refreshID := partyID
	if refreshID == 0 {
		refreshID = receipt.PartyID
	}
	if _, err := c.refresh(ctx, refreshID); err != nil {
		slog.Warn("Post-confirmation refresh failed", "operation", op, "party_id", refreshID, "error", err)
	}

	c.setStatus(key, StateIdle, receipt.Handle, nil)
	c.metrics.Operations.WithLabelValues(string(op), "confirmed").Inc()
	slog.Info("Transaction confirmed", "operation", op, "tx", receipt.Handle, "party_id", refreshID)
	return receipt, nil
}

// watch reconciles a transaction whose caller already timed out. The flight
// slot stays held until the outcome is known, so retries cannot double-submit
// while the first transaction may still confirm.
func (c *Coordinator) watch(key flightKey, op Operation, h ledger.TxHandle, partyID uint64, submitted time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), c.watchBudget)
	defer cancel()

	receipt, err := c.ledger.AwaitConfirmation(ctx, h)
	if err != nil {
		// Outcome still unknown after the extended budget. The ledger never
		// reported a failure, so the state stays Pending; ErrTimeout releases
		// the flight slot and the event feed remains the last line of
		// reconciliation.
		c.setStatus(key, StatePending, h, ErrTimeout)
		slog.Error("Abandoning transaction watch", "operation", op, "tx", h)
		return
	}
	if _, err := c.finish(ctx, key, op, receipt, partyID, submitted); err != nil {
		slog.Warn("Late transaction failed", "operation", op, "tx", h, "error", err)
	}
}

// refresh re-reads a party from the ledger and updates the cache.
func (c *Coordinator) refresh(ctx context.Context, partyID uint64) (models.Party, error) {
	rec, err := c.ledger.ReadPartyInfo(ctx, partyID)
	if errors.Is(err, ledger.ErrNotFound) {
		c.store.Invalidate(partyID)
		return models.Party{}, fmt.Errorf("%w: party %d", ErrNotFound, partyID)
	}
	if err != nil {
		return models.Party{}, fmt.Errorf("ledger read: %w", err)
	}
	p, err := ledger.DecodePartyRecord(partyID, rec)
	if err != nil {
		return models.Party{}, fmt.Errorf("ledger record: %w", err)
	}
	if err := c.store.Upsert(p); err != nil {
		// The ledger outranks the cache: drop the stale record and retry.
		slog.Warn("Cache rejected ledger snapshot, invalidating", "party_id", partyID, "error", err)
		c.store.Invalidate(partyID)
		if err := c.store.Upsert(p); err != nil {
			return models.Party{}, fmt.Errorf("cache update: %w", err)
		}
	}
	return p, nil
}

func (c *Coordinator) setStatus(key flightKey, state State, tx ledger.TxHandle, err error) {
	c.mu.Lock()
	st, ok := c.flights[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.State = state
	if tx != "" {
		st.Tx = tx
	}
	st.Err = err
	st.gen++
	gen := st.gen
	terminal := !st.inFlight()
	c.mu.Unlock()

	if terminal {
		c.pruneAfter(key, st, gen)
	}
}

// pruneAfter drops a terminal status once the retention period passes with no
// further activity on the (caller, party) pair.
func (c *Coordinator) pruneAfter(key flightKey, st *OperationStatus, gen uint64) {
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.flights[key]; ok && cur == st && cur.gen == gen {
			delete(c.flights, key)
		}
	})
}
