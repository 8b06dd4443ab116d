// Package sqlledger is a stand-in for the on-chain quest contract, backed by
// SQLite. The server binary and the tests run against it; a production build
// would swap in a client for the real chain behind the same ledger.Client
// interface.
//
// Submissions are validated shallowly (malformed arguments are rejected
// outright), then applied asynchronously after a configurable confirmation
// delay, mimicking mining. Contract rules are enforced here independently of
// the coordinator's local preconditions: the ledger stays authoritative even
// against a buggy or malicious caller.
package sqlledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/guardedvault/quest/internal/ledger"
	"github.com/guardedvault/quest/internal/models"
	"github.com/guardedvault/quest/internal/reward"
	"github.com/guardedvault/quest/internal/sealing"
)

// Revert codes reported in receipts for transactions that were mined but
// violated a contract rule.
const (
	RevertPartyNotFound    = "PARTY_NOT_FOUND"
	RevertPartyInactive    = "PARTY_INACTIVE"
	RevertPartyExpired     = "PARTY_EXPIRED"
	RevertPartyFull        = "PARTY_FULL"
	RevertPartyCompleted   = "PARTY_COMPLETED"
	RevertAlreadyMember    = "ALREADY_MEMBER"
	RevertNotMember        = "NOT_MEMBER"
	RevertRewardMismatch   = "REWARD_MISMATCH"
	RevertChestUnlocked    = "CHEST_ALREADY_UNLOCKED"
	RevertChestNotFound    = "CHEST_NOT_FOUND"
	RevertChestNotUnlocker = "NOT_UNLOCKER"
	RevertChestClaimed     = "ALREADY_CLAIMED"
)

// Rejection codes for submissions refused before mining.
const (
	RejectInvalidSender   = "INVALID_SENDER"
	RejectInvalidArgument = "INVALID_ARGUMENT"
)

// Ledger implements ledger.Client on top of a local SQLite database.
type Ledger struct {
	db           *sql.DB
	sealer       sealing.Sealer
	calc         *reward.Calculator
	confirmDelay time.Duration
	now          func() time.Time

	mu      sync.Mutex
	waiters map[ledger.TxHandle][]chan *ledger.Receipt

	// execMu serializes transaction execution, the way a chain serializes
	// block application.
	execMu sync.Mutex

	events chan ledger.Event
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ ledger.Client = (*Ledger)(nil)

// New opens (creating if needed) the ledger database at dbPath. The sealer
// and calculator are the ledger's own: completion transactions are verified
// by recomputing the reward, not by trusting the submitter.
func New(dbPath string, sealer sealing.Sealer, calc *reward.Calculator, confirmDelay time.Duration) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Ledger{
		db:           db,
		sealer:       sealer,
		calc:         calc,
		confirmDelay: confirmDelay,
		now:          time.Now,
		waiters:      make(map[ledger.TxHandle][]chan *ledger.Receipt),
		events:       make(chan ledger.Event, 64),
		closed:       make(chan struct{}),
	}, nil
}

// Close stops accepting work, waits for in-flight executions, and closes the
// database and event feed.
func (l *Ledger) Close() error {
	close(l.closed)
	l.wg.Wait()
	close(l.events)
	return l.db.Close()
}

// Events returns the ledger's confirmation signal feed.
func (l *Ledger) Events() <-chan ledger.Event {
	return l.events
}

// SubmitCreateParty accepts a createParty transaction.
func (l *Ledger) SubmitCreateParty(ctx context.Context, leader string, maxMembers int, duration time.Duration) (ledger.TxHandle, error) {
	if leader == "" {
		return "", &ledger.RejectedError{Code: RejectInvalidSender, Detail: "empty sender address"}
	}
	if maxMembers < models.MinPartySize || maxMembers > models.MaxPartySize {
		return "", &ledger.RejectedError{Code: RejectInvalidArgument, Detail: fmt.Sprintf("maxMembers %d", maxMembers)}
	}
	secs := int64(duration / time.Second)
	if secs < models.MinDuration || secs > models.MaxDuration {
		return "", &ledger.RejectedError{Code: RejectInvalidArgument, Detail: fmt.Sprintf("duration %ds", secs)}
	}

	return l.submit(ctx, "createParty", func(tx *sql.Tx, now time.Time) (*result, error) {
		res, err := tx.Exec(
			`INSERT INTO parties (leader, member_count, max_members, current_level, is_active, is_completed, start_time, end_time)
			 VALUES (?, 1, ?, 1, 1, 0, ?, ?)`,
			leader, maxMembers, now.Unix(), now.Add(duration).Unix(),
		)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		partyID := uint64(id)
		if _, err := tx.Exec(`INSERT INTO party_members (party_id, address) VALUES (?, ?)`, partyID, leader); err != nil {
			return nil, err
		}
		return &result{
			partyID: partyID,
			event:   ledger.Event{Type: ledger.EventPartyCreated, PartyID: partyID, Addr: leader},
		}, nil
	})
}

// SubmitJoinParty accepts a joinParty transaction.
func (l *Ledger) SubmitJoinParty(ctx context.Context, member string, partyID uint64) (ledger.TxHandle, error) {
	if member == "" {
		return "", &ledger.RejectedError{Code: RejectInvalidSender, Detail: "empty sender address"}
	}
	if partyID == 0 {
		return "", &ledger.RejectedError{Code: RejectInvalidArgument, Detail: "party id 0"}
	}

	return l.submit(ctx, "joinParty", func(tx *sql.Tx, now time.Time) (*result, error) {
		p, err := readParty(tx, partyID)
		if err == sql.ErrNoRows {
			return revert(partyID, RevertPartyNotFound), nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case p.IsCompleted:
			return revert(partyID, RevertPartyCompleted), nil
		case now.Unix() >= p.EndTime:
			return revert(partyID, RevertPartyExpired), nil
		case !p.IsActive:
			return revert(partyID, RevertPartyInactive), nil
		case p.IsFull():
			return revert(partyID, RevertPartyFull), nil
		}
		isMember, err := readIsMember(tx, partyID, member)
		if err != nil {
			return nil, err
		}
		if isMember {
			return revert(partyID, RevertAlreadyMember), nil
		}

		if _, err := tx.Exec(`INSERT INTO party_members (party_id, address) VALUES (?, ?)`, partyID, member); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE parties SET member_count = member_count + 1 WHERE id = ?`, partyID); err != nil {
			return nil, err
		}
		return &result{
			partyID: partyID,
			event:   ledger.Event{Type: ledger.EventPartyJoined, PartyID: partyID, Addr: member},
		}, nil
	})
}

// SubmitCompleteParty accepts a completeParty transaction. The sealed reward
// is verified against the ledger's own recomputation; the proof bytes are a
// placeholder carried for interface compatibility.
func (l *Ledger) SubmitCompleteParty(ctx context.Context, member string, partyID uint64, sealedReward, proof []byte) (ledger.TxHandle, error) {
	if member == "" {
		return "", &ledger.RejectedError{Code: RejectInvalidSender, Detail: "empty sender address"}
	}
	if partyID == 0 || len(sealedReward) == 0 {
		return "", &ledger.RejectedError{Code: RejectInvalidArgument, Detail: "party id or sealed reward missing"}
	}
	_ = proof // placeholder until a real proof system lands

	return l.submit(ctx, "completeParty", func(tx *sql.Tx, now time.Time) (*result, error) {
		p, err := readParty(tx, partyID)
		if err == sql.ErrNoRows {
			return revert(partyID, RevertPartyNotFound), nil
		}
		if err != nil {
			return nil, err
		}
		if p.IsCompleted {
			return revert(partyID, RevertPartyCompleted), nil
		}
		if !p.IsActive || now.Unix() >= p.EndTime {
			return revert(partyID, RevertPartyInactive), nil
		}
		isMember, err := readIsMember(tx, partyID, member)
		if err != nil {
			return nil, err
		}
		if !isMember {
			return revert(partyID, RevertNotMember), nil
		}

		// Independent verification: the ledger does not trust the caller's
		// arithmetic.
		expected, err := l.calc.Compute(p.CurrentLevel, p.MemberCount)
		if err != nil {
			return revert(partyID, RevertRewardMismatch), nil
		}
		got, err := l.sealer.Unseal(sealedReward)
		if err != nil || got != expected {
			return revert(partyID, RevertRewardMismatch), nil
		}

		if _, err := tx.Exec(
			`UPDATE parties SET sealed_reward = ?, is_completed = 1, is_active = 0 WHERE id = ?`,
			sealedReward, partyID,
		); err != nil {
			return nil, err
		}
		return &result{
			partyID: partyID,
			event:   ledger.Event{Type: ledger.EventPartyCompleted, PartyID: partyID, Addr: member},
		}, nil
	})
}

// SubmitUnlockChest accepts an unlockTreasureChest transaction.
func (l *Ledger) SubmitUnlockChest(ctx context.Context, member string, chestID, partyID uint64) (ledger.TxHandle, error) {
	if member == "" {
		return "", &ledger.RejectedError{Code: RejectInvalidSender, Detail: "empty sender address"}
	}
	if chestID == 0 || partyID == 0 {
		return "", &ledger.RejectedError{Code: RejectInvalidArgument, Detail: "chest or party id 0"}
	}

	return l.submit(ctx, "unlockChest", func(tx *sql.Tx, now time.Time) (*result, error) {
		p, err := readParty(tx, partyID)
		if err == sql.ErrNoRows {
			return revert(partyID, RevertPartyNotFound), nil
		}
		if err != nil {
			return nil, err
		}
		if !p.IsCompleted {
			return revert(partyID, RevertPartyInactive), nil
		}
		isMember, err := readIsMember(tx, partyID, member)
		if err != nil {
			return nil, err
		}
		if !isMember {
			return revert(partyID, RevertNotMember), nil
		}

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM chests WHERE id = ?`, chestID).Scan(&exists); err != nil {
			return nil, err
		}
		if exists > 0 {
			return revert(partyID, RevertChestUnlocked), nil
		}

		if _, err := tx.Exec(
			`INSERT INTO chests (id, party_id, unlocked_by, claimed) VALUES (?, ?, ?, 0)`,
			chestID, partyID, member,
		); err != nil {
			return nil, err
		}
		return &result{
			partyID: partyID,
			event:   ledger.Event{Type: ledger.EventChestUnlocked, PartyID: partyID, ChestID: chestID, Addr: member},
		}, nil
	})
}

// SubmitClaimReward accepts a claimReward transaction.
func (l *Ledger) SubmitClaimReward(ctx context.Context, claimer string, chestID, partyID uint64) (ledger.TxHandle, error) {
	if claimer == "" {
		return "", &ledger.RejectedError{Code: RejectInvalidSender, Detail: "empty sender address"}
	}
	if chestID == 0 || partyID == 0 {
		return "", &ledger.RejectedError{Code: RejectInvalidArgument, Detail: "chest or party id 0"}
	}

	return l.submit(ctx, "claimReward", func(tx *sql.Tx, now time.Time) (*result, error) {
		var (
			gotPartyID uint64
			unlockedBy string
			claimed    bool
		)
		err := tx.QueryRow(`SELECT party_id, unlocked_by, claimed FROM chests WHERE id = ?`, chestID).
			Scan(&gotPartyID, &unlockedBy, &claimed)
		if err == sql.ErrNoRows {
			return revert(partyID, RevertChestNotFound), nil
		}
		if err != nil {
			return nil, err
		}
		if gotPartyID != partyID {
			return revert(partyID, RevertChestNotFound), nil
		}
		if unlockedBy != claimer {
			return revert(partyID, RevertChestNotUnlocker), nil
		}
		if claimed {
			return revert(partyID, RevertChestClaimed), nil
		}

		if _, err := tx.Exec(`UPDATE chests SET claimed = 1 WHERE id = ?`, chestID); err != nil {
			return nil, err
		}
		return &result{
			partyID: partyID,
			event:   ledger.Event{Type: ledger.EventRewardClaimed, PartyID: partyID, ChestID: chestID, Addr: claimer},
		}, nil
	})
}

// AwaitConfirmation blocks until the transaction is confirmed or reverted, or
// until ctx is done. A ctx error leaves the outcome unknown.
func (l *Ledger) AwaitConfirmation(ctx context.Context, h ledger.TxHandle) (*ledger.Receipt, error) {
	if r, ok, err := l.receipt(h); err != nil {
		return nil, err
	} else if ok {
		return r, nil
	}

	ch := make(chan *ledger.Receipt, 1)
	l.mu.Lock()
	l.waiters[h] = append(l.waiters[h], ch)
	l.mu.Unlock()

	// The transaction may have gone terminal between the check and the
	// registration; re-check before blocking.
	if r, ok, err := l.receipt(h); err != nil {
		return nil, err
	} else if ok {
		return r, nil
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadPartyInfo returns the authoritative party record in positional form.
// A party past its deadline reads back inactive even before any transaction
// has touched it.
func (l *Ledger) ReadPartyInfo(ctx context.Context, partyID uint64) (ledger.RawPartyRecord, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	p, err := readParty(tx, partyID)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read party %d: %w", partyID, err)
	}
	if !p.IsCompleted && l.now().Unix() >= p.EndTime {
		p.IsActive = false
	}
	return ledger.EncodePartyRecord(p), nil
}

// ReadIsMember answers the membership relation.
func (l *Ledger) ReadIsMember(ctx context.Context, partyID uint64, addr string) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM party_members WHERE party_id = ? AND address = ?`,
		partyID, addr,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to read membership: %w", err)
	}
	return count > 0, nil
}

// ReadChestInfo returns the authoritative chest record.
func (l *Ledger) ReadChestInfo(ctx context.Context, chestID uint64) (models.Chest, error) {
	var c models.Chest
	err := l.db.QueryRowContext(ctx,
		`SELECT id, party_id, unlocked_by, claimed FROM chests WHERE id = ?`,
		chestID,
	).Scan(&c.ID, &c.PartyID, &c.UnlockedBy, &c.Claimed)
	if err == sql.ErrNoRows {
		return models.Chest{}, ledger.ErrNotFound
	}
	if err != nil {
		return models.Chest{}, fmt.Errorf("failed to read chest %d: %w", chestID, err)
	}
	return c, nil
}

// Seed inserts a party directly, bypassing the transaction path. Demo and
// test hook only.
func (l *Ledger) Seed(p models.Party, members []string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("seed party: %w", err)
	}
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("seed party: %w", err)
	}
	defer tx.Rollback()

	var sealed any
	if len(p.SealedReward) > 0 {
		sealed = p.SealedReward
	}
	if _, err := tx.Exec(
		`INSERT INTO parties (id, leader, member_count, max_members, current_level, sealed_reward, is_active, is_completed, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Leader, p.MemberCount, p.MaxMembers, p.CurrentLevel, sealed, p.IsActive, p.IsCompleted, p.StartTime, p.EndTime,
	); err != nil {
		return fmt.Errorf("seed party: %w", err)
	}
	for _, addr := range members {
		if _, err := tx.Exec(`INSERT INTO party_members (party_id, address) VALUES (?, ?)`, p.ID, addr); err != nil {
			return fmt.Errorf("seed member: %w", err)
		}
	}
	return tx.Commit()
}

// SetClock overrides the ledger's clock. Test hook for expiry behavior.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// result is the outcome of executing one transaction: either a confirmed
// mutation with its event, or a revert code.
type result struct {
	partyID    uint64
	revertCode string
	event      ledger.Event
}

func revert(partyID uint64, code string) *result {
	return &result{partyID: partyID, revertCode: code}
}

// submit records a pending transaction and schedules its execution after the
// confirmation delay.
func (l *Ledger) submit(ctx context.Context, kind string, exec func(tx *sql.Tx, now time.Time) (*result, error)) (ledger.TxHandle, error) {
	h := ledger.TxHandle(uuid.New().String())
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transactions (handle, kind, status, submitted_at) VALUES (?, ?, ?, ?)`,
		string(h), kind, string(ledger.TxPending), l.now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record transaction: %w", err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		select {
		case <-time.After(l.confirmDelay):
		case <-l.closed:
			return
		}
		l.execute(h, kind, exec)
	}()

	return h, nil
}

// execute applies one pending transaction, records its terminal status, and
// notifies waiters and the event feed.
func (l *Ledger) execute(h ledger.TxHandle, kind string, exec func(tx *sql.Tx, now time.Time) (*result, error)) {
	l.execMu.Lock()
	defer l.execMu.Unlock()

	now := l.now()
	r := &ledger.Receipt{Handle: h}

	tx, err := l.db.Begin()
	if err != nil {
		slog.Error("Ledger execution failed to begin", "kind", kind, "tx", h, "error", err)
		return
	}
	res, err := exec(tx, now)
	if err != nil {
		tx.Rollback()
		slog.Error("Ledger execution failed", "kind", kind, "tx", h, "error", err)
		return
	}
	if res.revertCode != "" {
		tx.Rollback()
		r.Status = ledger.TxReverted
		r.Code = res.revertCode
	} else {
		if err := tx.Commit(); err != nil {
			slog.Error("Ledger execution failed to commit", "kind", kind, "tx", h, "error", err)
			return
		}
		r.Status = ledger.TxConfirmed
		r.PartyID = res.partyID
	}

	if _, err := l.db.Exec(
		`UPDATE transactions SET status = ?, code = ?, party_id = ? WHERE handle = ?`,
		string(r.Status), r.Code, res.partyID, string(h),
	); err != nil {
		slog.Error("Failed to record transaction status", "tx", h, "error", err)
	}

	l.notify(h, r)
	if r.Status == ledger.TxConfirmed {
		ev := res.event
		ev.Tx = h
		l.emit(ev)
	}
}

func (l *Ledger) notify(h ledger.TxHandle, r *ledger.Receipt) {
	l.mu.Lock()
	waiters := l.waiters[h]
	delete(l.waiters, h)
	l.mu.Unlock()
	for _, ch := range waiters {
		ch <- r
	}
}

func (l *Ledger) emit(ev ledger.Event) {
	select {
	case l.events <- ev:
	default:
		slog.Warn("Ledger event feed full, dropping event", "type", ev.Type, "party_id", ev.PartyID)
	}
}

// receipt reads the transaction row and returns a receipt if it is terminal.
func (l *Ledger) receipt(h ledger.TxHandle) (*ledger.Receipt, bool, error) {
	var (
		status  string
		code    string
		partyID uint64
	)
	err := l.db.QueryRow(
		`SELECT status, code, party_id FROM transactions WHERE handle = ?`,
		string(h),
	).Scan(&status, &code, &partyID)
	if err == sql.ErrNoRows {
		return nil, false, fmt.Errorf("unknown transaction %s", h)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read transaction %s: %w", h, err)
	}
	if ledger.TxStatus(status) == ledger.TxPending {
		return nil, false, nil
	}
	return &ledger.Receipt{Handle: h, Status: ledger.TxStatus(status), Code: code, PartyID: partyID}, true, nil
}

// readParty loads a party row inside tx.
func readParty(tx *sql.Tx, partyID uint64) (models.Party, error) {
	var (
		p      models.Party
		sealed []byte
	)
	err := tx.QueryRow(
		`SELECT id, leader, member_count, max_members, current_level, sealed_reward, is_active, is_completed, start_time, end_time
		 FROM parties WHERE id = ?`,
		partyID,
	).Scan(&p.ID, &p.Leader, &p.MemberCount, &p.MaxMembers, &p.CurrentLevel, &sealed, &p.IsActive, &p.IsCompleted, &p.StartTime, &p.EndTime)
	if err != nil {
		return models.Party{}, err
	}
	p.SealedReward = sealed
	return p, nil
}

func readIsMember(tx *sql.Tx, partyID uint64, addr string) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(1) FROM party_members WHERE party_id = ? AND address = ?`, partyID, addr).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
