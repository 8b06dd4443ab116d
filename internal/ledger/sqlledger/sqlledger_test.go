package sqlledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/guardedvault/quest/internal/ledger"
	"github.com/guardedvault/quest/internal/models"
	"github.com/guardedvault/quest/internal/reward"
	"github.com/guardedvault/quest/internal/sealing"
)

const testConfirmDelay = time.Millisecond

func newTestLedger(t *testing.T) (*Ledger, sealing.Sealer, *reward.Calculator) {
	t.Helper()

	sealer, err := sealing.NewAEADSealer([]byte("ledger-test-secret"))
	if err != nil {
		t.Fatalf("NewAEADSealer failed: %v", err)
	}
	calc, err := reward.NewCalculator(reward.DefaultBase, reward.DefaultPerMemberBonus)
	if err != nil {
		t.Fatalf("NewCalculator failed: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	l, err := New(dbPath, sealer, calc, testConfirmDelay)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, sealer, calc
}

func awaitConfirmed(t *testing.T, l *Ledger, h ledger.TxHandle) *ledger.Receipt {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := l.AwaitConfirmation(ctx, h)
	if err != nil {
		t.Fatalf("AwaitConfirmation failed: %v", err)
	}
	return r
}

func createParty(t *testing.T, l *Ledger, leader string, maxMembers int) uint64 {
	t.Helper()
	h, err := l.SubmitCreateParty(context.Background(), leader, maxMembers, time.Hour)
	if err != nil {
		t.Fatalf("SubmitCreateParty failed: %v", err)
	}
	r := awaitConfirmed(t, l, h)
	if r.Status != ledger.TxConfirmed {
		t.Fatalf("createParty reverted: %s", r.Code)
	}
	if r.PartyID == 0 {
		t.Fatal("confirmed createParty receipt missing party id")
	}
	return r.PartyID
}

func joinParty(t *testing.T, l *Ledger, member string, partyID uint64) *ledger.Receipt {
	t.Helper()
	h, err := l.SubmitJoinParty(context.Background(), member, partyID)
	if err != nil {
		t.Fatalf("SubmitJoinParty failed: %v", err)
	}
	return awaitConfirmed(t, l, h)
}

func mustReadParty(t *testing.T, l *Ledger, partyID uint64) models.Party {
	t.Helper()
	rec, err := l.ReadPartyInfo(context.Background(), partyID)
	if err != nil {
		t.Fatalf("ReadPartyInfo failed: %v", err)
	}
	p, err := ledger.DecodePartyRecord(partyID, rec)
	if err != nil {
		t.Fatalf("DecodePartyRecord failed: %v", err)
	}
	return p
}

func TestCreateParty_InitialState(t *testing.T) {
	l, _, _ := newTestLedger(t)

	id := createParty(t, l, "0xleader", 5)
	p := mustReadParty(t, l, id)

	if p.MemberCount != 1 || p.MaxMembers != 5 || p.CurrentLevel != 1 {
		t.Errorf("unexpected initial party: %+v", p)
	}
	if !p.IsActive || p.IsCompleted || p.SealedReward != nil {
		t.Errorf("new party should be active and uncompleted: %+v", p)
	}

	isMember, err := l.ReadIsMember(context.Background(), id, "0xleader")
	if err != nil || !isMember {
		t.Errorf("leader should be a member (err=%v)", err)
	}
}

func TestSubmitCreateParty_Rejections(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	var rej *ledger.RejectedError
	if _, err := l.SubmitCreateParty(ctx, "", 5, time.Hour); !errors.As(err, &rej) {
		t.Errorf("empty sender: expected RejectedError, got %v", err)
	}
	if _, err := l.SubmitCreateParty(ctx, "0xleader", 11, time.Hour); !errors.As(err, &rej) {
		t.Errorf("maxMembers 11: expected RejectedError, got %v", err)
	}
	if _, err := l.SubmitCreateParty(ctx, "0xleader", 5, time.Minute); !errors.As(err, &rej) {
		t.Errorf("duration 60s: expected RejectedError, got %v", err)
	}
}

func TestJoinParty_FillsThenReverts(t *testing.T) {
	l, _, _ := newTestLedger(t)

	id := createParty(t, l, "0xleader", 3)
	for _, addr := range []string{"0xa", "0xb"} {
		if r := joinParty(t, l, addr, id); r.Status != ledger.TxConfirmed {
			t.Fatalf("join by %s reverted: %s", addr, r.Code)
		}
	}

	if r := joinParty(t, l, "0xc", id); r.Status != ledger.TxReverted || r.Code != RevertPartyFull {
		t.Errorf("expected %s revert, got %+v", RevertPartyFull, r)
	}
	if p := mustReadParty(t, l, id); p.MemberCount != 3 {
		t.Errorf("reverted join changed memberCount: %d", p.MemberCount)
	}
}

func TestJoinParty_DuplicateMemberReverts(t *testing.T) {
	l, _, _ := newTestLedger(t)

	id := createParty(t, l, "0xleader", 5)
	if r := joinParty(t, l, "0xleader", id); r.Status != ledger.TxReverted || r.Code != RevertAlreadyMember {
		t.Errorf("expected %s revert, got %+v", RevertAlreadyMember, r)
	}
}

func TestJoinParty_UnknownPartyReverts(t *testing.T) {
	l, _, _ := newTestLedger(t)

	if r := joinParty(t, l, "0xa", 999); r.Status != ledger.TxReverted || r.Code != RevertPartyNotFound {
		t.Errorf("expected %s revert, got %+v", RevertPartyNotFound, r)
	}
}

func seedLevel3Party(t *testing.T, l *Ledger) (uint64, []string) {
	t.Helper()
	members := []string{"0xleader", "0xa", "0xb", "0xc", "0xd"}
	p := models.Party{
		ID:           41,
		Leader:       "0xleader",
		MemberCount:  5,
		MaxMembers:   5,
		CurrentLevel: 3,
		IsActive:     true,
		StartTime:    time.Now().Unix(),
		EndTime:      time.Now().Add(time.Hour).Unix(),
	}
	if err := l.Seed(p, members); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return p.ID, members
}

func TestCompleteParty_VerifiedAndSealed(t *testing.T) {
	l, sealer, calc := newTestLedger(t)
	id, members := seedLevel3Party(t, l)

	total, err := calc.Compute(3, 5)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if total != 3500 {
		t.Fatalf("expected reward 3500, got %d", total)
	}
	sealed, err := sealer.Seal(total)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	h, err := l.SubmitCompleteParty(context.Background(), members[1], id, sealed, nil)
	if err != nil {
		t.Fatalf("SubmitCompleteParty failed: %v", err)
	}
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxConfirmed {
		t.Fatalf("completeParty reverted: %s", r.Code)
	}

	p := mustReadParty(t, l, id)
	if !p.IsCompleted || p.IsActive {
		t.Errorf("party not terminal after completion: %+v", p)
	}
	if len(p.SealedReward) == 0 {
		t.Fatal("completed party has no sealed reward")
	}
	if got, err := sealer.Unseal(p.SealedReward); err != nil || got != 3500 {
		t.Errorf("stored sealed reward unseals to %d (err=%v), want 3500", got, err)
	}
}

func TestCompleteParty_RewardMismatchReverts(t *testing.T) {
	l, sealer, _ := newTestLedger(t)
	id, members := seedLevel3Party(t, l)

	sealed, err := sealer.Seal(9999) // wrong total
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	h, err := l.SubmitCompleteParty(context.Background(), members[0], id, sealed, nil)
	if err != nil {
		t.Fatalf("SubmitCompleteParty failed: %v", err)
	}
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertRewardMismatch {
		t.Errorf("expected %s revert, got %+v", RevertRewardMismatch, r)
	}
	if p := mustReadParty(t, l, id); p.IsCompleted {
		t.Error("reverted completion still completed the party")
	}
}

func TestCompleteParty_NonMemberReverts(t *testing.T) {
	l, sealer, calc := newTestLedger(t)
	id, _ := seedLevel3Party(t, l)

	total, _ := calc.Compute(3, 5)
	sealed, _ := sealer.Seal(total)
	h, err := l.SubmitCompleteParty(context.Background(), "0xstranger", id, sealed, nil)
	if err != nil {
		t.Fatalf("SubmitCompleteParty failed: %v", err)
	}
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertNotMember {
		t.Errorf("expected %s revert, got %+v", RevertNotMember, r)
	}
}

func TestCompleteParty_DoubleCompleteReverts(t *testing.T) {
	l, sealer, calc := newTestLedger(t)
	id, members := seedLevel3Party(t, l)

	total, _ := calc.Compute(3, 5)
	sealed, _ := sealer.Seal(total)

	h, _ := l.SubmitCompleteParty(context.Background(), members[0], id, sealed, nil)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxConfirmed {
		t.Fatalf("first completion reverted: %s", r.Code)
	}

	h, _ = l.SubmitCompleteParty(context.Background(), members[1], id, sealed, nil)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertPartyCompleted {
		t.Errorf("expected %s revert, got %+v", RevertPartyCompleted, r)
	}
}

func TestExpiry(t *testing.T) {
	l, _, _ := newTestLedger(t)

	id := createParty(t, l, "0xleader", 5)

	// Advance the clock past the deadline.
	l.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	if p := mustReadParty(t, l, id); p.IsActive {
		t.Error("expired party reads back active")
	}
	if r := joinParty(t, l, "0xa", id); r.Status != ledger.TxReverted || r.Code != RevertPartyExpired {
		t.Errorf("expected %s revert, got %+v", RevertPartyExpired, r)
	}
}

func TestChestLifecycle(t *testing.T) {
	l, sealer, calc := newTestLedger(t)
	id, members := seedLevel3Party(t, l)
	ctx := context.Background()

	// Chests open only after completion.
	h, _ := l.SubmitUnlockChest(ctx, members[0], 7, id)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertPartyInactive {
		t.Fatalf("unlock before completion: expected %s, got %+v", RevertPartyInactive, r)
	}

	total, _ := calc.Compute(3, 5)
	sealed, _ := sealer.Seal(total)
	h, _ = l.SubmitCompleteParty(ctx, members[0], id, sealed, nil)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxConfirmed {
		t.Fatalf("completion reverted: %s", r.Code)
	}

	h, _ = l.SubmitUnlockChest(ctx, members[1], 7, id)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxConfirmed {
		t.Fatalf("unlock reverted: %s", r.Code)
	}

	// Second unlock of the same chest fails.
	h, _ = l.SubmitUnlockChest(ctx, members[2], 7, id)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertChestUnlocked {
		t.Errorf("expected %s revert, got %+v", RevertChestUnlocked, r)
	}

	// Only the unlocker claims.
	h, _ = l.SubmitClaimReward(ctx, members[2], 7, id)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertChestNotUnlocker {
		t.Errorf("expected %s revert, got %+v", RevertChestNotUnlocker, r)
	}

	h, _ = l.SubmitClaimReward(ctx, members[1], 7, id)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxConfirmed {
		t.Fatalf("claim reverted: %s", r.Code)
	}

	chest, err := l.ReadChestInfo(ctx, 7)
	if err != nil {
		t.Fatalf("ReadChestInfo failed: %v", err)
	}
	if !chest.Claimed || chest.UnlockedBy != members[1] {
		t.Errorf("unexpected chest state: %+v", chest)
	}

	// Claiming twice fails.
	h, _ = l.SubmitClaimReward(ctx, members[1], 7, id)
	if r := awaitConfirmed(t, l, h); r.Status != ledger.TxReverted || r.Code != RevertChestClaimed {
		t.Errorf("expected %s revert, got %+v", RevertChestClaimed, r)
	}
}

func TestEvents_EmittedOnConfirmation(t *testing.T) {
	l, _, _ := newTestLedger(t)

	id := createParty(t, l, "0xleader", 5)
	if r := joinParty(t, l, "0xa", id); r.Status != ledger.TxConfirmed {
		t.Fatalf("join reverted: %s", r.Code)
	}

	want := []ledger.EventType{ledger.EventPartyCreated, ledger.EventPartyJoined}
	for _, w := range want {
		select {
		case ev := <-l.Events():
			if ev.Type != w || ev.PartyID != id {
				t.Errorf("unexpected event %+v, want type %s for party %d", ev, w, id)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", w)
		}
	}
}

func TestReadPartyInfo_NotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)

	if _, err := l.ReadPartyInfo(context.Background(), 999); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
