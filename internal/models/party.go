package models

import "fmt"

// Bounds fixed by the on-chain contract. Validation on this side mirrors them
// so obviously-bad requests never reach the ledger.
const (
	// MinPartySize and MaxPartySize bound maxMembers at party creation.
	MinPartySize = 2
	MaxPartySize = 10

	// MinDuration and MaxDuration bound a party's lifetime, in seconds.
	MinDuration = 300
	MaxDuration = 86400

	// MaxLevel is the highest dungeon level a party can report.
	MaxLevel = 255
)

// Party represents a group of adventurers running one dungeon together.
// It is a snapshot of the ledger's authoritative record.
type Party struct {
	// ID is the ledger-assigned party identifier, immutable once created.
	ID uint64

	// Leader is the address that created the party.
	Leader string

	// MemberCount is the number of members who have joined, including the
	// leader. Always 0 < MemberCount <= MaxMembers.
	MemberCount int

	// MaxMembers is the capacity fixed at creation (MinPartySize..MaxPartySize).
	MaxMembers int

	// CurrentLevel is the party's dungeon progress. Monotonically non-decreasing.
	CurrentLevel int

	// SealedReward is the opaque sealed reward total. Nil until the party is
	// completed; a party never exposes an unsealed reward.
	SealedReward []byte

	// IsActive is true from creation until expiry or completion.
	IsActive bool

	// IsCompleted is terminal: once true it never reverts.
	IsCompleted bool

	// StartTime and EndTime are Unix timestamps; EndTime is the expiry
	// deadline. StartTime < EndTime always holds.
	StartTime int64
	EndTime   int64
}

// Validate checks the party's fields against the contract bounds. It is used
// when decoding ledger records, so a corrupt record is rejected rather than
// coerced into range.
func (p *Party) Validate() error {
	if p.ID == 0 {
		return fmt.Errorf("party id must be non-zero")
	}
	if p.Leader == "" {
		return fmt.Errorf("party %d has no leader", p.ID)
	}
	if p.MaxMembers < MinPartySize || p.MaxMembers > MaxPartySize {
		return fmt.Errorf("party %d maxMembers %d outside %d..%d", p.ID, p.MaxMembers, MinPartySize, MaxPartySize)
	}
	if p.MemberCount < 1 || p.MemberCount > p.MaxMembers {
		return fmt.Errorf("party %d memberCount %d outside 1..%d", p.ID, p.MemberCount, p.MaxMembers)
	}
	if p.CurrentLevel < 1 || p.CurrentLevel > MaxLevel {
		return fmt.Errorf("party %d currentLevel %d outside 1..%d", p.ID, p.CurrentLevel, MaxLevel)
	}
	if p.StartTime >= p.EndTime {
		return fmt.Errorf("party %d startTime %d not before endTime %d", p.ID, p.StartTime, p.EndTime)
	}
	if p.IsCompleted && len(p.SealedReward) == 0 {
		return fmt.Errorf("party %d completed without a sealed reward", p.ID)
	}
	if !p.IsCompleted && len(p.SealedReward) != 0 {
		return fmt.Errorf("party %d has a sealed reward before completion", p.ID)
	}
	return nil
}

// IsFull reports whether the party has reached its member capacity.
func (p *Party) IsFull() bool {
	return p.MemberCount >= p.MaxMembers
}
