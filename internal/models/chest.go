package models

// Chest represents a treasure chest tied to a completed party.
// Chests are unlocked by party members and claimed once.
type Chest struct {
	// ID is the caller-chosen chest identifier, unique on the ledger.
	ID uint64

	// PartyID is the party whose completion unlocked this chest.
	PartyID uint64

	// UnlockedBy is the address of the member who unlocked the chest.
	UnlockedBy string

	// Claimed is terminal: a chest's reward can be claimed exactly once.
	Claimed bool
}
