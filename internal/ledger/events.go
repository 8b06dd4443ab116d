package ledger

// EventType names the confirmation signals the ledger emits.
type EventType string

const (
	EventPartyCreated   EventType = "party-created"
	EventPartyJoined    EventType = "party-joined"
	EventPartyCompleted EventType = "party-completed"
	EventChestUnlocked  EventType = "chest-unlocked"
	EventRewardClaimed  EventType = "reward-claimed"
)

// Event is one confirmation signal. Fields are set as the event type
// requires: PartyID always, ChestID for chest events, Addr for the acting
// member.
type Event struct {
	Type    EventType
	PartyID uint64
	ChestID uint64
	Addr    string
	Tx      TxHandle
}
