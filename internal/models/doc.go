// Package models defines the core domain models for the quest settlement engine.
//
// # Models
//
//   - Party: a group of adventurers jointly running one dungeon, the central aggregate
//   - Chest: a treasure chest unlockable by members of a completed party
//
// Party state is owned by the external ledger; everything held in this process
// is a cache of the ledger's authoritative records. Models therefore carry no
// behavior beyond validation of their own bounds; mutation happens through
// ledger transactions, never by editing a local struct.
//
// # Design Principles
//
//  1. **Ledger is the source of truth**: local Party values are snapshots
//  2. **Opaque rewards**: a Party exposes only the sealed reward bytes; the
//     plaintext total never appears on this side of the boundary
//  3. **Avoid circular references**: parties reference members by address
//     strings, membership itself is a ledger query
package models
