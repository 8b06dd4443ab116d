package sqlledger

import "database/sql"

// migrations contains the SQL statements to set up the ledger schema.
// These run on startup to ensure tables exist.
// AUTOINCREMENT on parties keeps ids strictly increasing even after seeding
// with explicit ids.
const schema = `
CREATE TABLE IF NOT EXISTS parties (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    leader TEXT NOT NULL,
    member_count INTEGER NOT NULL,
    max_members INTEGER NOT NULL,
    current_level INTEGER NOT NULL,
    sealed_reward BLOB,
    is_active INTEGER NOT NULL,
    is_completed INTEGER NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS party_members (
    party_id INTEGER NOT NULL,
    address TEXT NOT NULL,
    PRIMARY KEY (party_id, address),
    FOREIGN KEY (party_id) REFERENCES parties(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS chests (
    id INTEGER PRIMARY KEY,
    party_id INTEGER NOT NULL,
    unlocked_by TEXT NOT NULL,
    claimed INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (party_id) REFERENCES parties(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS transactions (
    handle TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    code TEXT NOT NULL DEFAULT '',
    party_id INTEGER NOT NULL DEFAULT 0,
    submitted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_party_members_party_id ON party_members(party_id);
CREATE INDEX IF NOT EXISTS idx_chests_party_id ON chests(party_id);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
