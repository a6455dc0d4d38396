package ledger

import (
	"database/sql"
	"fmt"
)

// Schema contains every table kora-rent needs in a single network database.
// sponsored_accounts and lifecycle_events are the two tables the state
// hasher folds into its root; system_kv, audit_log and whitelist are
// operational bookkeeping the hasher never touches.
const Schema = `
CREATE TABLE IF NOT EXISTS sponsored_accounts (
    account_pubkey       TEXT PRIMARY KEY,
    creation_signature   TEXT NOT NULL,
    slot                 INTEGER NOT NULL,
    operator_pubkey      TEXT NOT NULL,
    discovered_at        TIMESTAMP NOT NULL,
    lifecycle_state      TEXT NOT NULL,
    lamports             INTEGER,
    data_len             INTEGER,
    owner_program        TEXT,
    last_lifecycle_check TIMESTAMP,
    processing_lock      TEXT,
    locked_at            TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sponsored_accounts_state ON sponsored_accounts(lifecycle_state);
CREATE INDEX IF NOT EXISTS idx_sponsored_accounts_lock ON sponsored_accounts(processing_lock);

CREATE TABLE IF NOT EXISTS lifecycle_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    account_pubkey   TEXT NOT NULL,
    old_state        TEXT,
    new_state        TEXT NOT NULL,
    trigger_reason   TEXT NOT NULL,
    evidence_payload TEXT NOT NULL,
    timestamp        TIMESTAMP NOT NULL,
    FOREIGN KEY(account_pubkey) REFERENCES sponsored_accounts(account_pubkey)
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_events_account ON lifecycle_events(account_pubkey);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_id ON lifecycle_events(id);

CREATE TABLE IF NOT EXISTS system_kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TIMESTAMP NOT NULL,
    level     TEXT NOT NULL,
    component TEXT NOT NULL,
    message   TEXT NOT NULL,
    fields    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS whitelist (
    account_pubkey TEXT PRIMARY KEY,
    added_at       TIMESTAMP NOT NULL,
    source         TEXT NOT NULL
);
`

// InitSchema creates every table kora-rent needs, then verifies each exists.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return verifySchema(db)
}

func verifySchema(db *sql.DB) error {
	required := []string{
		"sponsored_accounts", "lifecycle_events", "system_kv", "audit_log", "whitelist",
	}
	for _, table := range required {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s not found after schema init", table)
		}
	}
	return nil
}
