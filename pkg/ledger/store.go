// Package ledger is the transactional system of record for kora-rent: one
// SQLite file per network, holding sponsored account state and the
// append-only lifecycle event log the State Hasher folds into its root.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/korarent/kora-rent/pkg/canonical"
)

// Config configures the SQLite store, mirroring the pragma knobs the
// teacher's storage/sqlite.Config exposes.
type Config struct {
	Path            string
	MaxConnections  int
	BusyTimeout     time.Duration
	CacheSize       int
	JournalMode     string
	SynchronousMode string
	ForeignKeys     bool
}

// DefaultConfig returns a production-ready configuration: WAL journaling, a
// 5s busy timeout so concurrent worker processes back off rather than
// erroring on lock contention, and foreign keys enforced.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:            path,
		MaxConnections:  8,
		BusyTimeout:     5 * time.Second,
		CacheSize:       10000,
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		ForeignKeys:     true,
	}
}

// Store wraps a *sql.DB open against one network's ledger file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger database at config.Path, applies pragmas,
// and ensures the schema exists.
func Open(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("ledger: nil config")
	}
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	if err := configurePragmas(db, config); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: configure pragmas: %w", err)
	}
	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return &Store{db: db, path: config.Path}, nil
}

func configurePragmas(db *sql.DB, config *Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(config.BusyTimeout.Milliseconds())),
		fmt.Sprintf("PRAGMA cache_size = -%d", config.CacheSize),
		fmt.Sprintf("PRAGMA journal_mode = %s", config.JournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s", config.SynchronousMode),
	}
	if config.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the open ledger database.
func (s *Store) Path() string {
	return s.path
}

const accountColumns = `account_pubkey, creation_signature, slot, operator_pubkey, discovered_at,
	       lifecycle_state, lamports, data_len, owner_program,
	       last_lifecycle_check, processing_lock, locked_at`

// UpsertAccount inserts a newly discovered account. Re-discovery (same
// account_pubkey) is a no-op — the primary key conflict is ignored, since
// sponsored_accounts is append-only once a row exists.
func (s *Store) UpsertAccount(ctx context.Context, acc *SponsoredAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sponsored_accounts
			(account_pubkey, creation_signature, slot, operator_pubkey, discovered_at, lifecycle_state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_pubkey) DO NOTHING
	`, acc.AccountPubkey, acc.CreationSignature, acc.Slot, acc.OperatorPubkey, acc.DiscoveredAt, string(acc.LifecycleState))
	if err != nil {
		return fmt.Errorf("ledger: upsert account: %w", err)
	}
	return nil
}

// RecordLifecycleObservation writes the Lifecycle Engine's latest on-chain
// snapshot (lamports, data_len, owner_program) for an account without
// changing lifecycle_state — used before a Transition, or standalone to
// refresh cached values for an account whose state doesn't change.
func (s *Store) RecordLifecycleObservation(ctx context.Context, pubkey string, lamports uint64, dataLen int, ownerProgram string, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sponsored_accounts
		SET lamports = ?, data_len = ?, owner_program = ?, last_lifecycle_check = ?
		WHERE account_pubkey = ?`, lamports, dataLen, ownerProgram, checkedAt, pubkey)
	if err != nil {
		return fmt.Errorf("ledger: record lifecycle observation: %w", err)
	}
	return nil
}

// GetAccount fetches one account by pubkey.
func (s *Store) GetAccount(ctx context.Context, pubkey string) (*SponsoredAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM sponsored_accounts WHERE account_pubkey = ?`, pubkey)
	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get account: %w", err)
	}
	return acc, nil
}

// ListAccountsByState returns every account in the given lifecycle state,
// ordered by account_pubkey for deterministic iteration.
func (s *Store) ListAccountsByState(ctx context.Context, state LifecycleState) ([]*SponsoredAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM sponsored_accounts WHERE lifecycle_state = ? ORDER BY account_pubkey ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("ledger: list accounts by state: %w", err)
	}
	defer rows.Close()
	var out []*SponsoredAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// AllAccountsOrdered returns every account ordered by account_pubkey ASC —
// the iteration order the State Hasher requires.
func (s *Store) AllAccountsOrdered(ctx context.Context) ([]*SponsoredAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM sponsored_accounts ORDER BY account_pubkey ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: all accounts: %w", err)
	}
	defer rows.Close()
	var out []*SponsoredAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// AllEventsOrdered returns every lifecycle event ordered by id ASC — the
// insertion order, and the iteration order the State Hasher requires.
func (s *Store) AllEventsOrdered(ctx context.Context) ([]*LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_pubkey, old_state, new_state, trigger_reason, evidence_payload, timestamp
		FROM lifecycle_events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: all events: %w", err)
	}
	defer rows.Close()
	var out []*LifecycleEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsForAccount returns every lifecycle event for one account, in
// insertion order, for the Reporting component's timeline view.
func (s *Store) EventsForAccount(ctx context.Context, pubkey string) ([]*LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_pubkey, old_state, new_state, trigger_reason, evidence_payload, timestamp
		FROM lifecycle_events WHERE account_pubkey = ? ORDER BY id ASC`, pubkey)
	if err != nil {
		return nil, fmt.Errorf("ledger: events for account: %w", err)
	}
	defer rows.Close()
	var out []*LifecycleEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Transition atomically moves an account to newState and appends the
// corresponding LifecycleEvent, inside a single ledger transaction — the
// Policy/Lifecycle write path. The Reclaimer uses ReleaseToState and
// ReportReclaimed instead, which additionally clear the processing lock.
func (s *Store) Transition(ctx context.Context, pubkey string, newState LifecycleState, reason string, evidence map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin transition tx: %w", err)
	}
	defer tx.Rollback()

	var oldState string
	err = tx.QueryRowContext(ctx, `SELECT lifecycle_state FROM sponsored_accounts WHERE account_pubkey = ?`, pubkey).Scan(&oldState)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("ledger: read current state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sponsored_accounts SET lifecycle_state = ? WHERE account_pubkey = ?`, string(newState), pubkey); err != nil {
		return fmt.Errorf("ledger: update state: %w", err)
	}

	if err := appendEvent(ctx, tx, pubkey, oldState, string(newState), reason, evidence); err != nil {
		return err
	}

	return tx.Commit()
}

func appendEvent(ctx context.Context, tx *sql.Tx, pubkey, oldState, newState, reason string, evidence map[string]any) error {
	payload := canonical.EncodeString(evidence)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lifecycle_events (account_pubkey, old_state, new_state, trigger_reason, evidence_payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pubkey, oldState, newState, reason, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ledger: append event: %w", err)
	}
	return nil
}

// FetchAndLock selects up to limit RECLAIMABLE accounts not already locked
// by another worker, claims them with workerID inside a single
// transaction, and returns the claimed rows. This is the Reclaimer
// Pipeline's entry point and the only place processing_lock is set.
func (s *Store) FetchAndLock(ctx context.Context, workerID string, limit int) ([]*SponsoredAccount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin fetch-lock tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT account_pubkey FROM sponsored_accounts
		WHERE lifecycle_state = ? AND (processing_lock IS NULL OR processing_lock = '')
		ORDER BY account_pubkey ASC LIMIT ?`, string(StateReclaimable), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: select lockable accounts: %w", err)
	}
	var pubkeys []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ledger: scan lockable pubkey: %w", err)
		}
		pubkeys = append(pubkeys, pk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	claimed := make([]*SponsoredAccount, 0, len(pubkeys))
	for _, pk := range pubkeys {
		res, err := tx.ExecContext(ctx, `
			UPDATE sponsored_accounts SET processing_lock = ?, locked_at = ?
			WHERE account_pubkey = ? AND (processing_lock IS NULL OR processing_lock = '')`,
			workerID, now, pk)
		if err != nil {
			return nil, fmt.Errorf("ledger: claim account %s: %w", pk, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("ledger: claim account %s: %w", pk, err)
		}
		if affected == 0 {
			// Lost the race to another worker between the select above and
			// this claim — skip it rather than fail the whole batch.
			continue
		}
		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM sponsored_accounts WHERE account_pubkey = ?`, pk)
		acc, err := scanAccount(row)
		if err != nil {
			return nil, fmt.Errorf("ledger: reread claimed account %s: %w", pk, err)
		}
		claimed = append(claimed, acc)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit fetch-lock tx: %w", err)
	}
	return claimed, nil
}

// ReleaseToState atomically transitions a locked account to newState and
// clears its lock, provided workerID still holds it — the JIT
// verification's "invalid account" path (CLOSED_ZERO/SKIPPED) and the
// Report phase's per-account failure path.
func (s *Store) ReleaseToState(ctx context.Context, workerID, pubkey string, newState LifecycleState, reason string, evidence map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin release tx: %w", err)
	}
	defer tx.Rollback()

	var lock sql.NullString
	var oldState string
	err = tx.QueryRowContext(ctx, `SELECT processing_lock, lifecycle_state FROM sponsored_accounts WHERE account_pubkey = ?`, pubkey).Scan(&lock, &oldState)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("ledger: read lock state: %w", err)
	}
	if !lock.Valid || lock.String != workerID {
		return ErrNotLocked
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sponsored_accounts SET lifecycle_state = ?, processing_lock = NULL, locked_at = NULL
		WHERE account_pubkey = ?`, string(newState), pubkey); err != nil {
		return fmt.Errorf("ledger: release to state: %w", err)
	}

	if err := appendEvent(ctx, tx, pubkey, oldState, string(newState), reason, evidence); err != nil {
		return err
	}

	return tx.Commit()
}

// ReportReclaimed atomically verifies workerID still holds the lock,
// transitions the account to RECLAIMED with per-account evidence, sets
// lamports to zero, and clears the lock — all inside one transaction, so a
// crash between sending and recording can never double-spend (the
// at-most-once guarantee the Reclaimer Pipeline's report phase depends on).
func (s *Store) ReportReclaimed(ctx context.Context, workerID, pubkey, signature string, amount uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin report tx: %w", err)
	}
	defer tx.Rollback()

	var lock sql.NullString
	var oldState string
	err = tx.QueryRowContext(ctx, `SELECT processing_lock, lifecycle_state FROM sponsored_accounts WHERE account_pubkey = ?`, pubkey).Scan(&lock, &oldState)
	if err == sql.ErrNoRows {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("ledger: read lock state: %w", err)
	}
	if !lock.Valid || lock.String != workerID {
		return ErrNotLocked
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sponsored_accounts
		SET lifecycle_state = ?, lamports = 0, processing_lock = NULL, locked_at = NULL
		WHERE account_pubkey = ?`, string(StateReclaimed), pubkey); err != nil {
		return fmt.Errorf("ledger: update reclaimed: %w", err)
	}

	evidence := map[string]any{"signature": signature, "amount": fmt.Sprintf("%d", amount)}
	if err := appendEvent(ctx, tx, pubkey, oldState, string(StateReclaimed), "reclaim_confirmed", evidence); err != nil {
		return err
	}

	return tx.Commit()
}

// SetKV writes one system_kv entry.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("ledger: set kv %s: %w", key, err)
	}
	return nil
}

// GetKV reads one system_kv entry; ok is false if the key is unset.
func (s *Store) GetKV(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM system_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: get kv %s: %w", key, err)
	}
	return value, true, nil
}

// AppendAudit writes one audit_log row. Purely informational — never read by
// the State Hasher.
func (s *Store) AppendAudit(ctx context.Context, level, component, message string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, level, component, message, fields) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), level, component, message, string(payload))
	if err != nil {
		return fmt.Errorf("ledger: append audit: %w", err)
	}
	return nil
}

// AddWhitelistEntry records one whitelisted account pubkey.
func (s *Store) AddWhitelistEntry(ctx context.Context, pubkey, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (account_pubkey, added_at, source) VALUES (?, ?, ?)
		ON CONFLICT(account_pubkey) DO NOTHING`, pubkey, time.Now().UTC(), source)
	if err != nil {
		return fmt.Errorf("ledger: add whitelist entry: %w", err)
	}
	return nil
}

// IsWhitelisted reports whether pubkey is in the whitelist table.
func (s *Store) IsWhitelisted(ctx context.Context, pubkey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM whitelist WHERE account_pubkey = ?`, pubkey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ledger: check whitelist: %w", err)
	}
	return count > 0, nil
}

// AllWhitelistedOrdered returns every whitelisted pubkey ordered ascending,
// for deterministic whitelist-hash computation.
func (s *Store) AllWhitelistedOrdered(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_pubkey FROM whitelist ORDER BY account_pubkey ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list whitelist: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// Stats reports row counts per table and the on-disk database size, in the
// style of the teacher's storage/sqlite Store.GetStats.
type Stats struct {
	Accounts  int64
	Events    int64
	Whitelist int64
	SizeBytes int64
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sponsored_accounts`).Scan(&st.Accounts); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lifecycle_events`).Scan(&st.Events); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM whitelist`).Scan(&st.Whitelist); err != nil {
		return nil, err
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.SizeBytes = pageCount * pageSize
		}
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*SponsoredAccount, error) {
	var acc SponsoredAccount
	var state string
	var lamports, dataLen sql.NullInt64
	var ownerProgram, lock sql.NullString
	var lastCheck, lockedAt sql.NullTime

	err := row.Scan(
		&acc.AccountPubkey, &acc.CreationSignature, &acc.Slot, &acc.OperatorPubkey, &acc.DiscoveredAt,
		&state, &lamports, &dataLen, &ownerProgram, &lastCheck, &lock, &lockedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.LifecycleState = LifecycleState(state)
	if lamports.Valid {
		acc.Lamports = uint64(lamports.Int64)
		acc.HasLifecycleData = true
	}
	if dataLen.Valid {
		acc.DataLen = int(dataLen.Int64)
	}
	acc.OwnerProgram = ownerProgram.String
	acc.ProcessingLock = lock.String
	if lastCheck.Valid {
		t := lastCheck.Time
		acc.LastLifecycleCheck = &t
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		acc.LockedAt = &t
	}
	return &acc, nil
}

func scanEvent(row rowScanner) (*LifecycleEvent, error) {
	var ev LifecycleEvent
	var oldState sql.NullString
	var newState string
	err := row.Scan(&ev.ID, &ev.AccountPubkey, &oldState, &newState, &ev.TriggerReason, &ev.EvidencePayload, &ev.Timestamp)
	if err != nil {
		return nil, err
	}
	ev.OldState = LifecycleState(oldState.String)
	ev.NewState = LifecycleState(newState)
	return &ev, nil
}
