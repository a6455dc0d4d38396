// Package statehash computes the deterministic root hash over the ledger's
// two ordered tables. The per-row and per-table hashing follows the same
// SHA256(left||right) combining idiom as the retired merkle tree package —
// generalized from a binary tree over fixed leaves to an ordered fold over
// two SQL tables.
package statehash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/korarent/kora-rent/pkg/canonical"
	"github.com/korarent/kora-rent/pkg/ledger"
)

// hashData is the same primitive as the retired merkle package's HashData:
// SHA256 over an arbitrary byte string.
func hashData(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// combine is the same primitive as the retired merkle package's hashPair:
// SHA256(a || b), used here to fold a table digest into the composite root
// rather than to combine sibling tree nodes.
func combine(a, b [32]byte) [32]byte {
	buf := make([]byte, 64)
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return sha256.Sum256(buf)
}

// AccountRowValue renders one SponsoredAccount as the canonical value the
// row hash is computed over.
func AccountRowValue(acc *ledger.SponsoredAccount) map[string]any {
	return map[string]any{
		"account_pubkey":     acc.AccountPubkey,
		"creation_signature": acc.CreationSignature,
		"slot":               acc.Slot,
		"operator_pubkey":    acc.OperatorPubkey,
		"lifecycle_state":    string(acc.LifecycleState),
		"lamports":           acc.Lamports,
		"data_len":           acc.DataLen,
		"owner_program":      acc.OwnerProgram,
	}
}

// EventRowValue renders one LifecycleEvent as the canonical value the row
// hash is computed over. evidence must already be the decoded JSON object
// (not the raw string) so its keys re-sort identically regardless of how
// the event was originally written.
func EventRowValue(ev *ledger.LifecycleEvent, evidence map[string]any) map[string]any {
	return map[string]any{
		"id":               ev.ID,
		"account_pubkey":   ev.AccountPubkey,
		"old_state":        string(ev.OldState),
		"new_state":        string(ev.NewState),
		"trigger_reason":   ev.TriggerReason,
		"evidence_payload": evidence,
	}
}

// tableDigest implements spec.md §4.2 step 1: an empty table digests to
// SHA256(utf8("<tableName>:empty")); otherwise every row hash, in order, is
// fed into one running SHA-256 over the table.
func tableDigest(tableName string, rowHashes [][32]byte) [32]byte {
	if len(rowHashes) == 0 {
		return hashData([]byte(tableName + ":empty"))
	}
	h := sha256.New()
	for _, rh := range rowHashes {
		h.Write(rh[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

const (
	sponsoredAccountsTable = "sponsored_accounts"
	lifecycleEventsTable   = "lifecycle_events"
)

// RowHash hashes one canonicalized row value.
func RowHash(value map[string]any) [32]byte {
	return hashData(canonical.Encode(value))
}

// Root computes the composite state hash over accountRows (already in
// account_pubkey ASC order) and eventRows (already in id ASC order):
// SHA256(tableDigest(accounts) || tableDigest(events)).
func Root(accountRows, eventRows []map[string]any) [32]byte {
	accHashes := make([][32]byte, len(accountRows))
	for i, v := range accountRows {
		accHashes[i] = RowHash(v)
	}
	evHashes := make([][32]byte, len(eventRows))
	for i, v := range eventRows {
		evHashes[i] = RowHash(v)
	}
	return combine(
		tableDigest(sponsoredAccountsTable, accHashes),
		tableDigest(lifecycleEventsTable, evHashes),
	)
}

// RootHex is Root, hex-encoded.
func RootHex(accountRows, eventRows []map[string]any) string {
	root := Root(accountRows, eventRows)
	return hex.EncodeToString(root[:])
}
