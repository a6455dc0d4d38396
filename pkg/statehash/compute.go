package statehash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/korarent/kora-rent/pkg/ledger"
)

// Compute reads every account and event row from store, in the ordering
// the state hash requires, and returns the composite root.
func Compute(ctx context.Context, store *ledger.Store) ([32]byte, error) {
	accounts, err := store.AllAccountsOrdered(ctx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("statehash: load accounts: %w", err)
	}
	events, err := store.AllEventsOrdered(ctx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("statehash: load events: %w", err)
	}

	accountRows := make([]map[string]any, len(accounts))
	for i, a := range accounts {
		accountRows[i] = AccountRowValue(a)
	}

	eventRows := make([]map[string]any, len(events))
	for i, e := range events {
		var evidence map[string]any
		if e.EvidencePayload != "" {
			dec := json.NewDecoder(bytes.NewReader([]byte(e.EvidencePayload)))
			dec.UseNumber()
			if err := dec.Decode(&evidence); err != nil {
				return [32]byte{}, fmt.Errorf("statehash: decode evidence for event %d: %w", e.ID, err)
			}
		}
		eventRows[i] = EventRowValue(e, evidence)
	}

	return Root(accountRows, eventRows), nil
}

// ComputeHex is Compute, hex-encoded.
func ComputeHex(ctx context.Context, store *ledger.Store) (string, error) {
	root, err := Compute(ctx, store)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", root), nil
}
