// Package reporting is a read-only aggregator over the ledger, used for
// human and machine audit. It never writes to the ledger, grounded on the
// teacher's pkg/batch status-aggregation style: one pass over ordered rows,
// producing a summarized view.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/korarent/kora-rent/pkg/ledger"
)

// TimelineEntry is one lifecycle_events row, rendered for human/machine
// consumption.
type TimelineEntry struct {
	ID            int64  `json:"id"`
	AccountPubkey string `json:"account_pubkey"`
	OldState      string `json:"old_state"`
	NewState      string `json:"new_state"`
	TriggerReason string `json:"trigger_reason"`
	Timestamp     string `json:"timestamp"`
}

// Summary is the aggregate view over sponsored_accounts.
type Summary struct {
	CountsByState            map[string]int `json:"counts_by_state"`
	TotalAccountsDiscovered  int            `json:"total_accounts_discovered"`
	TotalLamportsReclaimed   string         `json:"total_lamports_reclaimed"`
}

// Reporter reads the ledger; it holds no mutable state of its own.
type Reporter struct {
	store *ledger.Store
}

// New builds a Reporter.
func New(store *ledger.Store) *Reporter {
	return &Reporter{store: store}
}

// Timeline returns every lifecycle event, optionally filtered to one
// account, in id ASC order.
func (r *Reporter) Timeline(ctx context.Context, accountFilter *string) ([]TimelineEntry, error) {
	var events []*ledger.LifecycleEvent
	var err error
	if accountFilter != nil {
		events, err = r.store.EventsForAccount(ctx, *accountFilter)
	} else {
		events, err = r.store.AllEventsOrdered(ctx)
	}
	if err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, len(events))
	for i, ev := range events {
		entries[i] = TimelineEntry{
			ID:            ev.ID,
			AccountPubkey: ev.AccountPubkey,
			OldState:      string(ev.OldState),
			NewState:      string(ev.NewState),
			TriggerReason: ev.TriggerReason,
			Timestamp:     ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	return entries, nil
}

// Summarize produces counts-per-state, a running reclaimed total, and the
// discovered-account count in one pass over sponsored_accounts.
func (r *Reporter) Summarize(ctx context.Context) (*Summary, error) {
	accounts, err := r.store.AllAccountsOrdered(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	total := new(big.Int)

	for _, acc := range accounts {
		counts[string(acc.LifecycleState)]++
		if acc.LifecycleState != ledger.StateReclaimed {
			continue
		}
		events, err := r.store.EventsForAccount(ctx, acc.AccountPubkey)
		if err != nil {
			return nil, err
		}
		amount, ok := mostRecentReclaimedAmount(events)
		if ok {
			total.Add(total, amount)
		}
	}

	return &Summary{
		CountsByState:           counts,
		TotalAccountsDiscovered: len(accounts),
		TotalLamportsReclaimed:  total.String(),
	}, nil
}

func mostRecentReclaimedAmount(events []*ledger.LifecycleEvent) (*big.Int, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.NewState != ledger.StateReclaimed {
			continue
		}
		var evidence struct {
			Amount string `json:"amount"`
		}
		if err := json.Unmarshal([]byte(ev.EvidencePayload), &evidence); err != nil {
			return nil, false
		}
		n, ok := new(big.Int).SetString(evidence.Amount, 10)
		if !ok {
			return nil, false
		}
		return n, true
	}
	return nil, false
}

// RenderTimeline renders entries as "text" (aligned columns) or "json"
// (plain encoding/json — this is a human/machine report, not a hashed
// artifact, so it does not go through the Canonicalizer).
func RenderTimeline(entries []TimelineEntry, format string) (string, error) {
	if format == "json" {
		b, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-6s %-44s %-12s %-12s %-24s %s\n", "ID", "ACCOUNT", "OLD", "NEW", "REASON", "TIMESTAMP")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%-6d %-44s %-12s %-12s %-24s %s\n", e.ID, e.AccountPubkey, e.OldState, e.NewState, e.TriggerReason, e.Timestamp)
	}
	return sb.String(), nil
}

// RenderSummary renders a Summary as "text" or "json".
func RenderSummary(s *Summary, format string) (string, error) {
	if format == "json" {
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "total accounts discovered: %d\n", s.TotalAccountsDiscovered)
	fmt.Fprintf(&sb, "total lamports reclaimed:  %s\n\n", s.TotalLamportsReclaimed)

	states := make([]string, 0, len(s.CountsByState))
	for state := range s.CountsByState {
		states = append(states, state)
	}
	sort.Strings(states)
	fmt.Fprintf(&sb, "%-14s %s\n", "STATE", "COUNT")
	for _, state := range states {
		fmt.Fprintf(&sb, "%-14s %d\n", state, s.CountsByState[state])
	}
	return sb.String(), nil
}

// WriteAtomic writes content to path as a whole-file atomic write: a temp
// file in the same directory, then a rename, so a reader never observes a
// partially written report.
func WriteAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return fmt.Errorf("reporting: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("reporting: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("reporting: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("reporting: rename temp file: %w", err)
	}
	return nil
}
