package reporting

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/korarent/kora-rent/pkg/ledger"
)

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.Open(ledger.DefaultConfig(filepath.Join(dir, "test.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSummarizeCountsByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, pk := range []string{"A", "B", "C"} {
		if err := store.UpsertAccount(ctx, &ledger.SponsoredAccount{
			AccountPubkey:     pk,
			CreationSignature: "sig-" + pk,
			Slot:              1,
			OperatorPubkey:    "operator",
			DiscoveredAt:      now,
			LifecycleState:    ledger.StateDiscovered,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Transition(ctx, "A", ledger.StateReclaimable, "test", map[string]any{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FetchAndLock(ctx, "worker-1", 10); err != nil {
		t.Fatal(err)
	}
	if err := store.ReportReclaimed(ctx, "worker-1", "A", "tx_A", 3_000_000); err != nil {
		t.Fatal(err)
	}

	r := New(store)
	summary, err := r.Summarize(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.TotalAccountsDiscovered != 3 {
		t.Fatalf("want 3 accounts, got %d", summary.TotalAccountsDiscovered)
	}
	if summary.CountsByState[string(ledger.StateReclaimed)] != 1 {
		t.Fatalf("want 1 reclaimed, got %+v", summary.CountsByState)
	}
	if summary.CountsByState[string(ledger.StateDiscovered)] != 2 {
		t.Fatalf("want 2 discovered, got %+v", summary.CountsByState)
	}
	if summary.TotalLamportsReclaimed != "3000000" {
		t.Fatalf("want 3000000, got %s", summary.TotalLamportsReclaimed)
	}
}

func TestRenderSummaryText(t *testing.T) {
	s := &Summary{
		CountsByState:           map[string]int{"ACTIVE": 2, "RECLAIMED": 1},
		TotalAccountsDiscovered: 3,
		TotalLamportsReclaimed:  "3000000",
	}
	out, err := RenderSummary(s, "text")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ACTIVE") || !strings.Contains(out, "3000000") {
		t.Fatalf("unexpected render: %s", out)
	}
}

func TestTimelineFilteredByAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.UpsertAccount(ctx, &ledger.SponsoredAccount{
		AccountPubkey:     "A",
		CreationSignature: "sig-A",
		Slot:              1,
		OperatorPubkey:    "operator",
		DiscoveredAt:      now,
		LifecycleState:    ledger.StateDiscovered,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Transition(ctx, "A", ledger.StateActive, "lifecycle_scan", map[string]any{}); err != nil {
		t.Fatal(err)
	}

	r := New(store)
	pk := "A"
	entries, err := r.Timeline(ctx, &pk)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].NewState != string(ledger.StateActive) {
		t.Fatalf("unexpected timeline: %+v", entries)
	}
}
