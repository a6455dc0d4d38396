package policy

import (
	"context"
	"path/filepath"
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

func seedAccount(t *testing.T, store *ledger.Store, pubkey string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertAccount(ctx, &ledger.SponsoredAccount{
		AccountPubkey:     pubkey,
		CreationSignature: "sig-" + pubkey,
		Slot:              1,
		OperatorPubkey:    "operator",
		DiscoveredAt:      time.Now().UTC(),
		LifecycleState:    ledger.StateActive,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestEvaluateWhitelistProtected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "A")
	if err := store.RecordLifecycleObservation(ctx, "A", 10_000, 0, SystemProgramID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := store.AddWhitelistEntry(ctx, "A", "cli"); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateProtected {
		t.Fatalf("want PROTECTED, got %s", acc.LifecycleState)
	}
}

func TestEvaluateMissingLifecycleDataSkipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "B")

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateSkipped {
		t.Fatalf("want SKIPPED, got %s", acc.LifecycleState)
	}
}

func TestEvaluateOwnerMismatchSkipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "C")
	if err := store.RecordLifecycleObservation(ctx, "C", 10_000, 0, "SomeOtherProgram", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "C")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateSkipped {
		t.Fatalf("want SKIPPED, got %s", acc.LifecycleState)
	}
}

func TestEvaluateHasDataSkipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "D")
	if err := store.RecordLifecycleObservation(ctx, "D", 10_000, 128, SystemProgramID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "D")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateSkipped {
		t.Fatalf("want SKIPPED, got %s", acc.LifecycleState)
	}
}

func TestEvaluateBelowDustFloor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "E")
	if err := store.RecordLifecycleObservation(ctx, "E", 100, 0, SystemProgramID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "E")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateDust {
		t.Fatalf("want DUST, got %s", acc.LifecycleState)
	}
}

func TestEvaluateTooYoungNoTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "F")
	if err := store.RecordLifecycleObservation(ctx, "F", 10_000, 0, SystemProgramID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000, MinAgeDays: 30}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "F")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateActive {
		t.Fatalf("want no transition (still ACTIVE), got %s", acc.LifecycleState)
	}
}

func TestEvaluateReclaimable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "G")
	if err := store.RecordLifecycleObservation(ctx, "G", 10_000, 0, SystemProgramID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	if _, err := e.Evaluate(ctx, Config{MinLamports: 1000}); err != nil {
		t.Fatal(err)
	}
	acc, err := store.GetAccount(ctx, "G")
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateReclaimable {
		t.Fatalf("want RECLAIMABLE, got %s", acc.LifecycleState)
	}

	events, err := store.EventsForAccount(ctx, "G")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].TriggerReason != "Passes all rules" {
		t.Fatalf("expected one Passes-all-rules event, got %+v", events)
	}
}

func TestEvaluateSkipsTerminalStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, store, "H")
	if err := store.Transition(ctx, "H", ledger.StateFailed, "simulation failed", map[string]any{}); err != nil {
		t.Fatal(err)
	}

	e := New(store)
	n, err := e.Evaluate(ctx, Config{MinLamports: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no transitions over a terminal-state account, got %d", n)
	}
}
