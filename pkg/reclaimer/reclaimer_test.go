package reclaimer

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/korarent/kora-rent/internal/logging"
	"github.com/korarent/kora-rent/pkg/chain"
	"github.com/korarent/kora-rent/pkg/ledger"
)

// fakeClient is a minimal in-memory chain.ChainClient for exercising the
// JIT-verification and execute stages without a live RPC endpoint.
type fakeClient struct {
	accounts map[string]*chain.AccountInfo
	sendErr  error
}

func (f *fakeClient) ListSignatures(ctx context.Context, addr chain.PublicKey, limit int, before, until *chain.Signature) ([]chain.SignatureInfo, error) {
	return nil, nil
}

func (f *fakeClient) GetParsedTransaction(ctx context.Context, sig chain.Signature) (*chain.ParsedTransaction, error) {
	return nil, nil
}

func (f *fakeClient) GetMultipleAccounts(ctx context.Context, addrs []chain.PublicKey) ([]*chain.AccountInfo, error) {
	out := make([]*chain.AccountInfo, len(addrs))
	for i, a := range addrs {
		out[i] = f.accounts[a.String()]
	}
	return out, nil
}

func (f *fakeClient) SendAndConfirm(ctx context.Context, tx *chain.Transaction, signer chain.Signer) (chain.Signature, error) {
	if f.sendErr != nil {
		return chain.Signature{}, f.sendErr
	}
	return chain.Signature{1, 2, 3}, nil
}

func (f *fakeClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

// fakeSigner is a deterministic Ed25519 signer for tests.
type fakeSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &fakeSigner{pub: pub, priv: priv}
}

func (s *fakeSigner) PublicKey() chain.PublicKey {
	var pk chain.PublicKey
	copy(pk[:], s.pub)
	return pk
}

func (s *fakeSigner) Sign(message []byte) (chain.Signature, error) {
	var sig chain.Signature
	copy(sig[:], ed25519.Sign(s.priv, message))
	return sig, nil
}

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

func seedReclaimable(t *testing.T, store *ledger.Store, pubkey string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertAccount(ctx, &ledger.SponsoredAccount{
		AccountPubkey:     pubkey,
		CreationSignature: "sig-" + pubkey,
		Slot:              1,
		OperatorPubkey:    "operator",
		DiscoveredAt:      time.Now().UTC(),
		LifecycleState:    ledger.StateDiscovered,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := store.Transition(ctx, pubkey, ledger.StateReclaimable, "test setup", map[string]any{}); err != nil {
		t.Fatalf("transition to reclaimable: %v", err)
	}
}

func TestJITSavesFromStaleLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReclaimable(t, store, solana.NewWallet().PublicKey().String())

	accounts, err := store.ListAccountsByState(ctx, ledger.StateReclaimable)
	if err != nil || len(accounts) != 1 {
		t.Fatalf("expected one reclaimable account: %v / %d", err, len(accounts))
	}
	pubkey := accounts[0].AccountPubkey

	client := &fakeClient{accounts: map[string]*chain.AccountInfo{}} // account absent on chain
	signer := newFakeSigner(t)
	logger, err := logging.NewLogger(logging.DefaultConfig())
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	p, err := New(client, store, logger, signer, false)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ClosedZero != 1 {
		t.Fatalf("expected one closed_zero outcome, got %+v", result)
	}

	acc, err := store.GetAccount(ctx, pubkey)
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateClosedZero {
		t.Fatalf("want CLOSED_ZERO, got %s", acc.LifecycleState)
	}
	if acc.ProcessingLock != "" {
		t.Fatalf("expected lock cleared, got %q", acc.ProcessingLock)
	}
}

func TestReclaimSuccessClearsLockAndZeroesLamports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pubkey := solana.NewWallet().PublicKey().String()
	seedReclaimable(t, store, pubkey)

	client := &fakeClient{accounts: map[string]*chain.AccountInfo{
		pubkey: {Lamports: 5_000_000, Owner: solana.PublicKeyFromBytes(mustDecodeSystemProgram()), DataLen: 0},
	}}
	signer := newFakeSigner(t)
	logger, err := logging.NewLogger(logging.DefaultConfig())
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	p, err := New(client, store, logger, signer, false)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reclaimed != 1 {
		t.Fatalf("expected one reclaimed account, got %+v", result)
	}

	acc, err := store.GetAccount(ctx, pubkey)
	if err != nil {
		t.Fatal(err)
	}
	if acc.LifecycleState != ledger.StateReclaimed {
		t.Fatalf("want RECLAIMED, got %s", acc.LifecycleState)
	}
	if acc.Lamports != 0 {
		t.Fatalf("want lamports zeroed, got %d", acc.Lamports)
	}
	if acc.ProcessingLock != "" {
		t.Fatalf("expected lock cleared, got %q", acc.ProcessingLock)
	}
}

func mustDecodeSystemProgram() []byte {
	pk := solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	return pk[:]
}
