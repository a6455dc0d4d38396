package indexer

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/korarent/kora-rent/internal/logging"
	"github.com/korarent/kora-rent/pkg/chain"
	"github.com/korarent/kora-rent/pkg/ledger"
)

// fakeChain is a scripted chain.ChainClient: ListSignatures returns
// sigs[] pages, and GetParsedTransaction returns one create_account
// instruction per signature whose funder is `sponsor`.
type fakeChain struct {
	sponsor chain.PublicKey
	created map[string]chain.PublicKey // signature -> created account
	allSigs []chain.SignatureInfo      // newest-first, full history

	// feePayer overrides, per signature, who GetParsedTransaction reports
	// as the transaction's fee payer. Signatures absent from this map
	// default to f.sponsor, matching the sponsor-sponsored happy path.
	feePayer map[string]chain.PublicKey

	// instructionData overrides, per signature, the raw instruction data
	// GetParsedTransaction reports. Signatures absent from this map default
	// to a CreateAccount payload.
	instructionData map[string][]byte

	// failTxFetch lists signatures whose GetParsedTransaction call should
	// return an error rather than a parsed transaction.
	failTxFetch map[string]bool
}

func (f *fakeChain) ListSignatures(ctx context.Context, addr chain.PublicKey, limit int, before, until *chain.Signature) ([]chain.SignatureInfo, error) {
	var out []chain.SignatureInfo
	started := before == nil
	for _, s := range f.allSigs {
		if !started {
			if s.Signature == *before {
				started = true
			}
			continue
		}
		if until != nil && s.Signature == *until {
			break
		}
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeChain) GetParsedTransaction(ctx context.Context, sig chain.Signature) (*chain.ParsedTransaction, error) {
	if f.failTxFetch[sig.String()] {
		return nil, errors.New("simulated rpc failure")
	}
	created, ok := f.created[sig.String()]
	if !ok {
		return &chain.ParsedTransaction{Signature: sig}, nil
	}
	feePayer := f.sponsor
	if fp, ok := f.feePayer[sig.String()]; ok {
		feePayer = fp
	}
	data := createAccountData()
	if d, ok := f.instructionData[sig.String()]; ok {
		data = d
	}
	return &chain.ParsedTransaction{
		Signature: sig,
		Slot:      1,
		FeePayer:  feePayer,
		Instructions: []chain.ParsedInstruction{
			{
				ProgramID: solana.MustPublicKeyFromBase58(SystemProgramID),
				Accounts:  []chain.PublicKey{f.sponsor, created},
				Data:      data,
			},
		},
	}, nil
}

// createAccountData builds a minimal System Program CreateAccount
// instruction payload: just enough of the real wire format (a
// little-endian u32 discriminant of 0, followed by lamports/space/owner
// arguments this test never inspects) for isCreateAccount to recognize it.
func createAccountData() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0)
	return buf
}

// transferData builds a System Program Transfer instruction payload
// (discriminant 2) — used to prove the Indexer does not mistake a plain
// lamport transfer for an account creation just because it touches the
// sponsor and another account.
func transferData() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 2)
	return buf
}

func (f *fakeChain) GetMultipleAccounts(ctx context.Context, addrs []chain.PublicKey) ([]*chain.AccountInfo, error) {
	return make([]*chain.AccountInfo, len(addrs)), nil
}

func (f *fakeChain) SendAndConfirm(ctx context.Context, tx *chain.Transaction, signer chain.Signer) (chain.Signature, error) {
	return chain.Signature{}, nil
}

func (f *fakeChain) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
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

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger(logging.DefaultConfig())
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestScanResumeIsIdempotentAndCursorMovesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := newTestLogger(t)

	sponsor := solana.NewWallet().PublicKey()
	accA := solana.NewWallet().PublicKey()
	accB := solana.NewWallet().PublicKey()

	sig1 := chain.Signature{1}
	sig2 := chain.Signature{2}

	client := &fakeChain{
		sponsor: sponsor,
		created: map[string]chain.PublicKey{
			sig1.String(): accA,
			sig2.String(): accB,
		},
		allSigs: []chain.SignatureInfo{
			{Signature: sig1},
			{Signature: sig2},
		},
	}

	idx := New(client, store, logger)

	n1, err := idx.Scan(ctx, sponsor)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if n1 != 2 {
		t.Fatalf("expected 2 discovered accounts on first scan, got %d", n1)
	}

	checkpointKey := "indexer:" + sponsor.String() + ":last_signature"
	cursorAfterFirst, ok, err := store.GetKV(ctx, checkpointKey)
	if err != nil || !ok {
		t.Fatalf("expected cursor to be set after first run: ok=%v err=%v", ok, err)
	}
	if cursorAfterFirst != sig1.String() {
		t.Fatalf("expected cursor to be newest signature of first page (%s), got %s", sig1.String(), cursorAfterFirst)
	}

	n2, err := idx.Scan(ctx, sponsor)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected zero inserts on resumed scan, got %d", n2)
	}

	cursorAfterSecond, _, err := store.GetKV(ctx, checkpointKey)
	if err != nil {
		t.Fatal(err)
	}
	if cursorAfterSecond != cursorAfterFirst {
		t.Fatalf("cursor must not move on a resumed run: before=%s after=%s", cursorAfterFirst, cursorAfterSecond)
	}

	accs, err := store.AllAccountsOrdered(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 2 {
		t.Fatalf("expected exactly 2 discovered accounts, got %d", len(accs))
	}
}

func TestScanSkipsErroredTransactions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := newTestLogger(t)

	sponsor := solana.NewWallet().PublicKey()
	sig1 := chain.Signature{9}

	client := &fakeChain{
		sponsor: sponsor,
		allSigs: []chain.SignatureInfo{
			{Signature: sig1, Err: true},
		},
	}

	idx := New(client, store, logger)
	n, err := idx.Scan(ctx, sponsor)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected errored transaction to be skipped, got %d discovered", n)
	}
}

// TestScanSkipsSignatureFetchFailureWithoutAborting is the other half of
// spec.md §4.3's failure semantics: a per-signature GetParsedTransaction
// failure is logged and that signature skipped, while the rest of the page
// — and any later accounts discovered in it — is still processed.
func TestScanSkipsSignatureFetchFailureWithoutAborting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := newTestLogger(t)

	sponsor := solana.NewWallet().PublicKey()
	accB := solana.NewWallet().PublicKey()
	sigBad := chain.Signature{20}
	sigGood := chain.Signature{21}

	client := &fakeChain{
		sponsor: sponsor,
		created: map[string]chain.PublicKey{
			sigGood.String(): accB,
		},
		allSigs: []chain.SignatureInfo{
			{Signature: sigBad},
			{Signature: sigGood},
		},
		failTxFetch: map[string]bool{sigBad.String(): true},
	}

	idx := New(client, store, logger)
	n, err := idx.Scan(ctx, sponsor)
	if err != nil {
		t.Fatalf("expected scan to tolerate a failed signature fetch, got error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the good signature's account to still be discovered, got %d", n)
	}

	accs, err := store.AllAccountsOrdered(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 1 || accs[0].AccountPubkey != accB.String() {
		t.Fatalf("expected exactly accB discovered, got %+v", accs)
	}
}

// TestScanRequiresSponsorAsFeePayer is the spec.md §4.3 gate: a transaction
// where the sponsor is only the create_account instruction's `from` account,
// without being the transaction's fee payer (first signer), must not be
// treated as a sponsored-account discovery.
func TestScanRequiresSponsorAsFeePayer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := newTestLogger(t)

	sponsor := solana.NewWallet().PublicKey()
	otherFeePayer := solana.NewWallet().PublicKey()
	acc := solana.NewWallet().PublicKey()
	sig := chain.Signature{7}

	client := &fakeChain{
		sponsor: sponsor,
		created: map[string]chain.PublicKey{sig.String(): acc},
		allSigs: []chain.SignatureInfo{{Signature: sig}},
		feePayer: map[string]chain.PublicKey{
			sig.String(): otherFeePayer,
		},
	}

	idx := New(client, store, logger)
	n, err := idx.Scan(ctx, sponsor)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero discoveries when sponsor is not fee payer, got %d", n)
	}

	accs, err := store.AllAccountsOrdered(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 0 {
		t.Fatalf("expected no accounts discovered, got %d", len(accs))
	}
}

// TestScanIgnoresNonCreateAccountSystemInstructions proves a plain System
// Program Transfer between the sponsor and another account — which touches
// the same two accounts a CreateAccount instruction would — is never
// mistaken for a sponsored-account discovery, per spec.md §4.3 ("the
// instruction must be a create_account invocation").
func TestScanIgnoresNonCreateAccountSystemInstructions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := newTestLogger(t)

	sponsor := solana.NewWallet().PublicKey()
	acc := solana.NewWallet().PublicKey()
	sig := chain.Signature{11}

	client := &fakeChain{
		sponsor: sponsor,
		created: map[string]chain.PublicKey{sig.String(): acc},
		allSigs: []chain.SignatureInfo{{Signature: sig}},
		instructionData: map[string][]byte{
			sig.String(): transferData(),
		},
	}

	idx := New(client, store, logger)
	n, err := idx.Scan(ctx, sponsor)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero discoveries for a Transfer instruction, got %d", n)
	}

	accs, err := store.AllAccountsOrdered(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 0 {
		t.Fatalf("expected no accounts discovered, got %d", len(accs))
	}
}
