// Package indexer discovers sponsor-created accounts by walking a
// sponsor's transaction history and recording every account it sponsored
// into the ledger, in DISCOVERED state.
package indexer

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/korarent/kora-rent/internal/logging"
	"github.com/korarent/kora-rent/pkg/chain"
	"github.com/korarent/kora-rent/pkg/ledger"
)

// signaturePageSize bounds each getSignaturesForAddress call, per spec.md
// §4.3 ("fetch up to 100 signatures").
const signaturePageSize = 100

// politenessDelay is paused between consecutive chain RPC fetches so a scan
// never hammers a public RPC endpoint.
const politenessDelay = 200 * time.Millisecond

// SystemProgramID is the Solana system program address, the only program
// capable of creating accounts and the one whose CreateAccount instruction
// the Indexer looks for.
const SystemProgramID = "11111111111111111111111111111111"

// createAccountDiscriminant is the System Program's little-endian u32
// instruction index for CreateAccount (instruction 0 in the program's enum,
// ahead of Assign, Transfer, ...). Without checking this, any other
// System Program instruction touching two accounts — a plain Transfer,
// for instance — would be misread as a sponsored-account creation.
const createAccountDiscriminant = uint32(0)

// isCreateAccount reports whether ix is a System Program CreateAccount
// invocation, per spec.md §4.3.
func isCreateAccount(ix chain.ParsedInstruction) bool {
	if ix.ProgramID.String() != SystemProgramID {
		return false
	}
	if len(ix.Data) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(ix.Data[:4]) == createAccountDiscriminant
}

// Indexer walks a sponsor's signature history and upserts every account it
// created into the ledger store.
type Indexer struct {
	client chain.ChainClient
	store  *ledger.Store
	logger *logging.Logger
}

// New builds an Indexer.
func New(client chain.ChainClient, store *ledger.Store, logger *logging.Logger) *Indexer {
	return &Indexer{client: client, store: store, logger: logger.WithComponent("indexer")}
}

// Scan walks sponsor's full transaction history, oldest-unseen-first is not
// required — Solana's getSignaturesForAddress returns most-recent-first, so
// Scan pages backward until it runs out of signatures or the resume
// checkpoint (system_kv key "indexer:<sponsor>:last_signature") is reached.
func (idx *Indexer) Scan(ctx context.Context, sponsor chain.PublicKey) (int, error) {
	checkpointKey := "indexer:" + sponsor.String() + ":last_signature"
	checkpoint, hasCheckpoint, err := idx.store.GetKV(ctx, checkpointKey)
	if err != nil {
		return 0, err
	}

	var until *chain.Signature
	if hasCheckpoint {
		sig, err := solana.SignatureFromBase58(checkpoint)
		if err != nil {
			return 0, err
		}
		until = &sig
	}

	var before *chain.Signature
	discovered := 0
	fetched := 0
	var newest *chain.Signature

	for {
		select {
		case <-ctx.Done():
			return discovered, ctx.Err()
		default:
		}

		page, err := idx.client.ListSignatures(ctx, sponsor, signaturePageSize, before, until)
		if err != nil {
			return discovered, err
		}
		if len(page) == 0 {
			break
		}
		if newest == nil {
			s := page[0].Signature
			newest = &s
		}

		for _, sigInfo := range page {
			if sigInfo.Err {
				continue
			}
			// Per spec.md §4.3, a per-signature failure is logged but does
			// not poison the rest of the page — only a failure fetching the
			// signature page itself (above) stops the loop.
			if fetched > 0 {
				select {
				case <-ctx.Done():
					return discovered, ctx.Err()
				case <-time.After(politenessDelay):
				}
			}
			fetched++
			tx, err := idx.client.GetParsedTransaction(ctx, sigInfo.Signature)
			if err != nil {
				idx.logger.Error("skipping signature: fetch failed", logging.Field{Key: "signature", Value: sigInfo.Signature.String()}, logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			n, err := idx.recordCreatedAccounts(ctx, sponsor, tx)
			if err != nil {
				idx.logger.Error("skipping signature: record failed", logging.Field{Key: "signature", Value: sigInfo.Signature.String()}, logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			discovered += n
		}

		last := page[len(page)-1].Signature
		before = &last

		if len(page) < signaturePageSize {
			break
		}
		time.Sleep(politenessDelay)
	}

	// The cursor advances at most once, ever: only on the very first run
	// (no prior checkpoint) does it move, to the newest signature of the
	// first fetched page. Every later run re-walks the same leading
	// segment down to that same watermark — insertion is idempotent via
	// ON CONFLICT DO NOTHING, so this re-scan never duplicates rows, and
	// it guarantees a run that crashed mid-page can never leave a gap.
	if newest != nil && !hasCheckpoint {
		if err := idx.store.SetKV(ctx, checkpointKey, newest.String()); err != nil {
			return discovered, err
		}
	}

	idx.logger.Info("scan complete", logging.Field{Key: "sponsor", Value: sponsor.String()}, logging.Field{Key: "discovered", Value: discovered})
	return discovered, nil
}

// recordCreatedAccounts inspects a transaction's System Program instructions
// for CreateAccount calls funded by sponsor, and upserts each resulting
// account as DISCOVERED.
func (idx *Indexer) recordCreatedAccounts(ctx context.Context, sponsor chain.PublicKey, tx *chain.ParsedTransaction) (int, error) {
	// spec.md §4.3: the operator must be the fee payer (first signer) of
	// the transaction, not merely the `from` account of some instruction
	// within it — a transaction the operator only co-signed as funder
	// without paying its fee is not a sponsorship this run discovers.
	if tx.FeePayer.String() != sponsor.String() {
		return 0, nil
	}

	count := 0
	for _, ix := range tx.Instructions {
		if !isCreateAccount(ix) {
			continue
		}
		if len(ix.Accounts) < 2 {
			continue
		}
		funder := ix.Accounts[0]
		created := ix.Accounts[1]
		if funder.String() != sponsor.String() {
			continue
		}
		if _, err := idx.store.GetAccount(ctx, created.String()); err == nil {
			continue
		} else if err != ledger.ErrAccountNotFound {
			return count, err
		}

		now := time.Now().UTC()
		var blockTime time.Time
		if tx.BlockTime != nil {
			blockTime = *tx.BlockTime
		} else {
			blockTime = now
		}

		// lamports/data_len/owner_program stay null until the Lifecycle
		// Engine observes the account on chain for the first time.
		acc := &ledger.SponsoredAccount{
			AccountPubkey:     created.String(),
			CreationSignature: tx.Signature.String(),
			Slot:              tx.Slot,
			OperatorPubkey:    sponsor.String(),
			DiscoveredAt:      blockTime,
			LifecycleState:    ledger.StateDiscovered,
		}
		if err := idx.store.UpsertAccount(ctx, acc); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
