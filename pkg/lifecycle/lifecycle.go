// Package lifecycle classifies every sponsored account by its current
// on-chain state, transitioning it to CLOSED (absent) or ACTIVE (present).
// It never produces CLOSED_ZERO and never decides reclaimability — that is
// the Policy Engine's job, one layer up.
package lifecycle

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/korarent/kora-rent/internal/logging"
	"github.com/korarent/kora-rent/pkg/chain"
	"github.com/korarent/kora-rent/pkg/ledger"
)

// maxAccountsPerRPCBatch bounds each getMultipleAccounts call.
const maxAccountsPerRPCBatch = 100

// Rent model constants, matching the target chain's own defaults
// (ACCOUNT_STORAGE_OVERHEAD, DEFAULT_LAMPORTS_PER_BYTE_YEAR,
// DEFAULT_EXEMPTION_THRESHOLD) — used only to compute the informational
// isRentExempt evidence flag, never to decide reclaimability.
const (
	accountStorageOverhead = 128
	lamportsPerByteYear    = 3480
	exemptionThresholdYears = 2.0
)

// rentExemptMinimum returns the minimum balance, in lamports, an account of
// dataLen bytes must hold to be exempt from rent collection.
func rentExemptMinimum(dataLen int) uint64 {
	return uint64(float64(accountStorageOverhead+dataLen) * lamportsPerByteYear * exemptionThresholdYears)
}

// Engine re-checks on-chain account state and records lifecycle
// transitions.
type Engine struct {
	client chain.ChainClient
	store  *ledger.Store
	logger *logging.Logger
}

// New builds a lifecycle Engine.
func New(client chain.ChainClient, store *ledger.Store, logger *logging.Logger) *Engine {
	return &Engine{client: client, store: store, logger: logger.WithComponent("lifecycle")}
}

// Scan re-verifies every sponsored account against current chain state —
// scanning the whole table, not just non-terminal rows, per spec.md §4.4
// ("so re-initializations are detected") — batching getMultipleAccounts
// calls, and transitions each account per the rule:
//   - account absent on chain -> CLOSED
//   - account present         -> ACTIVE (existence alone implies ACTIVE,
//     no heuristics — even a zero-lamport present account is ACTIVE; only
//     the Reclaimer's JIT verification produces CLOSED_ZERO)
func (e *Engine) Scan(ctx context.Context) (int, error) {
	accounts, err := e.store.AllAccountsOrdered(ctx)
	if err != nil {
		return 0, err
	}
	return e.classifyBatch(ctx, accounts)
}

// classifyBatch processes accounts in chunks of maxAccountsPerRPCBatch.
// Per spec.md §4.4, a per-chunk RPC failure is logged and that chunk
// skipped; it never aborts the remaining chunks.
func (e *Engine) classifyBatch(ctx context.Context, accounts []*ledger.SponsoredAccount) (int, error) {
	transitioned := 0
	for start := 0; start < len(accounts); start += maxAccountsPerRPCBatch {
		end := start + maxAccountsPerRPCBatch
		if end > len(accounts) {
			end = len(accounts)
		}
		batch := accounts[start:end]

		pubkeys := make([]chain.PublicKey, len(batch))
		malformed := false
		for i, acc := range batch {
			pk, err := solana.PublicKeyFromBase58(acc.AccountPubkey)
			if err != nil {
				e.logger.Error("skipping chunk: malformed account pubkey", logging.Field{Key: "account", Value: acc.AccountPubkey}, logging.Field{Key: "error", Value: err.Error()})
				malformed = true
				break
			}
			pubkeys[i] = pk
		}
		if malformed {
			continue
		}

		infos, err := e.client.GetMultipleAccounts(ctx, pubkeys)
		if err != nil {
			e.logger.Error("skipping chunk: getMultipleAccounts failed", logging.Field{Key: "chunk_start", Value: start}, logging.Field{Key: "chunk_size", Value: len(batch)}, logging.Field{Key: "error", Value: err.Error()})
			continue
		}

		checkedAt := time.Now().UTC()
		for i, acc := range batch {
			info := infos[i]

			var newState ledger.LifecycleState
			var lamports uint64
			var dataLen int
			var owner string
			var executable bool

			if info == nil {
				newState = ledger.StateClosed
			} else {
				newState = ledger.StateActive
				lamports = info.Lamports
				dataLen = info.DataLen
				owner = info.Owner.String()
				executable = info.Executable
			}

			// Always persist the fresh on-chain snapshot, whether or not the
			// label changed — the Policy Engine always reads a snapshot
			// consistent with this scan.
			if err := e.store.RecordLifecycleObservation(ctx, acc.AccountPubkey, lamports, dataLen, owner, checkedAt); err != nil {
				return transitioned, err
			}

			if newState == acc.LifecycleState {
				continue
			}

			evidence := map[string]any{
				"lamports":      lamports,
				"data_len":      dataLen,
				"owner":         owner,
				"executable":    executable,
				"isRentExempt":  info != nil && lamports >= rentExemptMinimum(dataLen),
			}
			if err := e.store.Transition(ctx, acc.AccountPubkey, newState, "lifecycle_scan", evidence); err != nil {
				return transitioned, err
			}
			transitioned++
		}
	}
	return transitioned, nil
}
