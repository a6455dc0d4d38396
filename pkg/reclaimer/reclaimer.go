// Package reclaimer is the only component that submits transactions. It
// runs the five-stage pipeline spec'd for rent reclamation: fetch-and-lock,
// JIT verify, plan, execute, report — each account moves through exactly
// one terminal outcome per pass, never double-spent.
package reclaimer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/korarent/kora-rent/internal/errs"
	"github.com/korarent/kora-rent/internal/logging"
	"github.com/korarent/kora-rent/pkg/chain"
	"github.com/korarent/kora-rent/pkg/ledger"
	"github.com/korarent/kora-rent/pkg/policy"
)

// fetchBatchSize bounds how many RECLAIMABLE rows one Fetch-and-Lock call
// claims.
const fetchBatchSize = 100

// maxAccountsPerTransaction is a hard cap below the chain's transaction
// size limit, per account.
const maxAccountsPerTransaction = 10

// Pipeline runs Fetch-and-Lock -> JIT Verify -> Plan -> Execute -> Report
// in a loop until a pass claims nothing.
type Pipeline struct {
	client   chain.ChainClient
	store    *ledger.Store
	logger   *logging.Logger
	operator chain.Signer
	workerID string
	dryRun   bool
}

// New builds a reclaimer Pipeline. operator both pays fees and is assumed
// to hold signing authority over every sponsored account it reclaims from;
// each batch transaction carries only the operator's signature.
func New(client chain.ChainClient, store *ledger.Store, logger *logging.Logger, operator chain.Signer, dryRun bool) (*Pipeline, error) {
	workerID, err := newWorkerID()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		client:   client,
		store:    store,
		logger:   logger.WithComponent("reclaimer"),
		operator: operator,
		workerID: workerID,
		dryRun:   dryRun,
	}, nil
}

func newWorkerID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.ErrCodeInternal, err, "generate worker id")
	}
	return hex.EncodeToString(buf), nil
}

// batch is one Plan-stage grouping of JIT-verified accounts.
type batch struct {
	id       string
	accounts []verifiedAccount
}

type verifiedAccount struct {
	pubkey           string
	verifiedLamports uint64
}

// Result summarizes one Run invocation.
type Result struct {
	Reclaimed int
	Failed    int
	Skipped   int
	ClosedZero int
	TotalLamportsReclaimed *big.Int
}

// Run repeats Fetch-and-Lock -> JIT -> Plan -> Execute -> Report until a
// pass fetches nothing.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	result := &Result{TotalLamportsReclaimed: new(big.Int)}
	seq := 0
	for {
		claimed, err := p.store.FetchAndLock(ctx, p.workerID, fetchBatchSize)
		if err != nil {
			return result, err
		}
		if len(claimed) == 0 {
			return result, nil
		}

		verified, err := p.jitVerify(ctx, claimed, result)
		if err != nil {
			return result, err
		}
		if len(verified) == 0 {
			continue
		}

		batches := plan(verified, &seq)
		for _, b := range batches {
			if err := p.execute(ctx, b, result); err != nil {
				return result, err
			}
		}
	}
}

// jitVerify applies the five ordered on-chain checks to every locked
// account, immediately releasing invalid ones to their terminal outcome,
// and returns the accounts that pass all checks.
func (p *Pipeline) jitVerify(ctx context.Context, claimed []*ledger.SponsoredAccount, result *Result) ([]verifiedAccount, error) {
	pubkeys := make([]chain.PublicKey, len(claimed))
	for i, acc := range claimed {
		pk, err := solana.PublicKeyFromBase58(acc.AccountPubkey)
		if err != nil {
			return nil, err
		}
		pubkeys[i] = pk
	}

	infos, err := p.client.GetMultipleAccounts(ctx, pubkeys)
	if err != nil {
		return nil, err
	}

	var verified []verifiedAccount
	for i, acc := range claimed {
		info := infos[i]
		switch {
		case info == nil:
			if err := p.store.ReleaseToState(ctx, p.workerID, acc.AccountPubkey, ledger.StateClosedZero, "does not exist", map[string]any{}); err != nil {
				return nil, err
			}
			result.ClosedZero++
		case info.Lamports == 0:
			if err := p.store.ReleaseToState(ctx, p.workerID, acc.AccountPubkey, ledger.StateClosedZero, "0 lamports", map[string]any{}); err != nil {
				return nil, err
			}
			result.ClosedZero++
		case info.Owner.String() != policy.SystemProgramID:
			if err := p.store.ReleaseToState(ctx, p.workerID, acc.AccountPubkey, ledger.StateSkipped, "owner changed", map[string]any{}); err != nil {
				return nil, err
			}
			result.Skipped++
		case info.DataLen > 0:
			if err := p.store.ReleaseToState(ctx, p.workerID, acc.AccountPubkey, ledger.StateSkipped, "has data", map[string]any{}); err != nil {
				return nil, err
			}
			result.Skipped++
		default:
			verified = append(verified, verifiedAccount{pubkey: acc.AccountPubkey, verifiedLamports: info.Lamports})
		}
	}
	return verified, nil
}

// plan partitions verified accounts into batches of at most
// maxAccountsPerTransaction, assigning each a monotonic batch id.
func plan(verified []verifiedAccount, seq *int) []batch {
	var batches []batch
	for start := 0; start < len(verified); start += maxAccountsPerTransaction {
		end := start + maxAccountsPerTransaction
		if end > len(verified) {
			end = len(verified)
		}
		*seq++
		batches = append(batches, batch{
			id:       fmt.Sprintf("batch-%d-%d", time.Now().UnixNano(), *seq),
			accounts: verified[start:end],
		})
	}
	return batches
}

// execute builds and submits one batch's transfer transaction (or, in
// dry-run mode, reports the intended totals without signing or
// submitting), then reports the outcome for every account in the batch.
func (p *Pipeline) execute(ctx context.Context, b batch, result *Result) error {
	if p.dryRun {
		for _, va := range b.accounts {
			p.logger.Info("dry-run reclaim", logging.Field{Key: "batch", Value: b.id}, logging.Field{Key: "account", Value: va.pubkey}, logging.Field{Key: "lamports", Value: va.verifiedLamports})
		}
		return nil
	}

	sig, err := p.submit(ctx, b)
	if err != nil {
		for _, va := range b.accounts {
			if relErr := p.store.ReleaseToState(ctx, p.workerID, va.pubkey, ledger.StateFailed, err.Error(), map[string]any{"error": err.Error()}); relErr != nil {
				return relErr
			}
			result.Failed++
		}
		return nil
	}

	for _, va := range b.accounts {
		if err := p.store.ReportReclaimed(ctx, p.workerID, va.pubkey, sig.String(), va.verifiedLamports); err != nil {
			return err
		}
		result.Reclaimed++
		result.TotalLamportsReclaimed.Add(result.TotalLamportsReclaimed, new(big.Int).SetUint64(va.verifiedLamports))
	}
	return nil
}

func (p *Pipeline) submit(ctx context.Context, b batch) (chain.Signature, error) {
	operatorKey := p.operator.PublicKey()

	instructions := make([]solana.Instruction, 0, len(b.accounts))
	for _, va := range b.accounts {
		from, err := solana.PublicKeyFromBase58(va.pubkey)
		if err != nil {
			return chain.Signature{}, err
		}
		ix := system.NewTransferInstruction(va.verifiedLamports, from, operatorKey).Build()
		instructions = append(instructions, ix)
	}

	blockhash, err := p.client.GetLatestBlockhash(ctx)
	if err != nil {
		return chain.Signature{}, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(operatorKey))
	if err != nil {
		return chain.Signature{}, errs.ChainSubmitFailure(err, "build batch transaction")
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return chain.Signature{}, errs.ChainSubmitFailure(err, "marshal transaction message")
	}
	sig, err := p.operator.Sign(messageBytes)
	if err != nil {
		return chain.Signature{}, errs.ChainSubmitFailure(err, "sign transaction")
	}
	tx.Signatures = []chain.Signature{sig}

	return p.client.SendAndConfirm(ctx, tx, p.operator)
}
