// Package chain defines the abstract interface the Indexer, Lifecycle
// Engine, and Reclaimer Pipeline depend on, in the style of the teacher's
// backend.DataBackend interface segregation: callers depend only on this
// interface, never on the concrete RPC transport in pkg/chain/rpcclient.
package chain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// PublicKey and Signature are re-exported from solana-go so callers never
// need to import it directly just to hold an address or a signature.
type PublicKey = solana.PublicKey
type Signature = solana.Signature
type Transaction = solana.Transaction

// Signer can produce a signature over an arbitrary message — satisfied by
// the Attestation Service's loaded Ed25519 keypair and by any chain wallet
// used to sign a reclaim transaction.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) (Signature, error)
}

// SignatureInfo is one entry of a getSignaturesForAddress response.
type SignatureInfo struct {
	Signature Signature
	Slot      uint64
	BlockTime *time.Time
	Err       bool // true if the transaction failed on-chain
}

// AccountInfo is the chain-side state of one account. A nil *AccountInfo
// anywhere this type is returned means the account is absent — closed —
// matching Solana's own getMultipleAccounts null-on-miss semantics.
type AccountInfo struct {
	Lamports   uint64
	Owner      PublicKey
	DataLen    int
	Executable bool
}

// ParsedInstruction is one instruction of a parsed transaction, reduced to
// the fields the Indexer needs to recognize account creations: which
// program ran and which accounts it touched.
type ParsedInstruction struct {
	ProgramID PublicKey
	Accounts  []PublicKey
	// Data is the instruction's raw argument bytes, e.g. the system
	// program's little-endian u32 instruction discriminant followed by its
	// arguments — needed to tell a CreateAccount instruction apart from any
	// other System Program instruction (Transfer, Assign, ...) that also
	// touches two accounts.
	Data []byte
}

// ParsedTransaction is a decoded transaction, trimmed to what the Indexer
// needs: success/failure, the fee payer, the instructions that ran, and
// the per-account lamport balances before and after.
type ParsedTransaction struct {
	Signature Signature
	Slot      uint64
	BlockTime *time.Time
	Err       bool
	// FeePayer is the transaction's first signer — Solana's own convention
	// for which account pays the fee. The Indexer requires this to equal
	// the operator address before treating any create_account instruction
	// in the transaction as a sponsored-account discovery.
	FeePayer     PublicKey
	Instructions []ParsedInstruction
	PreBalances  map[PublicKey]uint64
	PostBalances map[PublicKey]uint64
}

// ChainClient is the single abstract dependency every component that talks
// to the chain depends on.
type ChainClient interface {
	// ListSignatures returns up to limit signatures for addr, most recent
	// first, optionally bounded by before/until — the Indexer's discovery
	// primitive.
	ListSignatures(ctx context.Context, addr PublicKey, limit int, before, until *Signature) ([]SignatureInfo, error)

	// GetParsedTransaction fetches and decodes one transaction.
	GetParsedTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error)

	// GetMultipleAccounts is the JIT re-verification primitive: batched
	// account reads, nil entries mean "absent on chain."
	GetMultipleAccounts(ctx context.Context, addrs []PublicKey) ([]*AccountInfo, error)

	// SendAndConfirm submits tx signed by signer and blocks until it is
	// confirmed or the context expires.
	SendAndConfirm(ctx context.Context, tx *Transaction, signer Signer) (Signature, error)

	// GetLatestBlockhash returns the recent blockhash the Reclaimer's
	// Execute sub-stage stamps onto every batch transaction it builds.
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
}
