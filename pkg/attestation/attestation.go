// Package attestation assembles and verifies the signed execution
// attestation: a manifest of what was run, a digest of what happened, and
// the full post-run database state hash, bound together into one hash and
// optionally signed with the operator's Ed25519 key — in the style of the
// teacher's attestation/strategy/ed25519_strategy.go signing primitive,
// generalized from per-anchor signing to this one composite document.
package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/korarent/kora-rent/pkg/canonical"
	"github.com/korarent/kora-rent/pkg/ledger"
	"github.com/korarent/kora-rent/pkg/statehash"
)

// schemaVersion is the literal attestation document schema version.
const schemaVersion = "1.0.0"

// Config is the effective policy configuration recorded in the manifest,
// the same shape the Policy Engine records as transition evidence.
type Config struct {
	MinLamports   uint64
	MinAgeDays    int
	WhitelistHash string // hex, or "" if no whitelist was configured
}

// Manifest is phase (c): the run's identity and configuration.
type Manifest struct {
	Version        string   `json:"version"`
	Network        string   `json:"network"`
	OperatorPubkey *string  `json:"operator_pubkey"`
	Config         ManifestConfig `json:"config"`
	RPCEndpoint    string   `json:"rpc_endpoint"`
	DBStateHash    string   `json:"db_state_hash"`
	Candidates     []string `json:"candidates"`
}

// ManifestConfig is the manifest's nested config object.
type ManifestConfig struct {
	MinLamports   uint64  `json:"min_lamports"`
	MinAgeDays    int     `json:"min_age_days"`
	WhitelistHash *string `json:"whitelist_hash"`
}

// Failure is one account whose outcome was FAILED.
type Failure struct {
	Pubkey string `json:"pubkey"`
	Reason string `json:"reason"`
}

// ResultDigest is phase (b): what actually happened.
type ResultDigest struct {
	EvaluatedCount         int               `json:"evaluated_count"`
	Accounts               map[string]string `json:"accounts"`
	TotalLamportsReclaimed string            `json:"total_lamports_reclaimed"`
	TransactionSignatures  []string          `json:"transaction_signatures"`
	Failures               []Failure         `json:"failures"`
}

// Document is the final signed attestation artifact.
type Document struct {
	Manifest       Manifest      `json:"manifest"`
	DBStateHash    string        `json:"db_state_hash"`
	ResultDigest   ResultDigest  `json:"result_digest"`
	AttestationHash string       `json:"attestation_hash"`
	Signature      *string       `json:"signature,omitempty"`
}

// Generate runs all four construction phases against store and returns the
// finished document. If signingKey is non-nil, the document is signed with
// a detached Ed25519 signature over the raw attestation hash bytes.
func Generate(ctx context.Context, store *ledger.Store, network, rpcEndpoint string, cfg Config, signingKey ed25519.PrivateKey) (*Document, error) {
	dbHash, err := statehash.ComputeHex(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("attestation: compute db state hash: %w", err)
	}

	accounts, err := store.AllAccountsOrdered(ctx)
	if err != nil {
		return nil, fmt.Errorf("attestation: load accounts: %w", err)
	}

	result, candidates, err := buildResultDigest(ctx, store, accounts)
	if err != nil {
		return nil, err
	}

	var operatorPubkey *string
	if signingKey != nil {
		pub := solana.PublicKeyFromBytes(signingKey.Public().(ed25519.PublicKey)).String()
		operatorPubkey = &pub
	}

	var whitelistHash *string
	if cfg.WhitelistHash != "" {
		whitelistHash = &cfg.WhitelistHash
	}

	manifest := Manifest{
		Version:        schemaVersion,
		Network:        network,
		OperatorPubkey: operatorPubkey,
		Config: ManifestConfig{
			MinLamports:   cfg.MinLamports,
			MinAgeDays:    cfg.MinAgeDays,
			WhitelistHash: whitelistHash,
		},
		RPCEndpoint: sanitizeEndpoint(rpcEndpoint),
		DBStateHash: dbHash,
		Candidates:  candidates,
	}

	attestationHash := computeAttestationHash(manifest, dbHash, result)

	doc := &Document{
		Manifest:        manifest,
		DBStateHash:      dbHash,
		ResultDigest:     result,
		AttestationHash:  hex.EncodeToString(attestationHash[:]),
	}

	if signingKey != nil {
		sig := ed25519.Sign(signingKey, attestationHash[:])
		encoded := base64.StdEncoding.EncodeToString(sig)
		doc.Signature = &encoded
	}

	return doc, nil
}

// buildResultDigest scans sponsored_accounts once, classifying each row's
// final state and, for RECLAIMED/FAILED rows, pulling the most recent
// matching LifecycleEvent for its evidence.
func buildResultDigest(ctx context.Context, store *ledger.Store, accounts []*ledger.SponsoredAccount) (ResultDigest, []string, error) {
	accountStates := make(map[string]string, len(accounts))
	candidateSet := make(map[string]struct{}, len(accounts))
	total := new(big.Int)
	var signatures []string
	var failures []Failure

	for _, acc := range accounts {
		accountStates[acc.AccountPubkey] = string(acc.LifecycleState)
		candidateSet[acc.AccountPubkey] = struct{}{}

		switch acc.LifecycleState {
		case ledger.StateReclaimed:
			events, err := store.EventsForAccount(ctx, acc.AccountPubkey)
			if err != nil {
				return ResultDigest{}, nil, err
			}
			sig, amount, ok := latestReclaimedEvidence(events)
			if ok {
				signatures = append(signatures, sig)
				total.Add(total, amount)
			}
		case ledger.StateFailed:
			events, err := store.EventsForAccount(ctx, acc.AccountPubkey)
			if err != nil {
				return ResultDigest{}, nil, err
			}
			reason, ok := latestFailedReason(events)
			if ok {
				failures = append(failures, Failure{Pubkey: acc.AccountPubkey, Reason: reason})
			}
		}
	}

	sort.Strings(signatures)
	sort.Slice(failures, func(i, j int) bool { return failures[i].Pubkey < failures[j].Pubkey })

	candidates := make([]string, 0, len(candidateSet))
	for pk := range candidateSet {
		candidates = append(candidates, pk)
	}
	sort.Strings(candidates)

	return ResultDigest{
		EvaluatedCount:         len(accounts),
		Accounts:               accountStates,
		TotalLamportsReclaimed: total.String(),
		TransactionSignatures:  signatures,
		Failures:               failures,
	}, candidates, nil
}

func latestReclaimedEvidence(events []*ledger.LifecycleEvent) (signature string, amount *big.Int, ok bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.NewState != ledger.StateReclaimed {
			continue
		}
		var evidence struct {
			Signature string `json:"signature"`
			Amount    string `json:"amount"`
		}
		if err := json.Unmarshal([]byte(ev.EvidencePayload), &evidence); err != nil {
			return "", nil, false
		}
		n, success := new(big.Int).SetString(evidence.Amount, 10)
		if !success {
			n = new(big.Int)
		}
		return evidence.Signature, n, true
	}
	return "", nil, false
}

func latestFailedReason(events []*ledger.LifecycleEvent) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.NewState == ledger.StateFailed {
			return ev.TriggerReason, true
		}
	}
	return "", false
}

// computeAttestationHash is phase (d):
// H_att = SHA256(canonicalize(manifest) || H_db || canonicalize(result_digest)).
func computeAttestationHash(manifest Manifest, dbHashHex string, result ResultDigest) [32]byte {
	manifestValue := manifestToCanonical(manifest)
	resultValue := resultDigestToCanonical(result)

	dbHashBytes, _ := hex.DecodeString(dbHashHex)

	buf := make([]byte, 0)
	buf = append(buf, canonical.Encode(manifestValue)...)
	buf = append(buf, dbHashBytes...)
	buf = append(buf, canonical.Encode(resultValue)...)
	return sha256.Sum256(buf)
}

func manifestToCanonical(m Manifest) map[string]any {
	var operatorPubkey any
	if m.OperatorPubkey != nil {
		operatorPubkey = *m.OperatorPubkey
	}
	var whitelistHash any
	if m.Config.WhitelistHash != nil {
		whitelistHash = *m.Config.WhitelistHash
	}
	candidates := make([]any, len(m.Candidates))
	for i, c := range m.Candidates {
		candidates[i] = c
	}
	return map[string]any{
		"version":         m.Version,
		"network":         m.Network,
		"operator_pubkey": operatorPubkey,
		"config": map[string]any{
			"min_lamports":   m.Config.MinLamports,
			"min_age_days":   m.Config.MinAgeDays,
			"whitelist_hash": whitelistHash,
		},
		"rpc_endpoint":  m.RPCEndpoint,
		"db_state_hash": m.DBStateHash,
		"candidates":    candidates,
	}
}

func resultDigestToCanonical(r ResultDigest) map[string]any {
	accounts := make(map[string]any, len(r.Accounts))
	for k, v := range r.Accounts {
		accounts[k] = v
	}
	sigs := make([]any, len(r.TransactionSignatures))
	for i, s := range r.TransactionSignatures {
		sigs[i] = s
	}
	failures := make([]any, len(r.Failures))
	for i, f := range r.Failures {
		failures[i] = map[string]any{"pubkey": f.Pubkey, "reason": f.Reason}
	}
	return map[string]any{
		"evaluated_count":           r.EvaluatedCount,
		"accounts":                  accounts,
		"total_lamports_reclaimed":  r.TotalLamportsReclaimed,
		"transaction_signatures":    sigs,
		"failures":                  failures,
	}
}

// Verify re-derives the attestation hash from a document's own manifest
// and result digest and checks it against the stored values, then
// verifies the detached signature if both it and operator_pubkey are
// present. Requires no ledger or chain access.
func Verify(doc *Document) error {
	expected := computeAttestationHash(doc.Manifest, doc.Manifest.DBStateHash, doc.ResultDigest)
	expectedHex := hex.EncodeToString(expected[:])
	if expectedHex != doc.AttestationHash {
		return fmt.Errorf("attestation: hash mismatch: expected %s, got %s", expectedHex, doc.AttestationHash)
	}
	if doc.Manifest.DBStateHash != doc.DBStateHash {
		return fmt.Errorf("attestation: manifest db_state_hash %q does not match document db_state_hash %q", doc.Manifest.DBStateHash, doc.DBStateHash)
	}

	if doc.Signature == nil || doc.Manifest.OperatorPubkey == nil {
		return nil
	}

	sigBytes, err := base64.StdEncoding.DecodeString(*doc.Signature)
	if err != nil {
		return fmt.Errorf("attestation: malformed signature: %w", err)
	}
	operatorKey, err := solana.PublicKeyFromBase58(*doc.Manifest.OperatorPubkey)
	if err != nil {
		return fmt.Errorf("attestation: malformed operator pubkey: %w", err)
	}
	hashBytes, err := hex.DecodeString(doc.AttestationHash)
	if err != nil {
		return fmt.Errorf("attestation: malformed attestation hash: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(operatorKey[:]), hashBytes, sigBytes) {
		return fmt.Errorf("attestation: signature verification failed")
	}
	return nil
}

// sanitizeEndpoint strips credentials and query parameters, keeping only
// scheme://host, so an attestation never leaks an RPC API key.
func sanitizeEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
