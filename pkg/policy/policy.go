// Package policy is the pure decision function that turns observed
// lifecycle data into a reclaimability verdict. It never touches the
// chain — only the ledger rows the Lifecycle Engine already populated.
package policy

import (
	"context"
	"time"

	"github.com/korarent/kora-rent/pkg/ledger"
)

// SystemProgramID is the Solana system program address — the only owner
// program an ordinary, data-less sponsored account should have.
const SystemProgramID = "11111111111111111111111111111111"

// Config is the full rule configuration, recorded verbatim as evidence on
// every transition so an Attestation's config object can be cross-checked
// against the policy evidence that produced it.
type Config struct {
	MinLamports   uint64
	MinAgeDays    int
	WhitelistHash string // hex digest of the sorted whitelist, or "" if none
}

// terminal lifecycle states a policy run never re-evaluates: a run's whole
// point is to settle accounts into one of these (plus RECLAIMED/FAILED,
// which only the Reclaimer ever produces).
var terminalStates = map[ledger.LifecycleState]bool{
	ledger.StateProtected:  true,
	ledger.StateDust:       true,
	ledger.StateReclaimed:  true,
	ledger.StateFailed:     true,
	ledger.StateClosedZero: true,
}

// Engine evaluates the eight ordered rules over every non-terminal
// account.
type Engine struct {
	store *ledger.Store
}

// New builds a policy Engine.
func New(store *ledger.Store) *Engine {
	return &Engine{store: store}
}

// Evaluate scans every account not already in a terminal state, in
// account_pubkey ASC order, and applies the rule table. Returns the number
// of accounts whose lifecycle_state changed.
func (e *Engine) Evaluate(ctx context.Context, cfg Config) (int, error) {
	accounts, err := e.store.AllAccountsOrdered(ctx)
	if err != nil {
		return 0, err
	}

	transitioned := 0
	now := time.Now().UTC()
	for _, acc := range accounts {
		if terminalStates[acc.LifecycleState] {
			continue
		}

		newState, reason, err := e.decide(ctx, acc, cfg, now)
		if err != nil {
			return transitioned, err
		}
		if newState == "" || newState == acc.LifecycleState {
			continue
		}

		evidence := map[string]any{
			"min_lamports":   cfg.MinLamports,
			"min_age_days":   cfg.MinAgeDays,
			"whitelist_hash": nullableString(cfg.WhitelistHash),
		}
		if err := e.store.Transition(ctx, acc.AccountPubkey, newState, reason, evidence); err != nil {
			return transitioned, err
		}
		transitioned++
	}
	return transitioned, nil
}

// decide applies the eight rules in fixed order, returning ("", "", nil)
// when rule 7 ("too young") applies — no transition, by design.
func (e *Engine) decide(ctx context.Context, acc *ledger.SponsoredAccount, cfg Config, now time.Time) (ledger.LifecycleState, string, error) {
	whitelisted, err := e.store.IsWhitelisted(ctx, acc.AccountPubkey)
	if err != nil {
		return "", "", err
	}

	switch {
	case whitelisted:
		return ledger.StateProtected, "Whitelisted", nil
	case !acc.HasLifecycleData || acc.OwnerProgram == "":
		return ledger.StateSkipped, "Missing lifecycle data", nil
	case acc.OwnerProgram != SystemProgramID:
		return ledger.StateSkipped, "Owner mismatch", nil
	case acc.DataLen > 0:
		return ledger.StateSkipped, "Has data", nil
	case acc.Lamports < cfg.MinLamports:
		return ledger.StateDust, "Below dust floor", nil
	case acc.Lamports <= 0:
		return ledger.StateSkipped, "Zero balance", nil
	case cfg.MinAgeDays > 0 && acc.LastLifecycleCheck != nil && now.Sub(*acc.LastLifecycleCheck) < time.Duration(cfg.MinAgeDays)*24*time.Hour:
		return "", "Too young", nil
	default:
		return ledger.StateReclaimable, "Passes all rules", nil
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
