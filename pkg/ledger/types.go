package ledger

import "time"

// LifecycleState is the enum driving the Policy Engine's state machine.
// Values are compared with plain equality everywhere — never case-folded.
type LifecycleState string

const (
	StateDiscovered  LifecycleState = "DISCOVERED"
	StateActive      LifecycleState = "ACTIVE"
	StateClosed      LifecycleState = "CLOSED"
	StateProtected   LifecycleState = "PROTECTED"
	StateSkipped     LifecycleState = "SKIPPED"
	StateDust        LifecycleState = "DUST"
	StateReclaimable LifecycleState = "RECLAIMABLE"
	StateReclaimed   LifecycleState = "RECLAIMED"
	StateFailed      LifecycleState = "FAILED"
	StateClosedZero  LifecycleState = "CLOSED_ZERO"
)

// SponsoredAccount is one row of the sponsored_accounts table.
type SponsoredAccount struct {
	AccountPubkey       string
	CreationSignature   string
	Slot                uint64
	OperatorPubkey      string
	DiscoveredAt        time.Time
	LifecycleState      LifecycleState
	Lamports            uint64
	DataLen             int
	OwnerProgram        string
	HasLifecycleData    bool // false until Lifecycle has observed lamports/owner_program at least once
	LastLifecycleCheck  *time.Time
	ProcessingLock      string
	LockedAt            *time.Time
}

// LifecycleEvent is one row of the lifecycle_events table — the append-only
// audit trail the State Hasher folds into its root alongside account rows.
type LifecycleEvent struct {
	ID              int64
	AccountPubkey   string
	OldState        LifecycleState
	NewState        LifecycleState
	TriggerReason   string
	EvidencePayload string // canonicalized JSON object, already a fixed string
	Timestamp       time.Time
}

// WhitelistEntry is one row of the whitelist table.
type WhitelistEntry struct {
	AccountPubkey string
	AddedAt       time.Time
	Source        string // "file" or "cli"
}
