package ledger

import "errors"

// Sentinel errors, in the style of the teacher's pkg/ledger/errors.go.
var (
	ErrAccountNotFound  = errors.New("ledger: account not found")
	ErrAlreadyLocked    = errors.New("ledger: account already locked by another worker")
	ErrNotLocked        = errors.New("ledger: account is not locked by this worker")
	ErrWhitelistEntryDup = errors.New("ledger: whitelist entry already exists")
)
