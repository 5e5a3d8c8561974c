package txn

import (
	"fmt"
	"time"

	"github.com/roach88/txlog/internal/doc"
)

// RecoveryPolicy selects what Recover does with pending transactions.
type RecoveryPolicy string

const (
	// RecoverComplete re-runs the apply phase over items still pending.
	RecoverComplete RecoveryPolicy = "complete"

	// RecoverRollback reverts items already applied.
	RecoverRollback RecoveryPolicy = "rollback"

	// RecoverNone leaves pending transactions for manual inspection.
	RecoverNone RecoveryPolicy = "none"
)

// ParseRecoveryPolicy validates a policy name.
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch p := RecoveryPolicy(s); p {
	case RecoverComplete, RecoverRollback, RecoverNone:
		return p, nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q (want complete, rollback or none)", s)
	}
}

// Default field names for the transaction-id overlay and soft-delete
// tombstone.
const (
	DefaultTxnField       = "transaction_id"
	DefaultTombstoneField = "deleted"
)

// Config holds engine settings. It is copied at construction and never
// modified afterwards.
type Config struct {
	// RequireIdentity refuses to start transactions, undo or redo without an
	// identity. Transactions then always carry an owner.
	RequireIdentity bool

	// IdleTimeout cancels an open transaction when no action is queued for
	// this long. Zero disables the watchdog.
	IdleTimeout time.Duration

	// Recovery is the policy applied by Recover.
	Recovery RecoveryPolicy

	// DeleteRolledBack removes rolled back records from the log instead of
	// keeping them with state rolledBack.
	DeleteRolledBack bool

	// TxnField is the document field that carries the id of the last
	// transaction that wrote the document.
	TxnField string

	// TombstoneField is set to true by soft deletes.
	TombstoneField string

	// SoftDelete makes Remove default to a soft delete.
	SoftDelete bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Recovery:       RecoverComplete,
		TxnField:       DefaultTxnField,
		TombstoneField: DefaultTombstoneField,
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.Recovery == "" {
		c.Recovery = RecoverComplete
	}
	if c.TxnField == "" {
		c.TxnField = DefaultTxnField
	}
	if c.TombstoneField == "" {
		c.TombstoneField = DefaultTombstoneField
	}
	return c
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout)
	}
	if _, err := ParseRecoveryPolicy(string(c.withDefaults().Recovery)); err != nil {
		return err
	}
	c = c.withDefaults()
	if c.TxnField == c.TombstoneField {
		return fmt.Errorf("transaction field and tombstone field must differ, both are %q", c.TxnField)
	}
	if c.TxnField == doc.IDField || c.TombstoneField == doc.IDField {
		return fmt.Errorf("the %s field cannot be used as transaction or tombstone field", doc.IDField)
	}
	return nil
}
