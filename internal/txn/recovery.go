package txn

import (
	"context"
	"fmt"

	"github.com/roach88/txlog/internal/record"
)

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	Policy     RecoveryPolicy `json:"policy" yaml:"policy"`
	Scanned    int            `json:"scanned" yaml:"scanned"`
	Completed  []string       `json:"completed,omitempty" yaml:"completed,omitempty"`
	RolledBack []string       `json:"rolled_back,omitempty" yaml:"rolled_back,omitempty"`
	Skipped    []string       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed     []string       `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Recover applies Config.Recovery to every transaction left pending, oldest
// first. Run it at startup, before any Builder commits.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	return e.RecoverWith(ctx, e.cfg.Recovery)
}

// RecoverWith is Recover with an explicit policy:
//
//	complete: apply the items still pending, then mark the transaction done;
//	          if that fails, revert as Process would
//	rollback: revert the items already applied and mark it rolledBack
//	none:     log and leave it pending
//
// Only a failure to read or write the log is returned as an error; the
// outcome for each transaction is in the report.
func (e *Engine) RecoverWith(ctx context.Context, policy RecoveryPolicy) (*RecoveryReport, error) {
	pending, err := e.log.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}

	report := &RecoveryReport{Policy: policy, Scanned: len(pending)}
	for _, t := range pending {
		switch policy {
		case RecoverNone:
			e.logger.Warn("pending transaction left for manual inspection",
				"transaction_id", t.ID, "owner", t.Owner, "description", t.Description)
			report.Skipped = append(report.Skipped, t.ID)

		case RecoverRollback:
			e.recoverRollback(ctx, t, report)

		case RecoverComplete:
			if err := e.applyPending(ctx, t, true); err != nil {
				e.logger.Error("recovery completion failed, rolling back", "transaction_id", t.ID, "error", err)
				e.recoverRollback(ctx, t, report)
				continue
			}
			t.State = record.StateDone
			e.stamp(t)
			if err := e.log.SaveTransaction(ctx, t); err != nil {
				e.logger.Error("recovery completion not persisted", "transaction_id", t.ID, "error", err)
				report.Failed = append(report.Failed, t.ID)
				continue
			}
			e.logger.Info("recovered transaction completed", "transaction_id", t.ID)
			report.Completed = append(report.Completed, t.ID)

		default:
			return report, fmt.Errorf("unknown recovery policy %q", policy)
		}
	}
	return report, nil
}

// recoverRollback reverts t and files it under RolledBack, or under Failed
// when the rolled back state could not be written to the log.
func (e *Engine) recoverRollback(ctx context.Context, t *record.Transaction, report *RecoveryReport) {
	e.rollbackApplied(ctx, t)
	if err := e.finishRolledBack(ctx, t); err != nil {
		e.logger.Error("recovery rollback not persisted", "transaction_id", t.ID, "error", err)
		report.Failed = append(report.Failed, t.ID)
		return
	}
	e.logger.Info("recovered transaction rolled back", "transaction_id", t.ID)
	report.RolledBack = append(report.RolledBack, t.ID)
}
