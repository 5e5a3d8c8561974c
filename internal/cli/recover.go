package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/txlog/internal/txn"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	Policy string // overrides the configured policy when set
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resolve transactions left pending by a crash",
		Long: `Apply the recovery policy to every pending transaction, oldest first.

Policies:
  complete - apply the remaining actions, rolling back if that fails
  rollback - revert the actions already applied
  none     - report pending transactions and leave them alone

Run it before any process commits new transactions.

Exit codes:
  0 - Every pending transaction was resolved (or skipped under none)
  1 - A transaction could not be resolved; inspect it with txlog show
  2 - Command error (bad config, database not found, etc.)

Examples:
  txlog recover
  txlog recover --policy rollback
  txlog recover --db ./txlog.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Policy, "policy", "", "recovery policy (complete|rollback|none); default from config")

	return cmd
}

func runRecover(ctx context.Context, opts *RecoverOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, cmd)

	var policy txn.RecoveryPolicy
	if opts.Policy != "" {
		p, err := txn.ParseRecoveryPolicy(opts.Policy)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --policy", err)
		}
		policy = p
	}

	e, err := openEnv(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	if policy == "" {
		policy = e.engine.Config().Recovery
	}
	f.VerboseLog("Recovering with policy %s", policy)

	report, err := e.engine.RecoverWith(ctx, policy)
	if err != nil {
		return WrapExitError(ExitCommandError, "recovery failed", err)
	}

	if err := f.Emit(report, func(w io.Writer) {
		writeRecoveryText(w, report)
	}); err != nil {
		return err
	}

	if len(report.Failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d transaction(s) could not be recovered", len(report.Failed)))
	}
	return nil
}

func writeRecoveryText(w io.Writer, r *txn.RecoveryReport) {
	if r.Scanned == 0 {
		fmt.Fprintln(w, "No pending transactions.")
		return
	}
	fmt.Fprintf(w, "Recovery (%s): %d pending\n", r.Policy, r.Scanned)
	for _, group := range []struct {
		label string
		ids   []string
	}{
		{"completed", r.Completed},
		{"rolled back", r.RolledBack},
		{"skipped", r.Skipped},
		{"failed", r.Failed},
	} {
		if len(group.ids) > 0 {
			fmt.Fprintf(w, "  %-12s %s\n", group.label+":", strings.Join(group.ids, ", "))
		}
	}
}
