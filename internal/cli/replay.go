package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txlog/internal/executor"
	"github.com/roach88/txlog/internal/txn"
)

// ReplayOptions holds flags for the undo and redo commands.
type ReplayOptions struct {
	*RootOptions
	Timeout time.Duration
}

// ReplayResult is the outcome of an undo or redo.
type ReplayResult struct {
	Op            string `json:"op"`
	TransactionID string `json:"transaction_id,omitempty"`
	Applied       bool   `json:"applied"`
	Failed        int    `json:"failed"`
}

// NewUndoCommand creates the undo command.
func NewUndoCommand(rootOpts *RootOptions) *cobra.Command {
	return newReplayCommand(rootOpts, "undo", "Undo a committed transaction", `Undo a committed transaction.

Without an id, undoes the most recent done transaction of the identity
given with --as. Undo is refused with EXPIRED when another transaction
has changed one of the documents since.

Exit codes:
  0 - Undone, or nothing to undo
  1 - Undo refused (EXPIRED, PERMISSION_DENIED, duplicate delivery)
  2 - Command error (bad config, database not found, etc.)

Examples:
  txlog undo
  txlog undo 0190a1b2-...
  txlog undo --as alice --format json`)
}

// NewRedoCommand creates the redo command.
func NewRedoCommand(rootOpts *RootOptions) *cobra.Command {
	return newReplayCommand(rootOpts, "redo", "Redo an undone transaction", `Redo an undone transaction.

Without an id, redoes the most recently undone transaction of the
identity given with --as. The exit codes are those of undo.

Examples:
  txlog redo
  txlog redo 0190a1b2-... --timeout 10s`)
}

func newReplayCommand(rootOpts *RootOptions, op, short, long string) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           op + " [transaction-id]",
		Short:         short,
		Long:          long,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return runReplay(cmd.Context(), opts, op, id, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the executor")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, op, id string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, cmd)

	e, err := openEnv(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx = principal(ctx, opts.RootOptions)

	async := executor.NewAsync(e.exec, executor.WithAsyncLogger(e.logger))
	var future *executor.Future[*txn.Outcome]
	if op == "undo" {
		future = async.UndoLast(ctx, id)
	} else {
		future = async.RedoLast(ctx, id)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if _, err := future.Wait(waitCtx); err != nil && !future.Resolved() {
		e.logger.Warn("executor call still running, abandoning it", "op", op, "transaction_id", id)
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s did not finish within %s", op, opts.Timeout), err)
	}
	async.Wait()
	out, err := future.Wait(ctx)

	if errors.Is(err, executor.ErrDuplicateDelivery) {
		if ferr := f.Error("E_DUPLICATE_DELIVERY", err.Error(), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, op+" already in progress", err)
	}
	if err != nil {
		return engineFailure(f, op, err)
	}

	result := ReplayResult{
		Op:            op,
		TransactionID: out.TransactionID,
		Applied:       out.Applied,
		Failed:        out.Failed,
	}
	return f.Emit(result, func(w io.Writer) {
		writeReplayText(w, result)
	})
}

func writeReplayText(w io.Writer, r ReplayResult) {
	if !r.Applied {
		fmt.Fprintf(w, "Nothing to %s.\n", r.Op)
		return
	}
	fmt.Fprintf(w, "✓ %s %s\n", r.Op, r.TransactionID)
	if r.Failed > 0 {
		fmt.Fprintf(w, "  %d action(s) failed and were left unmarked; inspect with: txlog show %s\n", r.Failed, r.TransactionID)
	}
}
