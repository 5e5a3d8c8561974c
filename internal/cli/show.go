package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <transaction-id>",
		Short: "Show one transaction with its actions",
		Long: `Show a transaction record: its state, context and every action with
the forward and inverse updates recorded for it.

Examples:
  txlog show 0190a1b2-...
  txlog show 0190a1b2-... --format yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runShow(ctx context.Context, opts *RootOptions, id string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts, cmd)

	e, err := openEnv(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	t, err := e.store.GetTransaction(ctx, id)
	if errors.Is(err, record.ErrTransactionNotFound) {
		if ferr := f.Error("E_NOT_FOUND", fmt.Sprintf("transaction %s not found", id), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "transaction not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read transaction", err)
	}

	return f.Emit(t, func(w io.Writer) {
		writeTransactionText(w, t)
	})
}

func writeTransactionText(w io.Writer, t *record.Transaction) {
	fmt.Fprintf(w, "Transaction %s\n", t.ID)
	fmt.Fprintf(w, "  Description:   %s\n", t.Description)
	if t.Owner != "" {
		fmt.Fprintf(w, "  Owner:         %s\n", t.Owner)
	}
	state := string(t.State)
	if t.Expired {
		state += " (expired)"
	}
	fmt.Fprintf(w, "  State:         %s\n", state)
	fmt.Fprintf(w, "  Last modified: %s (seq %d)\n", t.LastModified.Format(time.RFC3339Nano), t.Seq)
	if t.UndoneAt != nil {
		fmt.Fprintf(w, "  Undone at:     %s\n", t.UndoneAt.Format(time.RFC3339Nano))
	}
	if len(t.Context) > 0 {
		fmt.Fprintf(w, "  Context:       %s\n", canonicalText(t.Context))
	}

	fmt.Fprintf(w, "\nActions (%d):\n", len(t.Items))
	for i, item := range t.Items {
		flags := ""
		if item.Instant {
			flags += " instant"
		}
		if item.NoCheck {
			flags += " no-check"
		}
		if item.Kind == record.KindRemove {
			if item.Hard {
				flags += " hard"
			} else {
				flags += " soft"
			}
		}
		fmt.Fprintf(w, "  [%d] %-6s %s/%s  %s%s\n", i, item.Kind, item.Collection, item.DocumentID, item.State, flags)

		if item.Forward != nil {
			fmt.Fprintf(w, "      forward: %s %s\n", item.Forward.Command, fieldsText(item.Forward.Fields))
		}
		for _, u := range item.Inverse {
			fmt.Fprintf(w, "      inverse: %s %s\n", u.Command, fieldsText(u.Fields))
		}
		if item.Document != nil {
			fmt.Fprintf(w, "      document: %s\n", canonicalText(item.Document))
		}
		if item.PriorTxnID != "" {
			fmt.Fprintf(w, "      prior transaction: %s\n", item.PriorTxnID)
		}
	}
}

func canonicalText(v doc.Value) string {
	s, err := doc.MarshalCanonicalString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// fieldsText renders update fields in order as {key: value, ...}.
func fieldsText(fields []mutation.Field) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, fld := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", fld.Key, canonicalText(fld.Value))
	}
	b.WriteByte('}')
	return b.String()
}
