package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/txlog/internal/record"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Owner  string
	States []string
	Since  time.Duration
	Limit  int
}

// TransactionSummary is one row of the list output.
type TransactionSummary struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	Description  string    `json:"description"`
	State        string    `json:"state"`
	Expired      bool      `json:"expired"`
	Items        int       `json:"items"`
	LastModified time.Time `json:"last_modified"`
	Seq          int64     `json:"seq"`
}

// ListResult holds the list output.
type ListResult struct {
	Transactions []TransactionSummary `json:"transactions"`
	Total        int                  `json:"total"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions in the log",
		Long: `List transaction records, oldest first.

Filters combine: a record must match every one given. --state may be
repeated (pending, done, rolledBack, undone).

Examples:
  txlog list
  txlog list --owner alice --state done --state undone
  txlog list --state pending --format json
  txlog list --since 24h --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "only transactions of this identity")
	cmd.Flags().StringArrayVar(&opts.States, "state", nil, "only transactions in this state (repeatable)")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only transactions modified within this duration")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of transactions (0 = no limit)")

	return cmd
}

// listFilter converts the flags into a log filter.
func listFilter(opts *ListOptions, now time.Time) (record.Filter, error) {
	f := record.Filter{Owner: opts.Owner, Limit: opts.Limit}
	if opts.Limit < 0 {
		return f, fmt.Errorf("--limit must not be negative")
	}
	if opts.Since < 0 {
		return f, fmt.Errorf("--since must not be negative")
	}
	if opts.Since > 0 {
		f.Since = now.Add(-opts.Since)
	}
	for _, s := range opts.States {
		switch st := record.State(s); st {
		case record.StatePending, record.StateDone, record.StateRolledBack, record.StateUndone:
			f.States = append(f.States, st)
		default:
			return f, fmt.Errorf("unknown state %q (want pending, done, rolledBack or undone)", s)
		}
	}
	return f, nil
}

func runList(ctx context.Context, opts *ListOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, cmd)

	filter, err := listFilter(opts, time.Now().UTC())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	e, err := openEnv(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	txns, err := e.store.ListTransactions(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list transactions", err)
	}

	result := ListResult{
		Transactions: make([]TransactionSummary, 0, len(txns)),
		Total:        len(txns),
	}
	for _, t := range txns {
		result.Transactions = append(result.Transactions, summarize(t))
	}

	return f.Emit(result, func(w io.Writer) {
		writeListText(w, result)
	})
}

func summarize(t *record.Transaction) TransactionSummary {
	return TransactionSummary{
		ID:           t.ID,
		Owner:        t.Owner,
		Description:  t.Description,
		State:        string(t.State),
		Expired:      t.Expired,
		Items:        len(t.Items),
		LastModified: t.LastModified,
		Seq:          t.Seq,
	}
}

func writeListText(w io.Writer, r ListResult) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No transactions found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-10s  %-12s  %5s  %-20s  %s\n", "ID", "STATE", "OWNER", "ITEMS", "LAST MODIFIED", "DESCRIPTION")
	for _, t := range r.Transactions {
		state := t.State
		if t.Expired {
			state += "*"
		}
		owner := t.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%-36s  %-10s  %-12s  %5d  %-20s  %s\n",
			t.ID, state, owner, t.Items, t.LastModified.Format(time.RFC3339), t.Description)
	}
	fmt.Fprintf(w, "\n%d transaction(s); * marks expired\n", r.Total)
}
