package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/store"
	"github.com/roach88/txlog/internal/testutil"
	"github.com/roach88/txlog/internal/txn"
)

// IDPrefix prefixes every id the harness engine generates.
const IDPrefix = "id"

// Harness is the test execution engine for one scenario.
type Harness struct {
	store   *store.Store
	engine  *txn.Engine
	builder *txn.Builder
	faults  *faults
	clock   *txn.Clock
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Create fresh in-memory database and engine
//  2. Write setup documents
//  3. Execute flow steps, checking expect clauses
//  4. Evaluate assertions
//
// A step that does not meet its expectation fails the result but does not
// stop the flow. Only infrastructure failures are returned as errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg, err := scenario.Config.TxnConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		faults: newFaults(),
		clock:  txn.NewClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	registry := txn.RegistryFunc(func(name string) (txn.Collection, error) {
		return faultyCollection{inner: st.Collection(name), name: name, faults: h.faults}, nil
	})
	h.engine = txn.New(st, registry,
		txn.WithConfig(cfg),
		txn.WithLogger(h.logger),
		txn.WithIDGenerator(txn.NewSequenceGenerator(IDPrefix)),
		txn.WithWallClock(testutil.NewDeterministicClock()),
		txn.WithPermission(denyRules(scenario.Deny)),
	)
	h.builder = h.engine.NewBuilder()

	if scenario.Principal != "" {
		ctx = txn.WithPrincipal(ctx, scenario.Principal)
	}

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	h.executeFlow(ctx, scenario.Flow, result)

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// executeSetup writes the setup documents straight to the store.
func (h *Harness) executeSetup(ctx context.Context, setup []SeedDocument) error {
	for i, seed := range setup {
		d, err := doc.ObjectFromGo(seed.Document)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if _, err := h.store.Collection(seed.Collection).Insert(ctx, d); err != nil {
			return fmt.Errorf("setup[%d]: insert into %s: %w", i, seed.Collection, err)
		}
	}
	return nil
}

// executeFlow runs every step, tracing its invocation and completion and
// checking its expect clause.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) {
	for i, step := range flow {
		result.AddInvocationTrace(step.Op, stepArgs(step), h.clock.Next())

		out, err := h.execute(ctx, step)

		outcome := OutcomeOK
		if err != nil {
			outcome = errorCode(err)
		}
		result.AddCompletionTrace(outcome, out, h.clock.Next())

		for _, msg := range checkExpect(step, out, err) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Op, msg))
		}

		h.logger.Debug("flow step completed", "step", i, "op", step.Op, "outcome", outcome)
	}
}

// execute runs one step and returns its traced result.
func (h *Harness) execute(ctx context.Context, step Step) (map[string]any, error) {
	switch step.Op {
	case OpStart:
		id, ok := h.builder.Start(ctx, step.Description)
		out := map[string]any{"started": ok}
		if id != "" {
			out["transaction_id"] = id
		}
		return out, nil

	case OpInsert:
		d, err := doc.ObjectFromGo(step.Document)
		if err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
		opts, err := actionOptions(step)
		if err != nil {
			return nil, err
		}
		id, err := h.builder.Insert(ctx, step.Collection, d, opts...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil

	case OpUpdate:
		u, err := update(step.Command, step.Fields)
		if err != nil {
			return nil, fmt.Errorf("fields: %w", err)
		}
		opts, err := actionOptions(step)
		if err != nil {
			return nil, err
		}
		return nil, h.builder.Update(ctx, step.Collection, step.ID, u, opts...)

	case OpRemove:
		opts, err := actionOptions(step)
		if err != nil {
			return nil, err
		}
		return nil, h.builder.Remove(ctx, step.Collection, step.ID, opts...)

	case OpCommit:
		var opts []txn.CommitOption
		if step.Transaction != "" {
			opts = append(opts, txn.WithTransactionID(step.Transaction))
		}
		res, err := h.builder.Commit(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return commitResult(res), nil

	case OpCancel:
		return nil, h.builder.Cancel(ctx)

	case OpUndo:
		out, err := h.engine.UndoLast(ctx, step.Transaction)
		if err != nil {
			return nil, err
		}
		return outcomeResult(out), nil

	case OpRedo:
		out, err := h.engine.RedoLast(ctx, step.Transaction)
		if err != nil {
			return nil, err
		}
		return outcomeResult(out), nil

	case OpRecover:
		var (
			report *txn.RecoveryReport
			err    error
		)
		if step.Policy == "" {
			report, err = h.engine.Recover(ctx)
		} else {
			report, err = h.engine.RecoverWith(ctx, txn.RecoveryPolicy(step.Policy))
		}
		if err != nil {
			return nil, err
		}
		return recoveryResult(report), nil

	case OpFind:
		d, ok, err := h.store.Collection(step.Collection).FindOne(ctx, doc.ByID(step.ID))
		if err != nil {
			return nil, err
		}
		out := map[string]any{"found": ok}
		if ok {
			out["document"] = d
		}
		return out, nil

	case OpFail, OpHeal:
		h.faults.set(faultKey{step.Collection, record.Kind(step.Kind), step.ID}, step.Op == OpFail)
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

// actionOptions converts step flags into builder options.
func actionOptions(step Step) ([]txn.ActionOption, error) {
	var opts []txn.ActionOption
	if step.Instant {
		opts = append(opts, txn.Instant())
	}
	if step.NoCheck {
		opts = append(opts, txn.NoCheck())
	}
	switch step.Delete {
	case "soft":
		opts = append(opts, txn.Soft())
	case "hard":
		opts = append(opts, txn.Hard())
	}
	if step.Context != nil {
		c, err := doc.ObjectFromGo(step.Context)
		if err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}
		opts = append(opts, txn.WithContext(c))
	}
	if len(step.Inverse) > 0 {
		inverse := make([]mutation.Update, 0, len(step.Inverse))
		for i, spec := range step.Inverse {
			u, err := update(spec.Command, spec.Fields)
			if err != nil {
				return nil, fmt.Errorf("inverse[%d]: %w", i, err)
			}
			inverse = append(inverse, u)
		}
		opts = append(opts, txn.WithInverse(inverse...))
	}
	return opts, nil
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(step Step, out map[string]any, err error) []string {
	var problems []string

	want := step.Expect
	if want == nil {
		want = &Expect{}
	}

	switch {
	case want.Error == "" && err != nil:
		problems = append(problems, fmt.Sprintf("unexpected error: %v", err))
	case want.Error != "" && err == nil:
		problems = append(problems, fmt.Sprintf("expected error %s, got success", want.Error))
	case want.Error != "" && errorCode(err) != want.Error:
		problems = append(problems, fmt.Sprintf("expected error %s, got %s (%v)", want.Error, errorCode(err), err))
	}

	if want.Applied != nil && err == nil && out["applied"] != *want.Applied {
		problems = append(problems, fmt.Sprintf("expected applied=%t, got %v", *want.Applied, out["applied"]))
	}
	if want.Started != nil && err == nil && out["started"] != *want.Started {
		problems = append(problems, fmt.Sprintf("expected started=%t, got %v", *want.Started, out["started"]))
	}

	return problems
}

// errorCode names an error for the trace: its engine code, or ERROR for
// anything else.
func errorCode(err error) string {
	if code := txn.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

// stepArgs collects the arguments of a step for its invocation event.
func stepArgs(s Step) map[string]any {
	args := make(map[string]any)
	put := func(key string, v any, set bool) {
		if set {
			args[key] = v
		}
	}

	put("description", s.Description, s.Description != "")
	put("collection", s.Collection, s.Collection != "")
	put("id", s.ID, s.ID != "")
	put("document", s.Document, s.Document != nil)
	put("command", s.Command, s.Command != "")
	put("fields", s.Fields, s.Fields != nil)
	put("instant", true, s.Instant)
	put("no_check", true, s.NoCheck)
	put("delete", s.Delete, s.Delete != "")
	put("context", s.Context, s.Context != nil)
	put("transaction", s.Transaction, s.Transaction != "")
	put("policy", s.Policy, s.Policy != "")
	put("kind", s.Kind, s.Kind != "")

	if len(s.Inverse) > 0 {
		inverse := make([]any, len(s.Inverse))
		for i, u := range s.Inverse {
			inverse[i] = map[string]any{"command": u.Command, "fields": u.Fields}
		}
		args["inverse"] = inverse
	}

	if len(args) == 0 {
		return nil
	}
	return args
}

func commitResult(res *txn.CommitResult) map[string]any {
	out := map[string]any{}
	if res.TransactionID != "" {
		out["transaction_id"] = res.TransactionID
	}
	if len(res.NewIDs) > 0 {
		ids := make(map[string]any, len(res.NewIDs))
		for coll, list := range res.NewIDs {
			ids[coll] = stringList(list)
		}
		out["new_ids"] = ids
	}
	put := func(key string, flag bool) {
		if flag {
			out[key] = true
		}
	}
	put("duplicate", res.Duplicate)
	put("deferred", res.Deferred)
	put("empty", res.Empty)
	return out
}

func outcomeResult(o *txn.Outcome) map[string]any {
	out := map[string]any{
		"applied": o.Applied,
		"failed":  o.Failed,
	}
	if o.TransactionID != "" {
		out["transaction_id"] = o.TransactionID
	}
	return out
}

func recoveryResult(r *txn.RecoveryReport) map[string]any {
	out := map[string]any{
		"policy":  string(r.Policy),
		"scanned": r.Scanned,
	}
	lists := map[string][]string{
		"completed":   r.Completed,
		"rolled_back": r.RolledBack,
		"skipped":     r.Skipped,
		"failed":      r.Failed,
	}
	for key, ids := range lists {
		if len(ids) > 0 {
			out[key] = stringList(ids)
		}
	}
	return out
}

func stringList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
