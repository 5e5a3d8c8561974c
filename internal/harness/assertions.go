package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == EventInvocation {
				fmt.Fprintf(&buf, "  [%d] %s %v\n", i+1, event.Op, event.Args)
			}
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an invocation of the
// operation with matching args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventInvocation && event.Op == assertion.Op && matchArgs(event.Args, assertion.Args) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("op %s with args %v", assertion.Op, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if operations appear in the specified order.
// Operations don't need to be consecutive, and a name listed twice must
// occur twice.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Ops) {
			break
		}
		if event.Type == EventInvocation && event.Op == assertion.Ops[next] {
			next++
		}
	}

	if next < len(assertion.Ops) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
			Actual:   fmt.Sprintf("%s (position %d) not found after %v", assertion.Ops[next], next+1, assertion.Ops[:next]),
			Trace:    trace,
		}
	}

	return nil
}

// assertTraceCount checks if the operation appears exactly the specified
// number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Op == assertion.Op {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertDocument checks that a document exists and holds the expected
// fields. Nested objects and arrays compare by value.
func assertDocument(ctx context.Context, st *store.Store, assertion Assertion) error {
	actual, ok, err := st.Collection(assertion.Collection).FindOne(ctx, doc.ByID(assertion.ID))
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", assertion.Collection, assertion.ID, err)
	}
	if !ok {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("document %s/%s", assertion.Collection, assertion.ID),
			Actual:   "document not found",
		}
	}

	expected, err := doc.ObjectFromGo(assertion.Expect)
	if err != nil {
		return fmt.Errorf("document assertion expect: %w", err)
	}

	if assertion.Exact {
		if !doc.Equal(expected, actual) {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: canonical(expected),
				Actual:   canonical(actual),
			}
		}
		return nil
	}

	for _, key := range expected.SortedKeys() {
		got, exists := actual.Get(key)
		if !exists {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("field %q = %s", key, canonical(expected[key])),
				Actual:   fmt.Sprintf("field %q missing from %s", key, canonical(actual)),
			}
		}
		if !doc.Equal(expected[key], got) {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("field %q = %s", key, canonical(expected[key])),
				Actual:   fmt.Sprintf("field %q = %s", key, canonical(got)),
			}
		}
	}

	return nil
}

// assertAbsent checks that a document does not exist.
func assertAbsent(ctx context.Context, st *store.Store, assertion Assertion) error {
	actual, ok, err := st.Collection(assertion.Collection).FindOne(ctx, doc.ByID(assertion.ID))
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", assertion.Collection, assertion.ID, err)
	}
	if ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("no document %s/%s", assertion.Collection, assertion.ID),
			Actual:   canonical(actual),
		}
	}
	return nil
}

// assertTransaction checks the state of a transaction log record.
// An expected state of "missing" asserts that no record exists.
func assertTransaction(ctx context.Context, st *store.Store, assertion Assertion) error {
	t, err := st.GetTransaction(ctx, assertion.Transaction)
	if errors.Is(err, record.ErrTransactionNotFound) {
		if assertion.State == "missing" {
			return nil
		}
		return &AssertionError{
			Type:     AssertTransaction,
			Expected: fmt.Sprintf("transaction %s", assertion.Transaction),
			Actual:   "transaction not found",
		}
	}
	if err != nil {
		return fmt.Errorf("read transaction %s: %w", assertion.Transaction, err)
	}

	if assertion.State != "" && string(t.State) != assertion.State {
		return &AssertionError{
			Type:     AssertTransaction,
			Expected: fmt.Sprintf("transaction %s in state %s", t.ID, assertion.State),
			Actual:   fmt.Sprintf("state %s", t.State),
		}
	}

	if assertion.Items != nil {
		states := make([]string, len(t.Items))
		for i, item := range t.Items {
			states[i] = string(item.State)
		}
		if strings.Join(states, ",") != strings.Join(assertion.Items, ",") {
			return &AssertionError{
				Type:     AssertTransaction,
				Expected: fmt.Sprintf("transaction %s item states %v", t.ID, assertion.Items),
				Actual:   fmt.Sprintf("item states %v", states),
			}
		}
	}

	if assertion.Expired != nil && t.Expired != *assertion.Expired {
		return &AssertionError{
			Type:     AssertTransaction,
			Expected: fmt.Sprintf("transaction %s expired=%t", t.ID, *assertion.Expired),
			Actual:   fmt.Sprintf("expired=%t", t.Expired),
		}
	}

	return nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares two decoded values as documents, so an int from YAML
// equals the same int64 from the store.
func valuesEqual(actual, expected any) bool {
	a, err := doc.FromGo(actual)
	if err != nil {
		return false
	}
	e, err := doc.FromGo(expected)
	if err != nil {
		return false
	}
	return doc.Equal(a, e)
}

func canonical(v doc.Value) string {
	s, err := doc.MarshalCanonicalString(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for state assertions; they are
// reported as failures when it is nil.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertDocument, AssertAbsent, AssertTransaction:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("%s assertion requires store access", assertion.Type)
				break
			}
			ctx := actx.Ctx
			if ctx == nil {
				ctx = context.Background()
			}
			switch assertion.Type {
			case AssertDocument:
				err = assertDocument(ctx, actx.Store, assertion)
			case AssertAbsent:
				err = assertAbsent(ctx, actx.Store, assertion)
			default:
				err = assertTransaction(ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}

		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, assertion.Type, err))
		}
	}

	return errs
}
