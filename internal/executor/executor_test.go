package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/txn"
)

// countingExecutor records calls and returns canned results.
type countingExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	err     error
	release chan struct{}
	panics  bool

	// notApplied makes replays report that nothing was eligible.
	notApplied bool
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{calls: make(map[string]int)}
}

func (c *countingExecutor) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingExecutor) enter(op string) error {
	c.mu.Lock()
	c.calls[op]++
	err, release, panics := c.err, c.release, c.panics
	c.mu.Unlock()

	if release != nil {
		<-release
	}
	if panics {
		panic("executor exploded")
	}
	return err
}

func (c *countingExecutor) Process(_ context.Context, t *record.Transaction) (*txn.CommitResult, error) {
	if err := c.enter("process"); err != nil {
		return nil, err
	}
	return &txn.CommitResult{TransactionID: t.ID}, nil
}

func (c *countingExecutor) UndoLast(_ context.Context, id string) (*txn.Outcome, error) {
	if err := c.enter("undo"); err != nil {
		return nil, err
	}
	return c.outcome(id), nil
}

func (c *countingExecutor) RedoLast(_ context.Context, id string) (*txn.Outcome, error) {
	if err := c.enter("redo"); err != nil {
		return nil, err
	}
	return c.outcome(id), nil
}

func (c *countingExecutor) outcome(id string) *txn.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &txn.Outcome{TransactionID: id, Applied: !c.notApplied}
}

var errBackend = errors.New("backend unavailable")
