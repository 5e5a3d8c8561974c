package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/txn"
)

// ErrDuplicateDelivery is returned when the same request is already
// claimed.
var ErrDuplicateDelivery = errors.New("duplicate delivery")

// DefaultClaimTTL bounds how long a claim blocks redelivery.
const DefaultClaimTTL = 24 * time.Hour

// Versions reads the record an undo or redo targets. Its Seq changes on
// every state transition.
type Versions interface {
	GetTransaction(ctx context.Context, id string) (*record.Transaction, error)
}

// Guard is a txn.Executor that claims a Redis key with SETNX before
// delegating. A second delivery while the claim is held returns
// ErrDuplicateDelivery without reaching the wrapped executor.
//
// Process claims "<prefix>process:<id>" for good: a transaction commits
// once. UndoLast and RedoLast claim "<prefix><op>:<id>:<seq>", where seq is
// the record's Seq when the request arrives, so undo, redo and undo again
// are three requests while a redelivered undo is one. A call that fails,
// or a replay that applied nothing, releases its claim.
//
// UndoLast and RedoLast without an id have no stable key and pass through
// unguarded.
type Guard struct {
	exec     txn.Executor
	versions Versions
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	logger   *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClaimTTL sets the claim lifetime. Default: DefaultClaimTTL.
func WithClaimTTL(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.ttl = d
	}
}

// WithKeyPrefix sets the Redis key prefix. Default: "txlog:".
func WithKeyPrefix(p string) GuardOption {
	return func(g *Guard) {
		g.prefix = p
	}
}

// WithGuardLogger sets the logger. Default: slog.Default().
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = l
	}
}

// NewGuard wraps exec using an existing client. versions is usually the
// transaction log exec writes to.
func NewGuard(exec txn.Executor, versions Versions, client *redis.Client, opts ...GuardOption) *Guard {
	g := &Guard{
		exec:     exec,
		versions: versions,
		client:   client,
		prefix:   "txlog:",
		ttl:      DefaultClaimTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DialGuard connects to redisURL and wraps exec.
func DialGuard(ctx context.Context, exec txn.Executor, versions Versions, redisURL string, opts ...GuardOption) (*Guard, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewGuard(exec, versions, client, opts...), nil
}

// Close closes the Redis client.
func (g *Guard) Close() error {
	return g.client.Close()
}

// Process implements txn.Executor.
func (g *Guard) Process(ctx context.Context, t *record.Transaction) (*txn.CommitResult, error) {
	return claimed(ctx, g, g.prefix+"process:"+t.ID, "process", t.ID,
		func() (*txn.CommitResult, error) { return g.exec.Process(ctx, t) },
		func(*txn.CommitResult) bool { return true },
	)
}

// UndoLast implements txn.Executor.
func (g *Guard) UndoLast(ctx context.Context, id string) (*txn.Outcome, error) {
	return g.replay(ctx, "undo", id, g.exec.UndoLast)
}

// RedoLast implements txn.Executor.
func (g *Guard) RedoLast(ctx context.Context, id string) (*txn.Outcome, error) {
	return g.replay(ctx, "redo", id, g.exec.RedoLast)
}

func (g *Guard) replay(ctx context.Context, op, id string, fn func(context.Context, string) (*txn.Outcome, error)) (*txn.Outcome, error) {
	if id == "" {
		return fn(ctx, id)
	}
	key, err := g.replayKey(ctx, op, id)
	if err != nil {
		return nil, err
	}
	return claimed(ctx, g, key, op, id,
		func() (*txn.Outcome, error) { return fn(ctx, id) },
		func(o *txn.Outcome) bool { return o != nil && o.Applied },
	)
}

// replayKey names one request against one version of the record. An
// unknown id gets version 0; the engine decides what that means.
func (g *Guard) replayKey(ctx context.Context, op, id string) (string, error) {
	var seq int64
	t, err := g.versions.GetTransaction(ctx, id)
	switch {
	case errors.Is(err, record.ErrTransactionNotFound):
	case err != nil:
		return "", fmt.Errorf("read transaction %s: %w", id, err)
	default:
		seq = t.Seq
	}
	return g.prefix + op + ":" + id + ":" + strconv.FormatInt(seq, 10), nil
}

// claimed runs fn under key. keep reports whether a successful result
// should hold the claim until it expires.
func claimed[T any](ctx context.Context, g *Guard, key, op, id string, fn func() (T, error), keep func(T) bool) (T, error) {
	var zero T
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return zero, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		g.logger.Warn("duplicate delivery dropped", "op", op, "transaction_id", id, "key", key)
		return zero, fmt.Errorf("%s %s: %w", op, id, ErrDuplicateDelivery)
	}

	v, err := fn()
	if err != nil || !keep(v) {
		if derr := g.client.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			g.logger.Error("release claim failed", "key", key, "error", derr)
		}
	}
	return v, err
}
