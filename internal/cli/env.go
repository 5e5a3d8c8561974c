package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/txlog/internal/config"
	"github.com/roach88/txlog/internal/executor"
	"github.com/roach88/txlog/internal/pgstore"
	"github.com/roach88/txlog/internal/store"
	"github.com/roach88/txlog/internal/txn"
)

// env is everything a command needs to reach the log and the documents.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	pg     *pgstore.Store
	engine *txn.Engine
	guard  *executor.Guard

	// exec is the engine, behind the Redis guard when one is configured.
	exec txn.Executor
}

// loadConfig reads the config file and applies the --db override.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openEnv opens the stores and builds the engine. The caller must Close it.
func openEnv(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	txnCfg, err := cfg.TxnConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid engine config", err)
	}

	e := &env{
		cfg:    cfg,
		logger: cfg.Logger(cmd.ErrOrStderr(), opts.Verbose),
	}

	e.store, err = store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	var registry txn.Registry = txn.RegistryFunc(func(name string) (txn.Collection, error) {
		return e.store.Collection(name), nil
	})
	if cfg.PostgresURL != "" {
		e.pg, err = pgstore.Open(ctx, cfg.PostgresURL)
		if err != nil {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open postgres", err)
		}
		registry = txn.RegistryFunc(func(name string) (txn.Collection, error) {
			return e.pg.Collection(name), nil
		})
	}

	// Resume the logical clock after the highest seq already in the log.
	seq, err := e.store.MaxSeq(ctx)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to read log sequence", err)
	}

	e.engine = txn.New(e.store, registry,
		txn.WithConfig(txnCfg),
		txn.WithLogger(e.logger),
		txn.WithClock(txn.NewClockAt(seq)),
	)
	e.exec = e.engine

	if cfg.RedisURL != "" {
		e.guard, err = executor.DialGuard(ctx, e.engine, e.store, cfg.RedisURL, executor.WithGuardLogger(e.logger))
		if err != nil {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		e.exec = e.guard
	}

	e.logger.Debug("environment ready",
		"database", cfg.Database,
		"postgres", cfg.PostgresURL != "",
		"guard", cfg.RedisURL != "",
		"seq", seq,
	)
	return e, nil
}

// Close releases every connection the env holds.
func (e *env) Close() {
	if e.guard != nil {
		e.guard.Close()
	}
	if e.pg != nil {
		e.pg.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// principal attaches the --as identity to ctx.
func principal(ctx context.Context, opts *RootOptions) context.Context {
	if opts.Principal == "" {
		return ctx
	}
	return txn.WithPrincipal(ctx, opts.Principal)
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// engineFailure maps an engine error to an exit error that keeps its code.
func engineFailure(f *OutputFormatter, op string, err error) error {
	code := string(txn.CodeOf(err))
	if code == "" {
		return WrapExitError(ExitCommandError, op+" failed", err)
	}
	if ferr := f.Error(code, err.Error(), nil); ferr != nil {
		return ferr
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("%s failed [%s]", op, code), err)
}
