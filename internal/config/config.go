// Package config loads txlog settings from an optional YAML file and
// TXLOG_* environment variables, and validates the result against an
// embedded CUE schema.
//
// Precedence, lowest first: built-in defaults, the file, the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/txlog/internal/txn"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full runtime configuration.
type Config struct {
	// Database is the SQLite file holding the transaction log, and the
	// documents unless PostgresURL is set.
	Database string `yaml:"database" json:"database"`

	// PostgresURL moves document collections to PostgreSQL.
	PostgresURL string `yaml:"postgres_url" json:"postgres_url"`

	// RedisURL enables the at-most-once delivery guard.
	RedisURL string `yaml:"redis_url" json:"redis_url"`

	Log    Log    `yaml:"log" json:"log"`
	Engine Engine `yaml:"engine" json:"engine"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Engine mirrors txn.Config in file form.
type Engine struct {
	RequireIdentity  bool   `yaml:"require_identity" json:"require_identity"`
	IdleTimeout      string `yaml:"idle_timeout" json:"idle_timeout"`
	Recovery         string `yaml:"recovery" json:"recovery"`
	DeleteRolledBack bool   `yaml:"delete_rolled_back" json:"delete_rolled_back"`
	TxnField         string `yaml:"txn_field" json:"txn_field"`
	TombstoneField   string `yaml:"tombstone_field" json:"tombstone_field"`
	SoftDelete       bool   `yaml:"soft_delete" json:"soft_delete"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Database: "txlog.db",
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Engine: Engine{
			IdleTimeout:    "0",
			Recovery:       string(txn.RecoverComplete),
			TxnField:       txn.DefaultTxnField,
			TombstoneField: txn.DefaultTombstoneField,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode reads YAML into cfg, rejecting unknown keys. An empty file keeps
// the defaults.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg from TXLOG_* variables. Empty values are ignored.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("TXLOG_DATABASE", &cfg.Database)
	str("TXLOG_POSTGRES_URL", &cfg.PostgresURL)
	str("TXLOG_REDIS_URL", &cfg.RedisURL)
	str("TXLOG_LOG_LEVEL", &cfg.Log.Level)
	str("TXLOG_LOG_FORMAT", &cfg.Log.Format)
	str("TXLOG_IDLE_TIMEOUT", &cfg.Engine.IdleTimeout)
	str("TXLOG_RECOVERY", &cfg.Engine.Recovery)
	str("TXLOG_TXN_FIELD", &cfg.Engine.TxnField)
	str("TXLOG_TOMBSTONE_FIELD", &cfg.Engine.TombstoneField)

	for key, dst := range map[string]*bool{
		"TXLOG_REQUIRE_IDENTITY":   &cfg.Engine.RequireIdentity,
		"TXLOG_DELETE_ROLLED_BACK": &cfg.Engine.DeleteRolledBack,
		"TXLOG_SOFT_DELETE":        &cfg.Engine.SoftDelete,
	} {
		if err := boolean(key, dst); err != nil {
			return fmt.Errorf("environment: %w", err)
		}
	}
	return nil
}

// Validate checks cfg against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Issues: issues(err)}
	}
	return nil
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

func issues(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// TxnConfig converts the engine section.
func (c Config) TxnConfig() (txn.Config, error) {
	timeout, err := time.ParseDuration(c.Engine.IdleTimeout)
	if err != nil {
		return txn.Config{}, fmt.Errorf("idle_timeout: %w", err)
	}
	policy, err := txn.ParseRecoveryPolicy(c.Engine.Recovery)
	if err != nil {
		return txn.Config{}, err
	}
	cfg := txn.Config{
		RequireIdentity:  c.Engine.RequireIdentity,
		IdleTimeout:      timeout,
		Recovery:         policy,
		DeleteRolledBack: c.Engine.DeleteRolledBack,
		TxnField:         c.Engine.TxnField,
		TombstoneField:   c.Engine.TombstoneField,
		SoftDelete:       c.Engine.SoftDelete,
	}
	return cfg, cfg.Validate()
}

// Logger builds a slog.Logger writing to w. verbose forces debug level.
func (c Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
