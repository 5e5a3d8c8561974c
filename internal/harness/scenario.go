package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/txn"
)

// Scenario is a scripted sequence of transaction operations run against a
// fresh store, followed by assertions on the trace and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides engine settings for this scenario.
	Config EngineConfig `yaml:"config,omitempty"`

	// Principal is the identity every step runs as. Empty means anonymous.
	Principal string `yaml:"principal,omitempty"`

	// Setup documents are written straight to the store before the flow.
	Setup []SeedDocument `yaml:"setup,omitempty"`

	// Deny lists permission rules; a request matching any rule is refused.
	Deny []Rule `yaml:"deny,omitempty"`

	// Flow is the list of operations to run, in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// EngineConfig is the subset of engine settings a scenario may change.
type EngineConfig struct {
	RequireIdentity  bool   `yaml:"require_identity,omitempty"`
	DeleteRolledBack bool   `yaml:"delete_rolled_back,omitempty"`
	SoftDelete       bool   `yaml:"soft_delete,omitempty"`
	Recovery         string `yaml:"recovery,omitempty"`
}

// TxnConfig converts the scenario settings into an engine configuration.
func (c EngineConfig) TxnConfig() (txn.Config, error) {
	cfg := txn.DefaultConfig()
	cfg.RequireIdentity = c.RequireIdentity
	cfg.DeleteRolledBack = c.DeleteRolledBack
	cfg.SoftDelete = c.SoftDelete
	if c.Recovery != "" {
		policy, err := txn.ParseRecoveryPolicy(c.Recovery)
		if err != nil {
			return txn.Config{}, err
		}
		cfg.Recovery = policy
	}
	return cfg, cfg.Validate()
}

// SeedDocument is a document written before the flow starts.
type SeedDocument struct {
	Collection string         `yaml:"collection"`
	Document   map[string]any `yaml:"document"`
}

// Rule matches permission requests. Empty fields match anything.
type Rule struct {
	Collection string `yaml:"collection,omitempty"`
	Kind       string `yaml:"kind,omitempty"`
	ID         string `yaml:"id,omitempty"`
	Replay     string `yaml:"replay,omitempty"`
}

// Step is one operation in the flow. Which fields apply depends on Op.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Description names the transaction (start).
	Description string `yaml:"description,omitempty"`

	// Collection and ID address the target document.
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Document is the inserted document (insert).
	Document map[string]any `yaml:"document,omitempty"`

	// Command and Fields describe the update (update).
	Command string         `yaml:"command,omitempty"`
	Fields  map[string]any `yaml:"fields,omitempty"`

	// Inverse replaces the calculated inverse of an update.
	Inverse []UpdateSpec `yaml:"inverse,omitempty"`

	// Instant applies the action to the store when queued.
	Instant bool `yaml:"instant,omitempty"`

	// NoCheck bypasses the permission rules.
	NoCheck bool `yaml:"no_check,omitempty"`

	// Delete selects "soft" or "hard" removal; empty follows the config.
	Delete string `yaml:"delete,omitempty"`

	// Context is per-action metadata.
	Context map[string]any `yaml:"context,omitempty"`

	// Transaction targets a specific transaction (commit, undo, redo).
	Transaction string `yaml:"transaction,omitempty"`

	// Policy overrides the recovery policy (recover).
	Policy string `yaml:"policy,omitempty"`

	// Kind is the store operation to fail or heal (fail, heal).
	Kind string `yaml:"kind,omitempty"`

	// Expect is the expected outcome. Nil means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// UpdateSpec is one update of an explicit inverse.
type UpdateSpec struct {
	Command string         `yaml:"command"`
	Fields  map[string]any `yaml:"fields"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Error is the expected error code, e.g. EXPIRED.
	Error string `yaml:"error,omitempty"`

	// Applied is the expected Applied flag of an undo or redo.
	Applied *bool `yaml:"applied,omitempty"`

	// Started is the expected result of a start.
	Started *bool `yaml:"started,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Op is the operation name (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Args are the expected step arguments (trace_contains).
	// Subset match: only the listed fields are compared.
	Args map[string]any `yaml:"args,omitempty"`

	// Ops is the expected operation order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Collection and ID address a document (document, absent).
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Expect holds the expected document fields (document).
	// Subset match unless Exact is set.
	Expect map[string]any `yaml:"expect,omitempty"`
	Exact  bool           `yaml:"exact,omitempty"`

	// Transaction, State, Items and Expired check a log record (transaction).
	Transaction string   `yaml:"transaction,omitempty"`
	State       string   `yaml:"state,omitempty"`
	Items       []string `yaml:"items,omitempty"`
	Expired     *bool    `yaml:"expired,omitempty"`
}

// Step operations.
const (
	OpStart   = "start"
	OpInsert  = "insert"
	OpUpdate  = "update"
	OpRemove  = "remove"
	OpCommit  = "commit"
	OpCancel  = "cancel"
	OpUndo    = "undo"
	OpRedo    = "redo"
	OpRecover = "recover"
	OpFind    = "find"
	OpFail    = "fail"
	OpHeal    = "heal"
)

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertDocument      = "document"
	AssertAbsent        = "absent"
	AssertTransaction   = "transaction"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir, in lexical
// order. A non-empty filter is a glob matched against the file name
// without extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := s.Config.TxnConfig(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, seed := range s.Setup {
		if seed.Collection == "" {
			return fmt.Errorf("setup[%d]: collection is required", i)
		}
		if seed.Document == nil {
			return fmt.Errorf("setup[%d]: document is required", i)
		}
	}

	for i, rule := range s.Deny {
		if rule.Kind != "" {
			if err := validateKind(rule.Kind); err != nil {
				return fmt.Errorf("deny[%d]: %w", i, err)
			}
		}
	}

	for i := range s.Flow {
		if err := validateStep(&s.Flow[i]); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks the fields each operation needs.
func validateStep(step *Step) error {
	needTarget := func() error {
		if step.Collection == "" {
			return fmt.Errorf("collection is required for %s", step.Op)
		}
		if step.ID == "" {
			return fmt.Errorf("id is required for %s", step.Op)
		}
		return nil
	}

	switch step.Op {
	case "":
		return fmt.Errorf("op is required")

	case OpStart, OpCommit, OpCancel, OpUndo, OpRedo:
		return nil

	case OpInsert:
		if step.Collection == "" {
			return fmt.Errorf("collection is required for insert")
		}
		if step.Document == nil {
			return fmt.Errorf("document is required for insert")
		}

	case OpUpdate:
		if err := needTarget(); err != nil {
			return err
		}
		if step.Command == "" || len(step.Fields) == 0 {
			return fmt.Errorf("command and fields are required for update")
		}
		for i, u := range step.Inverse {
			if u.Command == "" || len(u.Fields) == 0 {
				return fmt.Errorf("inverse[%d]: command and fields are required", i)
			}
		}

	case OpRemove:
		if err := needTarget(); err != nil {
			return err
		}
		if step.Delete != "" && step.Delete != "soft" && step.Delete != "hard" {
			return fmt.Errorf("delete must be soft or hard, got %q", step.Delete)
		}

	case OpRecover:
		if step.Policy != "" {
			if _, err := txn.ParseRecoveryPolicy(step.Policy); err != nil {
				return err
			}
		}

	case OpFind:
		return needTarget()

	case OpFail, OpHeal:
		if err := needTarget(); err != nil {
			return err
		}
		return validateKind(step.Kind)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	return nil
}

func validateKind(kind string) error {
	switch record.Kind(kind) {
	case record.KindInsert, record.KindUpdate, record.KindRemove:
		return nil
	default:
		return fmt.Errorf("kind must be insert, update or remove, got %q", kind)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertDocument:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: collection and id are required for document", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for document", index)
		}
	case AssertAbsent:
		if a.Collection == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: collection and id are required for absent", index)
		}
	case AssertTransaction:
		if a.Transaction == "" {
			return fmt.Errorf("assertions[%d]: transaction is required for transaction", index)
		}
		if a.State == "" && a.Items == nil && a.Expired == nil {
			return fmt.Errorf("assertions[%d]: one of state, items or expired is required for transaction", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// update converts a command name and field map into an update. Unknown
// commands are kept so the engine can reject or pass them through.
func update(command string, fields map[string]any) (mutation.Update, error) {
	obj, err := doc.ObjectFromGo(fields)
	if err != nil {
		return mutation.Update{}, err
	}
	return mutation.FromObject(mutation.Command(command), obj), nil
}
