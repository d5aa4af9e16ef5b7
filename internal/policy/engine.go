// Package policy gates tool execution through OPA rego policies. The agent
// consults the engine before every tool call; policies decide allow/deny and
// may demand human approval for sensitive tools.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/metrics"
)

// decisionQuery is the rego document every policy bundle must produce.
const decisionQuery = "data.loom.tool.decision"

// Mode selects how decisions are enforced.
type Mode string

const (
	// ModeOff skips evaluation entirely; everything is allowed.
	ModeOff Mode = "off"
	// ModePermissive evaluates and logs denials but never blocks.
	ModePermissive Mode = "permissive"
	// ModeEnforce blocks tool calls the policy denies.
	ModeEnforce Mode = "enforce"
)

type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Path is a .rego file or a directory of .rego files.
	Path string `mapstructure:"path"`
	Mode Mode   `mapstructure:"mode"`
	// FailClosed denies tool calls when the engine itself errors. The
	// default (fail-open) allows them and logs.
	FailClosed bool `mapstructure:"fail_closed"`
}

// ToolInput is the document handed to the policy for one tool call.
type ToolInput struct {
	WorkflowID string         `json:"workflow_id"`
	AgentName  string         `json:"agent_name"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Decision is the policy verdict for one tool call.
type Decision struct {
	Allow           bool   `json:"allow"`
	Reason          string `json:"reason,omitempty"`
	RequireApproval bool   `json:"require_approval,omitempty"`
}

// Engine evaluates tool-call policies. Safe for concurrent use after
// construction.
type Engine struct {
	config   Config
	logger   *zap.Logger
	prepared *rego.PreparedEvalQuery
}

// NewEngine compiles the configured policies. In fail-closed mode a broken
// or empty policy set is a hard error; fail-open degrades to allow-all.
func NewEngine(config Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Mode == "" {
		config.Mode = ModeOff
	}
	e := &Engine{config: config, logger: logger}
	if !config.Enabled || config.Mode == ModeOff {
		return e, nil
	}

	modules, err := loadModules(config.Path)
	if err == nil && len(modules) == 0 {
		err = faults.Errorf(faults.Configuration, "no .rego policies found at %s", config.Path)
	}
	if err == nil {
		err = e.compile(modules)
	}
	if err != nil {
		if config.FailClosed {
			return nil, err
		}
		logger.Warn("policy load failed, continuing fail-open", zap.Error(err))
		return e, nil
	}
	logger.Info("policies compiled",
		zap.Int("modules", len(modules)),
		zap.String("mode", string(config.Mode)),
		zap.String("query", decisionQuery))
	return e, nil
}

// NewEngineFromModule compiles a single in-memory rego module.
func NewEngineFromModule(config Config, module string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Mode == "" {
		config.Mode = ModeEnforce
	}
	e := &Engine{config: config, logger: logger}
	if err := e.compile(map[string]string{"inline": module}); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) compile(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return faults.Wrap(faults.Configuration, "compiling policies", err)
	}
	e.prepared = &prepared
	return nil
}

func loadModules(path string) (map[string]string, error) {
	if path == "" {
		return nil, faults.New(faults.Configuration, "policy path is required when policies are enabled")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, "reading policy path", err)
	}

	modules := make(map[string]string)
	addFile := func(p string) error {
		content, err := os.ReadFile(p)
		if err != nil {
			return faults.Wrap(faults.Configuration, "reading policy file "+p, err)
		}
		modules[strings.TrimSuffix(filepath.Base(p), ".rego")] = string(content)
		return nil
	}

	if !info.IsDir() {
		return modules, addFile(path)
	}
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			return addFile(p)
		}
		return nil
	})
	if err != nil {
		return nil, faults.Wrap(faults.Configuration, "walking policy directory", err)
	}
	return modules, nil
}

// Enabled reports whether evaluations will consult compiled policies.
func (e *Engine) Enabled() bool {
	return e.config.Enabled && e.config.Mode != ModeOff && e.prepared != nil
}

func (e *Engine) Mode() Mode { return e.config.Mode }

// EvaluateTool decides one tool call. Engine errors resolve per the
// fail-open/fail-closed configuration; permissive mode reports denials as
// allowed so callers can run while policies are being tuned.
func (e *Engine) EvaluateTool(ctx context.Context, input ToolInput) Decision {
	if !e.Enabled() {
		return Decision{Allow: true, Reason: "policy disabled"}
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	decision, err := e.eval(ctx, input)
	if err != nil {
		e.logger.Error("policy evaluation failed",
			zap.String("tool", input.Tool),
			zap.String("workflow_id", input.WorkflowID),
			zap.Error(err))
		if e.config.FailClosed {
			decision = Decision{Allow: false, Reason: "policy evaluation error"}
		} else {
			decision = Decision{Allow: true, Reason: "policy evaluation error (fail-open)"}
		}
	}

	if !decision.Allow && e.config.Mode == ModePermissive {
		e.logger.Warn("policy would deny tool call (permissive mode)",
			zap.String("tool", input.Tool),
			zap.String("workflow_id", input.WorkflowID),
			zap.String("reason", decision.Reason))
		decision.Allow = true
	}

	outcome := "allow"
	switch {
	case !decision.Allow:
		outcome = "deny"
	case decision.RequireApproval:
		outcome = "require_approval"
	}
	metrics.PolicyDecisions.WithLabelValues(outcome).Inc()
	return decision
}

func (e *Engine) eval(ctx context.Context, input ToolInput) (Decision, error) {
	doc := map[string]any{
		"workflow_id": input.WorkflowID,
		"agent_name":  input.AgentName,
		"tool":        input.Tool,
		"args":        input.Args,
		"timestamp":   input.Timestamp.UTC().Format(time.RFC3339),
	}
	results, err := e.prepared.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("rego eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy produced no %s document", decisionQuery)
	}
	raw, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("decision document is %T, want object", results[0].Expressions[0].Value)
	}

	var d Decision
	if v, ok := raw["allow"].(bool); ok {
		d.Allow = v
	}
	if v, ok := raw["reason"].(string); ok {
		d.Reason = v
	}
	if v, ok := raw["require_approval"].(bool); ok {
		d.RequireApproval = v
	}
	return d, nil
}
