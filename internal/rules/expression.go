package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Compiler turns operator-defined rule configs into CEL-backed rules.
type Compiler struct {
	env   *cel.Env
	clock Clock
}

// NewCompiler creates the CEL environment exposing transaction fields.
func NewCompiler(clock Clock) (*Compiler, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("merchant_name", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("customer_email", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Compiler{env: env, clock: clock}, nil
}

// Compile validates cfg and compiles its expression.
// All failures are *domain.ConfigurationError.
func (c *Compiler) Compile(cfg *domain.RuleConfig) (Rule, error) {
	if cfg == nil {
		return nil, &domain.ConfigurationError{Reason: "rule config is required"}
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.ConfigurationError{RuleID: cfg.ID, Reason: "invalid expression: " + issues.Err().Error()}
	}

	if ast.OutputType() != cel.BoolType {
		return nil, &domain.ConfigurationError{
			RuleID: cfg.ID,
			Reason: fmt.Sprintf("expression must return bool, got %s", ast.OutputType()),
		}
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, &domain.ConfigurationError{RuleID: cfg.ID, Reason: "failed to create program: " + err.Error()}
	}

	return &expressionRule{cfg: *cfg, program: program, clock: c.clock}, nil
}

func validateConfig(cfg *domain.RuleConfig) error {
	switch {
	case strings.TrimSpace(cfg.ID) == "":
		return &domain.ConfigurationError{Reason: "id is required"}
	case strings.TrimSpace(cfg.Name) == "":
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: "name is required"}
	case strings.TrimSpace(cfg.Expression) == "":
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: "expression is required"}
	case cfg.ScoreDelta < 0 || cfg.ScoreDelta > 1:
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: "scoreDelta must be between 0 and 1"}
	case !cfg.AlertType.Valid():
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: fmt.Sprintf("alertType %q must be an upper-snake tag", cfg.AlertType)}
	case !cfg.Severity.Valid():
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: fmt.Sprintf("unknown severity %q", cfg.Severity)}
	}
	return nil
}

type expressionRule struct {
	cfg     domain.RuleConfig
	program cel.Program
	clock   Clock
}

func (r *expressionRule) Descriptor() domain.RuleDescriptor {
	return domain.RuleDescriptor{
		ID:        r.cfg.ID,
		Name:      r.cfg.Name,
		AlertType: r.cfg.AlertType,
		Severity:  r.cfg.Severity,
		MaxDelta:  r.cfg.ScoreDelta,
		Kind:      domain.RuleKindExpression,
	}
}

// Evaluate treats an evaluation error as "did not fire" so the engine stays total.
func (r *expressionRule) Evaluate(tx domain.Transaction) Outcome {
	out, _, err := r.program.Eval(map[string]any{
		"amount":         tx.Amount.InexactFloat64(),
		"currency":       tx.Currency,
		"merchant_id":    tx.MerchantID,
		"merchant_name":  tx.MerchantName,
		"customer_id":    tx.CustomerID,
		"customer_email": tx.CustomerEmail,
		"location":       tx.Location,
		"ip_address":     tx.IPAddress,
		"device_id":      tx.DeviceID,
		"hour":           int64(r.clock.Now().Hour()),
	})
	if err != nil {
		return Outcome{}
	}
	if fired, ok := out.(types.Bool); !ok || !bool(fired) {
		return Outcome{}
	}

	description := r.cfg.Description
	if description == "" {
		description = fmt.Sprintf("Rule %s matched", r.cfg.ID)
	}
	return Outcome{
		ScoreDelta: r.cfg.ScoreDelta,
		Alert: &domain.Alert{
			Type:     r.cfg.AlertType,
			Severity: r.cfg.Severity,
			Title:    r.cfg.Name,
			Description: fmt.Sprintf("%s (amount %s %s)",
				description, tx.Amount.StringFixed(2), tx.Currency),
		},
	}
}

// Builder assembles engines from the scoring configuration plus stored expression rules.
type Builder struct {
	Config   domain.ScoringConfig
	Clock    Clock
	Signal   SignalProvider
	Compiler *Compiler
}

// NewBuilder creates a builder with a CEL compiler bound to clock.
func NewBuilder(cfg domain.ScoringConfig, clock Clock, signal SignalProvider) (*Builder, error) {
	compiler, err := NewCompiler(clock)
	if err != nil {
		return nil, err
	}
	return &Builder{Config: cfg, Clock: clock, Signal: signal, Compiler: compiler}, nil
}

// Build returns an engine running the enabled reference rules followed by the
// enabled expression rules ordered by ID.
func (b *Builder) Build(configs []*domain.RuleConfig) (*Engine, error) {
	list := ReferenceRules(b.Config, b.Clock, b.Signal)

	enabled := make([]*domain.RuleConfig, 0, len(configs))
	for _, cfg := range configs {
		if cfg != nil && cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	for _, cfg := range enabled {
		rule, err := b.Compiler.Compile(cfg)
		if err != nil {
			return nil, err
		}
		list = append(list, rule)
	}

	return NewEngine(list...)
}
