package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RuleStore persists operator-defined expression rules.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error)
	DisableRuleConfig(ctx context.Context, ruleID string) error
}

// Manager keeps the serving engine in step with the stored expression rules.
// Saved or disabled rules take effect on the next Reload.
type Manager struct {
	store    RuleStore
	builder  *Builder
	registry *Registry

	// OnReload, when set, is called with every newly installed engine.
	OnReload func(*Engine)
}

// NewManager builds the initial engine from the store and returns a manager serving it.
// A stored rule that fails to compile is a *domain.ConfigurationError.
func NewManager(ctx context.Context, store RuleStore, builder *Builder) (*Manager, error) {
	configs, err := store.ListRuleConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule configs: %w", err)
	}

	engine, err := builder.Build(configs)
	if err != nil {
		return nil, err
	}

	return &Manager{
		store:    store,
		builder:  builder,
		registry: NewRegistry(engine),
	}, nil
}

// Registry returns the registry serving evaluations.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Active returns the descriptors of the serving engine in evaluation order.
func (m *Manager) Active() []domain.RuleDescriptor {
	return m.registry.Engine().Rules()
}

// Save compiles cfg and stores it. It does not change the serving engine.
func (m *Manager) Save(ctx context.Context, cfg *domain.RuleConfig) error {
	if _, err := m.builder.Compiler.Compile(cfg); err != nil {
		return err
	}
	if IsReferenceRule(cfg.ID) {
		return &domain.ConfigurationError{RuleID: cfg.ID, Reason: "id is reserved by a built-in rule"}
	}

	if err := m.store.SaveRuleConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save rule config: %w", err)
	}
	slog.Info("rule saved", "rule_id", cfg.ID, "name", cfg.Name, "enabled", cfg.Enabled)
	return nil
}

// Disable soft-deletes a stored expression rule.
func (m *Manager) Disable(ctx context.Context, ruleID string) error {
	if err := m.store.DisableRuleConfig(ctx, ruleID); err != nil {
		return err
	}
	slog.Info("rule disabled", "rule_id", ruleID)
	return nil
}

// Reload rebuilds the engine from the stored rules and swaps it in.
// On failure the serving engine is left untouched.
func (m *Manager) Reload(ctx context.Context) (*Engine, error) {
	configs, err := m.store.ListRuleConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule configs: %w", err)
	}

	engine, err := m.builder.Build(configs)
	if err != nil {
		return nil, err
	}

	m.registry.Swap(engine)
	if m.OnReload != nil {
		m.OnReload(engine)
	}

	slog.Info("rules reloaded", "rules", engine.RulesCount(), "expression_rules", len(configs))
	return engine, nil
}
