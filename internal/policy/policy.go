// Package policy is the single gate every tool invocation passes through.
// Rules are evaluated in a fixed order and the first blocker wins; the rule
// string travels into the policy.decision event, the denial error and the
// metrics label, so an operator can see exactly which gate closed.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"maestro/internal/eventlog"
	"maestro/internal/observability"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// Rule strings, in evaluation order. These are stable API: events, metrics
// and user-facing refusals all carry them verbatim.
const (
	RuleRestarting      = "R2: restarting"
	RuleLockdown        = "R1: lockdown"
	RuleSessionMainOnly = "R5: main-agent-only session tool"
	RuleUnknownTool     = "R3: unknown tool"
	RulePermission      = "R4: permission denied"
	RuleRiskTier        = "R6: governance.risk_tier"
	RuleAllowedPaths    = "R7: governance.allowed_paths"
	RuleMaxActions      = "R8: governance.max_actions_per_step"
	RuleAllow           = "allow"
)

// safeDuringLockdown is the read-only tool subset that survives lockdown.
var safeDuringLockdown = map[string]struct{}{
	"session_list":    {},
	"session_history": {},
}

// sessionToolPrefix marks the tool family reserved for the main agent.
const sessionToolPrefix = "session_"

// ToolInfo is what the engine needs to know about a registered tool.
type ToolInfo struct {
	Name string
	Risk models.RiskTier
}

// Registry exposes the registered tool set. The tool runtime implements it.
type Registry interface {
	Lookup(name string) (ToolInfo, bool)
}

// Request carries one decision's inputs.
type Request struct {
	Principal    string
	Tool         string
	Args         map[string]any
	TraceID      string
	ThreadID     string
	ParentSpanID string
}

// Decision is one evaluated outcome.
type Decision struct {
	Allowed bool
	Rule    string
}

// Engine evaluates requests against the persisted system state, grants and
// governance rows.
type Engine struct {
	store    *store.Store
	events   *eventlog.Log
	registry Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics wires the shared collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger; the default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "policy")
		}
	}
}

// New builds an Engine. registry may be nil, in which case every tool is
// unknown and R3 blocks everything: that is the safe default for a
// half-wired process.
func New(st *store.Store, events *eventlog.Log, registry Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		events:   events,
		registry: registry,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates the rule chain for one tool invocation. Every call, allow
// or deny, emits a policy.decision event and counts toward metrics; allowed
// calls are additionally recorded as the R8 witness for (principal, trace).
// Storage failures return an error rather than a decision so callers fail
// closed.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	rule, err := e.evaluate(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: rule == RuleAllow, Rule: rule}
	if d.Allowed {
		if err := e.store.RecordPolicyAllow(ctx, req.Principal, req.TraceID, req.Tool); err != nil {
			return Decision{}, fmt.Errorf("record allow witness: %w", err)
		}
	}

	if _, err := e.events.Emit(ctx, models.EventInput{
		TraceID:      req.TraceID,
		ParentSpanID: req.ParentSpanID,
		ThreadID:     req.ThreadID,
		EventType:    "policy.decision",
		Component:    "policy",
		ActorType:    models.ActorAgent,
		ActorID:      req.Principal,
		Payload: map[string]any{
			"rule":      rule,
			"tool":      req.Tool,
			"principal": req.Principal,
			"allowed":   d.Allowed,
		},
	}); err != nil {
		return Decision{}, fmt.Errorf("emit decision: %w", err)
	}

	e.metrics.RecordPolicyDecision(rule, req.Tool)
	if !d.Allowed {
		e.logger.Info("tool denied",
			"tool", req.Tool, "principal", req.Principal, "rule", rule)
	}
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, req Request) (string, error) {
	state, err := e.store.GetSystemState(ctx)
	if err != nil {
		return "", fmt.Errorf("load system state: %w", err)
	}
	if state.Restarting {
		return RuleRestarting, nil
	}
	if state.Lockdown {
		if _, safe := safeDuringLockdown[req.Tool]; !safe {
			return RuleLockdown, nil
		}
	}
	if strings.HasPrefix(req.Tool, sessionToolPrefix) && req.Principal != models.MainPrincipal {
		return RuleSessionMainOnly, nil
	}

	var info ToolInfo
	if e.registry != nil {
		var ok bool
		info, ok = e.registry.Lookup(req.Tool)
		if !ok {
			return RuleUnknownTool, nil
		}
	} else {
		return RuleUnknownTool, nil
	}

	granted, err := e.store.HasGrant(ctx, req.Principal, req.Tool)
	if err != nil {
		return "", fmt.Errorf("check grant: %w", err)
	}
	if !granted {
		return RulePermission, nil
	}

	gov, err := e.store.GetGovernance(ctx, req.Principal)
	if err != nil {
		return "", fmt.Errorf("load governance: %w", err)
	}
	if models.RiskRank(info.Risk) > models.RiskRank(gov.RiskTier) {
		return RuleRiskTier, nil
	}
	if !pathsAllowed(req.Args, gov.AllowedPaths) {
		return RuleAllowedPaths, nil
	}

	allows, err := e.store.CountPolicyAllows(ctx, req.Principal, req.TraceID)
	if err != nil {
		return "", fmt.Errorf("count allows: %w", err)
	}
	if allows >= gov.MaxActionsPerStep {
		return RuleMaxActions, nil
	}

	return RuleAllow, nil
}

// pathsAllowed checks the conventional "path" and "cwd" argument keys against
// the governance prefix list. An empty list means unrestricted.
func pathsAllowed(args map[string]any, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, key := range []string{"path", "cwd"} {
		raw, ok := args[key]
		if !ok {
			continue
		}
		p, ok := raw.(string)
		if !ok || p == "" {
			continue
		}
		if !underAny(p, prefixes) {
			return false
		}
	}
	return true
}

func underAny(p string, prefixes []string) bool {
	cleaned := filepath.Clean(p)
	for _, prefix := range prefixes {
		cp := filepath.Clean(prefix)
		if cleaned == cp || strings.HasPrefix(cleaned, cp+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
