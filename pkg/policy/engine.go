package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/telemetry"
)

// Engine evaluates Rego admission policies. It implements engine.Admission.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	settings map[string]interface{}
	store    storage.Store
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	loader   *Loader
	now      func() time.Time
}

var _ engine.Admission = (*Engine)(nil)

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(tel *telemetry.Telemetry) (*Engine, error) {
	tel = telemetry.OrNop(tel)
	logger := tel.Logger.NewComponentLogger("policy")

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		store:    newStore(nil),
		logger:   logger.Zerolog(),
		metrics:  tel.Metrics,
		loader:   NewLoader(logger.Zerolog()),
		now:      time.Now,
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// newStore exposes settings to policies as data.hoist.settings.
func newStore(settings map[string]interface{}) storage.Store {
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return inmem.NewFromObject(map[string]interface{}{
		"hoist": map[string]interface{}{"settings": settings},
	})
}

// SetSettings replaces data.hoist.settings and recompiles every policy against it.
func (e *Engine) SetSettings(ctx context.Context, settings map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prevStore, prevSettings := e.store, e.settings
	e.store, e.settings = newStore(settings), settings

	recompiled := make(map[string]*compiledPolicy, len(e.policies))
	for name, cp := range e.policies {
		next, err := e.compile(ctx, *cp.policy)
		if err != nil {
			e.store, e.settings = prevStore, prevSettings
			return fmt.Errorf("failed to recompile policy %s: %w", name, err)
		}
		recompiled[name] = next
	}
	e.policies = recompiled
	return nil
}

// LoadPolicies loads policy files and directories, replacing any policies
// previously loaded from files. Built-in policies are kept. Nothing changes
// when a file fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceLoaded(ctx, policies)
}

// Watch reloads the policies under paths whenever a file changes until ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceLoaded(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

func (e *Engine) replaceLoaded(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(e.policies)+len(policies))
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}
	for _, p := range policies {
		if existing, ok := next[p.Name]; ok && existing.policy.Builtin {
			return engine.NewValidationError(fmt.Sprintf("policy %s shadows a built-in policy", p.Name))
		}
		cp, err := e.compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		next[p.Name] = cp
	}
	e.policies = next

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// compile parses the module and prepares its deny query. Callers hold e.mu
// or own e exclusively.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy is empty")
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Enabled = true
	p.LoadedAt = e.now()

	e.logger.Debug().Str("policy", p.Name).Str("query", query).Msg("Policy compiled")
	return &compiledPolicy{policy: &p, query: prepared}, nil
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning and does not block the request.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := e.now()
	if input.Context.Timestamp.IsZero() {
		input.Context = newContext(start)
	}

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for name, cp := range e.policies {
		if !e.disabled[name] {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	decision := &Decision{Allowed: true, Evaluated: make([]string, 0, len(compiled))}
	for _, cp := range compiled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision.Evaluated = append(decision.Evaluated, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("operation", string(input.Operation)).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	for _, v := range decision.Violations {
		if v.Severity.Blocking() {
			decision.Allowed = false
			break
		}
	}
	decision.EvaluatedAt = e.now()
	decision.Duration = decision.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Str("operation", string(input.Operation)).
		Int("violations", len(decision.Violations)).
		Bool("allowed", decision.Allowed).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			violations = append(violations, newViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// newViolation accepts either a message string or an object with message,
// severity and resource keys.
func newViolation(p *Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
		Resource: input.resource(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// AdmitDeployment evaluates deployment policies for app.
func (e *Engine) AdmitDeployment(ctx context.Context, app *engine.Application, req engine.DeploymentRequest) error {
	return e.admit(ctx, &Input{Operation: OperationDeployment, Application: app, Deployment: &req})
}

// AdmitCertificate evaluates certificate policies for hostname.
func (e *Engine) AdmitCertificate(ctx context.Context, app *engine.Application, hostname string) error {
	return e.admit(ctx, &Input{
		Operation:   OperationCertificate,
		Application: app,
		Certificate: &CertificateInput{Hostname: hostname},
	})
}

// AdmitDatabase evaluates database policies for db.
func (e *Engine) AdmitDatabase(ctx context.Context, db *engine.Database) error {
	return e.admit(ctx, &Input{Operation: OperationDatabase, Database: db})
}

func (e *Engine) admit(ctx context.Context, input *Input) error {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, v := range decision.Violations {
		if !v.Severity.Blocking() {
			e.logger.Warn().
				Str("policy", v.Policy).
				Str("resource", v.Resource).
				Msg(v.Message)
		}
	}
	if decision.Allowed {
		return nil
	}

	blocking := decision.Blocking()
	messages := make([]string, 0, len(blocking))
	names := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, v.Message)
		names = append(names, v.Policy)
	}
	e.metrics.RecordPolicyDenial(string(input.Operation))
	e.logger.Info().
		Str("operation", string(input.Operation)).
		Strs("policies", names).
		Msg("Request denied by policy")

	return engine.NewPolicyDeniedError(strings.Join(messages, "; ")).
		WithDetail("policies", names).
		WithResource(input.resource())
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := *cp.policy
	p.Enabled = !e.disabled[name]
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for name, cp := range e.policies {
		p := *cp.policy
		p.Enabled = !e.disabled[name]
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. The choice survives reloads.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[name]; !exists {
		return engine.NewNotFoundError("policy", name)
	}
	if enabled {
		delete(e.disabled, name)
	} else {
		e.disabled[name] = true
	}
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
