package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/registry"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// Query is the document every request is evaluated against.
const Query = "data.liveprobe.authz"

var _ registry.Authorizer = (*Authorizer)(nil)

// Authorizer evaluates requests against the loaded Rego modules.
type Authorizer struct {
	mu       sync.RWMutex
	query    rego.PreparedEvalQuery
	policies []Policy

	logger zerolog.Logger
	events *telemetry.EventPublisher
	now    func() time.Time
}

// NewAuthorizer creates an authorizer running the built-in policies.
func NewAuthorizer(ctx context.Context, logger zerolog.Logger, events *telemetry.EventPublisher) (*Authorizer, error) {
	a := &Authorizer{
		logger: logger.With().Str("component", "policy").Logger(),
		events: events,
		now:    time.Now,
	}
	if err := a.Load(ctx, BuiltinPolicies()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return a, nil
}

// Load compiles policies and puts them in force. On error the policies
// already in force are kept.
func (a *Authorizer) Load(ctx context.Context, policies []Policy) error {
	if len(policies) == 0 {
		return errors.New("no policies to load")
	}

	opts := []func(*rego.Rego){rego.Query(Query)}
	hasAuthz := false
	for _, p := range policies {
		module, err := ast.ParseModule(moduleName(p), p.Rego)
		if err != nil {
			return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
		}
		if module == nil {
			return fmt.Errorf("policy %s is empty", p.Name)
		}
		if module.Package.Path.String() == Query {
			hasAuthz = true
		}
		opts = append(opts, rego.Module(moduleName(p), p.Rego))
	}
	if !hasAuthz {
		return fmt.Errorf("no policy declares package %s", strings.TrimPrefix(Query, "data."))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	a.mu.Lock()
	a.query = query
	a.policies = append([]Policy(nil), policies...)
	a.mu.Unlock()

	a.logger.Info().Int("modules", len(policies)).Msg("policies loaded")
	_ = a.events.PublishPolicyReloaded(len(policies))
	return nil
}

// LoadPaths reads .rego files from paths and puts them in force.
func (a *Authorizer) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(a.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return a.Load(ctx, policies)
}

func moduleName(p Policy) string {
	if p.Source != "" {
		return p.Source
	}
	return p.Name
}

// Policies returns the modules in force.
func (a *Authorizer) Policies() []Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Policy(nil), a.policies...)
}

// Decide evaluates input against the policies in force.
func (a *Authorizer) Decide(ctx context.Context, input Input) (Decision, error) {
	a.mu.RLock()
	query := a.query
	a.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Reasons: []string{"no authorization decision"}}, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result of type %T", rs[0].Expressions[0].Value)
	}

	var d Decision
	if set, ok := doc["deny"].([]interface{}); ok {
		for _, v := range set {
			d.Reasons = append(d.Reasons, fmt.Sprint(v))
		}
		sort.Strings(d.Reasons)
	}
	allow, _ := doc["allow"].(bool)
	d.Allowed = allow && len(d.Reasons) == 0
	return d, nil
}

// Authorize implements registry.Authorizer. Evaluation errors deny.
func (a *Authorizer) Authorize(ctx context.Context, identity auth.Identity, action registry.Action, inst *instrument.Instrument) error {
	d, err := a.Decide(ctx, Input{
		Subject:    identity.Subject,
		Role:       string(identity.Role),
		Action:     string(action),
		Time:       a.now().UTC(),
		Instrument: inst,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("subject", identity.Subject).Str("action", string(action)).Msg("authorization failed")
		return instrument.NewPermissionDeniedError("authorization policy could not be evaluated")
	}
	if d.Allowed {
		return nil
	}

	reason := "not permitted by policy"
	if len(d.Reasons) > 0 {
		reason = strings.Join(d.Reasons, "; ")
	}
	a.logger.Debug().
		Str("subject", identity.Subject).
		Str("role", string(identity.Role)).
		Str("action", string(action)).
		Str("reason", reason).
		Msg("request denied")
	return instrument.NewPermissionDeniedError(fmt.Sprintf("%s may not %s: %s", identity.Subject, action, reason))
}
