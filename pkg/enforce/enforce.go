package enforce

import (
	"context"
	"strings"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/policy"
)

// Evaluator is the policy aggregation step the enforcer drives. Satisfied by
// *policy.Aggregator.
type Evaluator interface {
	Decide(ctx context.Context, p policy.Principal, objectType models.ObjectType, attrs models.ObjectAttributes, action models.Action) (policy.Decision, error)
}

// Request is one enforcement pass: a principal attempting an operation that
// touches zero or more domain objects.
type Request struct {
	Principal  policy.Principal
	RoutePath  string
	HTTPMethod string
	// ObjectType and Action override the route table when set; an operation
	// referencing multiple objects lists one attribute snapshot per object.
	ObjectType models.ObjectType
	Action     models.Action
	Objects    []models.ObjectAttributes
}

// Result is the terminal state of an enforcement pass. Decisions are never
// retried; the next request recomputes from scratch.
type Result struct {
	Decision   policy.Decision
	DeniedTier int
}

// Enforcer runs the tier-1 route gate and then the tier-2 object gate,
// short-circuiting on a tier-1 deny so callers learn nothing about data
// objects behind routes they cannot reach.
type Enforcer struct {
	Policy Evaluator
	Routes *RouteTable
	// Bypass routes ("METHOD /path") skip both tiers. By contract this is
	// the unauthenticated config read and the version check.
	Bypass map[string]struct{}
}

// BypassKey builds the lookup key for the bypass set.
func BypassKey(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

// Enforce evaluates both tiers for a single request.
func (e *Enforcer) Enforce(ctx context.Context, req Request) (Result, error) {
	if _, skip := e.Bypass[BypassKey(req.HTTPMethod, req.RoutePath)]; skip {
		return Result{Decision: policy.Allow}, nil
	}

	rule, haveRule := e.lookupRule(req.HTTPMethod, req.RoutePath)

	tier1, err := e.routeGate(ctx, req.Principal, rule.Gate, req.HTTPMethod, req.RoutePath)
	if err != nil {
		return Result{Decision: policy.Deny}, err
	}
	if tier1 != policy.Allow {
		return Result{Decision: policy.Deny, DeniedTier: 1}, nil
	}

	objectType := req.ObjectType
	action := req.Action
	if objectType == "" && haveRule {
		objectType = rule.ObjectType
	}
	if action == "" && haveRule {
		action = rule.Action
	}
	if objectType == "" {
		// Route-only operation, nothing behind the gate.
		return Result{Decision: policy.Allow}, nil
	}

	objects := req.Objects
	if len(objects) == 0 {
		objects = []models.ObjectAttributes{{}}
	}
	// Every referenced object must be allowed independently.
	for _, attrs := range objects {
		decision, err := e.Policy.Decide(ctx, req.Principal, objectType, attrs, action)
		if err != nil {
			return Result{Decision: policy.Deny}, err
		}
		if decision != policy.Allow {
			return Result{Decision: policy.Deny, DeniedTier: 2}, nil
		}
	}
	return Result{Decision: policy.Allow}, nil
}

// ProbeRoutes evaluates tier 1 only for a batch of candidate routes and
// returns the allowed subset. UIs use this to hide routes the caller cannot
// reach without performing any underlying operation.
func (e *Enforcer) ProbeRoutes(ctx context.Context, p policy.Principal, routes []models.ProbeRoute) ([]models.ProbeRoute, error) {
	allowed := make([]models.ProbeRoute, 0, len(routes))
	for _, route := range routes {
		rule, _ := e.lookupRule(route.Method, route.RoutePath)
		decision, err := e.routeGate(ctx, p, rule.Gate, route.Method, route.RoutePath)
		if err != nil {
			return nil, err
		}
		if decision == policy.Allow {
			allowed = append(allowed, route)
		}
	}
	return allowed, nil
}

func (e *Enforcer) lookupRule(method, path string) (RouteRule, bool) {
	if e.Routes == nil {
		return RouteRule{Gate: models.ObjectTypeAPI}, false
	}
	rule, ok := e.Routes.Lookup(method, path)
	if !ok {
		rule.Gate = models.ObjectTypeAPI
	}
	return rule, ok
}

func (e *Enforcer) routeGate(ctx context.Context, p policy.Principal, gate models.ObjectType, method, path string) (policy.Decision, error) {
	if gate == "" {
		gate = models.ObjectTypeAPI
	}
	action := models.Action(strings.ToUpper(strings.TrimSpace(method)))
	if gate == models.ObjectTypeWeb {
		// Web routes are navigations; only GET is meaningful.
		action = models.ActionGet
	}
	attrs := models.ObjectAttributes{models.RouteAttrPath: path}
	return e.Policy.Decide(ctx, p, gate, attrs, action)
}
