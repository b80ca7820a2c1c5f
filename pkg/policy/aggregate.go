package policy

import (
	"context"
	"errors"
	"log"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/criteria"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

// Decision is the outcome of policy aggregation. Deny is the zero-value
// outcome: absence of any matching allow entry denies.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Principal is the authenticated caller as seen by the aggregator: identity
// plus the membership edges that reach constraints.
type Principal struct {
	UserID              string
	RoleNames           []string
	DirectConstraintIDs []string
}

// Store is the read side of the constraint repository.
type Store interface {
	ListConstraintsForRole(ctx context.Context, roleName string) ([]models.Constraint, error)
	ListConstraintsForUser(ctx context.Context, userID string) ([]models.Constraint, error)
	GetConstraint(ctx context.Context, constraintID string) (models.Constraint, error)
}

// testable seam, mirrors the log usage of the service mains
var logf = log.Printf

// Aggregator combines every constraint reachable by a principal into a
// single allow/deny per action.
type Aggregator struct {
	Store Store
}

// Decide gathers the principal's effective constraint set, filters to the
// requested object type, and combines permission entries under
// deny-overrides-allow.
//
// Any deny among the collected entries wins regardless of ordering; an
// allow only counts when no deny exists; an empty set denies.
func (a *Aggregator) Decide(ctx context.Context, p Principal, objectType models.ObjectType, attrs models.ObjectAttributes, action models.Action) (Decision, error) {
	constraints, err := a.gather(ctx, p)
	if err != nil {
		return Deny, err
	}

	sawAllow := false
	for _, c := range constraints {
		matched, err := Matches(c.constraint, objectType, attrs)
		if err != nil {
			var cfgErr *criteria.ConfigError
			if errors.As(err, &cfgErr) {
				// One malformed constraint must not block unrelated grants.
				logf("policy: skipping constraint %s: %v", c.constraint.ConstraintID, err)
				continue
			}
			return Deny, err
		}
		if !matched {
			continue
		}
		for _, effect := range c.effects(p, action) {
			switch effect {
			case models.EffectDeny:
				return Deny, nil
			case models.EffectAllow:
				sawAllow = true
			}
		}
	}
	if sawAllow {
		return Allow, nil
	}
	return Deny, nil
}

// reachable ties a constraint to the membership edge it arrived through, so
// that only the permission entries addressed to this principal count.
type reachable struct {
	constraint models.Constraint
	direct     bool
}

// effects returns the permission effects of this constraint that apply to
// the principal for the requested action.
func (r reachable) effects(p Principal, action models.Action) []models.Effect {
	roleSet := make(map[string]struct{}, len(p.RoleNames))
	for _, role := range p.RoleNames {
		roleSet[role] = struct{}{}
	}
	var out []models.Effect
	for _, gp := range r.constraint.GroupPermissions {
		if gp.Permission != action {
			continue
		}
		if r.direct {
			out = append(out, gp.PermissionType)
			continue
		}
		if _, ok := roleSet[gp.GroupID]; ok {
			out = append(out, gp.PermissionType)
		}
	}
	for _, up := range r.constraint.UserPermissions {
		if up.Permission != action {
			continue
		}
		if up.UserID == p.UserID {
			out = append(out, up.PermissionType)
		}
	}
	return out
}

// gather unions role-attached constraints, user-attached constraints, and
// explicit direct grants, deduplicated by constraint id. Dangling role or
// constraint references contribute nothing.
func (a *Aggregator) gather(ctx context.Context, p Principal) ([]reachable, error) {
	seen := map[string]int{}
	var out []reachable

	// A constraint reached both through role or user edges and through a
	// direct grant keeps the direct semantics regardless of edge order.
	add := func(c models.Constraint, direct bool) {
		if i, dup := seen[c.ConstraintID]; dup {
			if direct {
				out[i].direct = true
			}
			return
		}
		seen[c.ConstraintID] = len(out)
		out = append(out, reachable{constraint: c, direct: direct})
	}

	for _, role := range p.RoleNames {
		list, err := a.Store.ListConstraintsForRole(ctx, role)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		for _, c := range list {
			add(c, false)
		}
	}

	if p.UserID != "" {
		list, err := a.Store.ListConstraintsForUser(ctx, p.UserID)
		if err != nil {
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				return nil, err
			}
		} else {
			for _, c := range list {
				add(c, false)
			}
		}
	}

	for _, id := range p.DirectConstraintIDs {
		c, err := a.Store.GetConstraint(ctx, id)
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		add(c, true)
	}
	return out, nil
}
