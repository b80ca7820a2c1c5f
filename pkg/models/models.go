package models

import (
	"encoding/json"
	"time"
)

// ObjectType identifies the kind of object a constraint applies to.
type ObjectType string

const (
	ObjectTypeAPI            ObjectType = "api"
	ObjectTypeWeb            ObjectType = "web"
	ObjectTypeDatabase       ObjectType = "database"
	ObjectTypeAsset          ObjectType = "asset"
	ObjectTypeTag            ObjectType = "tag"
	ObjectTypeTagType        ObjectType = "tagType"
	ObjectTypeRole           ObjectType = "role"
	ObjectTypeUserRole       ObjectType = "userRole"
	ObjectTypePipeline       ObjectType = "pipeline"
	ObjectTypeWorkflow       ObjectType = "workflow"
	ObjectTypeMetadataSchema ObjectType = "metadataSchema"
)

// Operator is a criterion comparison operator. The vocabulary is part of the
// wire contract and must not be extended without a data migration.
type Operator string

const (
	OperatorEquals         Operator = "equals"
	OperatorContains       Operator = "contains"
	OperatorDoesNotContain Operator = "does_not_contain"
	OperatorStartsWith     Operator = "starts_with"
	OperatorEndsWith       Operator = "ends_with"
	OperatorIsOneOf        Operator = "is_one_of"
	OperatorIsNotOneOf     Operator = "is_not_one_of"
)

// Action is the permission verb carried by a constraint entry.
type Action string

const (
	ActionGet    Action = "GET"
	ActionPut    Action = "PUT"
	ActionPost   Action = "POST"
	ActionDelete Action = "DELETE"
)

// Effect decides whether a matching permission grants or blocks access.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// GlobalScope is the sentinel databaseId for database-independent entities
// (pipelines, workflows, schemas shared across databases).
const GlobalScope = "GLOBAL"

// RouteAttrPath is the attribute key carrying the requested path during
// tier-1 route evaluation.
const RouteAttrPath = "route__path"

var objectTypes = map[ObjectType]struct{}{
	ObjectTypeAPI:            {},
	ObjectTypeWeb:            {},
	ObjectTypeDatabase:       {},
	ObjectTypeAsset:          {},
	ObjectTypeTag:            {},
	ObjectTypeTagType:        {},
	ObjectTypeRole:           {},
	ObjectTypeUserRole:       {},
	ObjectTypePipeline:       {},
	ObjectTypeWorkflow:       {},
	ObjectTypeMetadataSchema: {},
}

var operators = map[Operator]struct{}{
	OperatorEquals:         {},
	OperatorContains:       {},
	OperatorDoesNotContain: {},
	OperatorStartsWith:     {},
	OperatorEndsWith:       {},
	OperatorIsOneOf:        {},
	OperatorIsNotOneOf:     {},
}

var actions = map[Action]struct{}{
	ActionGet:    {},
	ActionPut:    {},
	ActionPost:   {},
	ActionDelete: {},
}

func ValidObjectType(t ObjectType) bool {
	_, ok := objectTypes[t]
	return ok
}

func ValidOperator(op Operator) bool {
	_, ok := operators[op]
	return ok
}

func ValidAction(a Action) bool {
	_, ok := actions[a]
	return ok
}

func ValidEffect(e Effect) bool {
	return e == EffectAllow || e == EffectDeny
}

// Criterion is a single field/operator/value test within a constraint.
type Criterion struct {
	ID       string   `json:"id,omitempty"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// GroupPermission grants or denies an action to every member of a role.
type GroupPermission struct {
	ID             string `json:"id,omitempty"`
	GroupID        string `json:"groupId"`
	Permission     Action `json:"permission"`
	PermissionType Effect `json:"permissionType"`
}

// UserPermission grants or denies an action to a single user directly,
// bypassing role indirection.
type UserPermission struct {
	ID             string `json:"id,omitempty"`
	UserID         string `json:"userId"`
	Permission     Action `json:"permission"`
	PermissionType Effect `json:"permissionType"`
}

// Constraint pairs matching criteria with an action/effect permission set.
// A persisted constraint carries at least one criterion across the AND and
// OR groups; an empty OR group means "no OR requirement", never "no match".
type Constraint struct {
	ConstraintID     string            `json:"constraintId"`
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	ObjectType       ObjectType        `json:"objectType"`
	CriteriaAnd      []Criterion       `json:"criteriaAnd"`
	CriteriaOr       []Criterion       `json:"criteriaOr"`
	GroupPermissions []GroupPermission `json:"groupPermissions"`
	UserPermissions  []UserPermission  `json:"userPermissions"`
	DateCreated      string            `json:"dateCreated,omitempty"`
	DateModified     string            `json:"dateModified,omitempty"`
	CreatedBy        string            `json:"createdBy,omitempty"`
	ModifiedBy       string            `json:"modifiedBy,omitempty"`
}

// Role groups constraints for assignment to users.
type Role struct {
	RoleName         string `json:"roleName"`
	Description      string `json:"description"`
	Source           string `json:"source,omitempty"`
	SourceIdentifier string `json:"sourceIdentifier,omitempty"`
	MFARequired      bool   `json:"mfaRequired"`
	CreatedOn        string `json:"createdOn,omitempty"`
}

// UserRoleAssignment maps a user to the roles they hold.
type UserRoleAssignment struct {
	UserID    string   `json:"userId"`
	RoleNames []string `json:"roleName"`
	CreatedOn string   `json:"createdOn,omitempty"`
}

// ObjectAttributes is the attribute snapshot of a candidate object. Values
// are strings or []string; multi-valued fields keep their set form so that
// is_one_of can test membership.
type ObjectAttributes map[string]any

// DecisionRequest is consumed by the two-tier enforcer.
type DecisionRequest struct {
	PrincipalID         string           `json:"principalId"`
	RoleNames           []string         `json:"roleNames"`
	DirectConstraintIDs []string         `json:"directConstraintIds,omitempty"`
	RoutePath           string           `json:"routePath"`
	HTTPMethod          string           `json:"httpMethod"`
	ObjectType          ObjectType       `json:"objectType"`
	ObjectAttributes    ObjectAttributes `json:"objectAttributes,omitempty"`
	// Objects carries one snapshot per referenced object when an operation
	// touches more than one; ObjectAttributes is the single-object shorthand.
	Objects []ObjectAttributes `json:"objects,omitempty"`
	Action  Action             `json:"action"`
}

// DecisionResponse reports the overall verdict and, on deny, which tier
// produced it.
type DecisionResponse struct {
	Decision   string `json:"decision"`
	DeniedTier int    `json:"deniedTier,omitempty"`
}

// ProbeRoute is one candidate route in a route-probe request.
type ProbeRoute struct {
	Method    string `json:"method"`
	RoutePath string `json:"route__path"`
}

// RouteProbeRequest asks which of a batch of routes the principal may reach.
// Only tier 1 is evaluated; no underlying operation is performed.
type RouteProbeRequest struct {
	PrincipalID string       `json:"principalId"`
	RoleNames   []string     `json:"roleNames"`
	Routes      []ProbeRoute `json:"routes"`
}

type RouteProbeResponse struct {
	AllowedRoutes []ProbeRoute `json:"allowedRoutes"`
}

// Template is a parameterized bundle of constraints with {{VAR}} placeholders.
type Template struct {
	Metadata    TemplateMetadata     `json:"metadata"`
	Variables   []TemplateVariable   `json:"variables"`
	Constraints []TemplateConstraint `json:"constraints"`
}

type TemplateMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

type TemplateVariable struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
}

// TemplateConstraint is the template-side constraint shape: permissions use
// {action, type} instead of the persisted {permission, permissionType}.
type TemplateConstraint struct {
	Name             string               `json:"name"`
	Description      string               `json:"description"`
	ObjectType       ObjectType           `json:"objectType"`
	CriteriaAnd      []Criterion          `json:"criteriaAnd"`
	CriteriaOr       []Criterion          `json:"criteriaOr"`
	GroupPermissions []TemplatePermission `json:"groupPermissions"`
}

type TemplatePermission struct {
	Action Action `json:"action"`
	Type   Effect `json:"type"`
}

// ImportRequest is a template document plus the caller-supplied values.
type ImportRequest struct {
	Template       TemplateMetadata     `json:"template,omitempty"`
	Variables      []TemplateVariable   `json:"variables"`
	VariableValues map[string]string    `json:"variableValues"`
	Constraints    []TemplateConstraint `json:"constraints"`
}

type ImportResponse struct {
	Success            bool     `json:"success"`
	Message            string   `json:"message"`
	ConstraintsCreated int      `json:"constraintsCreated"`
	ConstraintIDs      []string `json:"constraintIds"`
	FailedConstraints  []string `json:"failedConstraintIds,omitempty"`
	Timestamp          string   `json:"timestamp"`
}

// OperationResponse is the envelope for administrative mutations.
type OperationResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Subject   string `json:"subject,omitempty"`
	Operation string `json:"operation"`
	Timestamp string `json:"timestamp"`
}

// DecisionEvent is published on the in-process hub after every enforcement
// and streamed to websocket subscribers.
type DecisionEvent struct {
	PrincipalID string          `json:"principalId"`
	ObjectType  ObjectType      `json:"objectType"`
	Action      Action          `json:"action"`
	Decision    string          `json:"decision"`
	DeniedTier  int             `json:"deniedTier,omitempty"`
	RoutePath   string          `json:"routePath,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	At          time.Time       `json:"at"`
}
