package enforce

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

// RouteRule maps one route pattern to its tier-2 semantics. The data
// operation is configured, never inferred from the HTTP verb: an archive
// route reachable via DELETE may still check DELETE on asset, and some GET
// routes check POST.
type RouteRule struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Gate       models.ObjectType `json:"gate,omitempty"`       // api or web; api when empty
	ObjectType models.ObjectType `json:"objectType,omitempty"` // tier-2 object type; empty for route-only operations
	Action     models.Action     `json:"action,omitempty"`     // tier-2 action
}

// RouteTable resolves requested method+path pairs to route rules. Patterns
// use chi-style "{param}" segments and may end in "*" to match any suffix.
type RouteTable struct {
	rules []RouteRule
}

func NewRouteTable(rules []RouteRule) *RouteTable {
	normalized := make([]RouteRule, 0, len(rules))
	for _, rule := range rules {
		rule.Method = strings.ToUpper(strings.TrimSpace(rule.Method))
		if rule.Gate == "" {
			rule.Gate = models.ObjectTypeAPI
		}
		normalized = append(normalized, rule)
	}
	return &RouteTable{rules: normalized}
}

// LoadRouteTable reads a JSON route-rule list from disk.
func LoadRouteTable(path string) (*RouteTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table: %w", err)
	}
	var rules []RouteRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}
	for i, rule := range rules {
		if rule.ObjectType != "" && !models.ValidObjectType(rule.ObjectType) {
			return nil, fmt.Errorf("route table entry %d: unknown objectType %q", i, rule.ObjectType)
		}
		if rule.Action != "" && !models.ValidAction(rule.Action) {
			return nil, fmt.Errorf("route table entry %d: unknown action %q", i, rule.Action)
		}
	}
	return NewRouteTable(rules), nil
}

// Len reports the number of configured rules.
func (t *RouteTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Lookup finds the first rule whose method and pattern match.
func (t *RouteTable) Lookup(method, path string) (RouteRule, bool) {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, rule := range t.rules {
		if rule.Method != method {
			continue
		}
		if pathMatches(rule.Path, path) {
			return rule, true
		}
	}
	return RouteRule{}, false
}

func pathMatches(pattern, path string) bool {
	patSegs := splitPath(pattern)
	reqSegs := splitPath(path)
	for i, seg := range patSegs {
		if seg == "*" {
			return true
		}
		if i >= len(reqSegs) {
			return false
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			continue
		}
		if seg != reqSegs[i] {
			return false
		}
	}
	return len(patSegs) == len(reqSegs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
