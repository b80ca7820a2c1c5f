package policy

import "fmt"

// NotFoundError reports a role or constraint referenced by an assignment
// that no longer exists. The reference contributes no permissions; it is
// fail-safe toward deny, not fatal.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}
