package definition

import (
	"fmt"

	"github.com/pitabwire/hireflow/model"
)

// VError describes a single validation error in a lifecycle definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks lifecycle graphs structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all lifecycles and reports every problem found.
func (v *Validator) Validate(defs []model.Lifecycle) []VError {
	var errs []VError
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("lifecycles[%d]", i)
		if def.EntityType != "" && seen[def.EntityType] {
			errs = append(errs, VError{
				Path:    prefix + ".entity_type",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("entity type %q defined more than once", def.EntityType),
			})
		}
		seen[def.EntityType] = true
		errs = append(errs, v.validateLifecycle(prefix, def)...)
	}
	return errs
}

func (v *Validator) validateLifecycle(prefix string, def model.Lifecycle) []VError {
	var errs []VError

	if def.EntityType == "" {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: "REQUIRED", Message: "entity_type is required"})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
	}

	states := make(map[string]bool, len(def.States))
	for i, s := range def.States {
		if states[s] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.states[%d]", prefix, i),
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("state %q listed more than once", s),
			})
		}
		states[s] = true
	}

	if def.Initial == "" {
		errs = append(errs, VError{Path: prefix + ".initial", Code: "REQUIRED", Message: "initial is required"})
	} else if !states[def.Initial] {
		errs = append(errs, unknownState(prefix+".initial", def.Initial))
	}

	terminal := make(map[string]bool, len(def.Terminal))
	for i, s := range def.Terminal {
		if !states[s] {
			errs = append(errs, unknownState(fmt.Sprintf("%s.terminal[%d]", prefix, i), s))
		}
		terminal[s] = true
	}
	if terminal[def.Initial] {
		errs = append(errs, VError{Path: prefix + ".initial", Code: "TERMINAL_INITIAL", Message: "initial state cannot be terminal"})
	}

	edges := make(map[[2]string]bool, len(def.Transitions))
	for i, t := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if !states[t.From] {
			errs = append(errs, unknownState(tp+".from", t.From))
		}
		if !states[t.To] {
			errs = append(errs, unknownState(tp+".to", t.To))
		}
		if t.From == t.To {
			errs = append(errs, VError{Path: tp, Code: "SELF_LOOP", Message: fmt.Sprintf("transition %q -> %q does not change status", t.From, t.To)})
		}
		if terminal[t.From] {
			errs = append(errs, VError{Path: tp + ".from", Code: "TERMINAL_SOURCE", Message: fmt.Sprintf("terminal state %q cannot have outgoing transitions", t.From)})
		}
		key := [2]string{t.From, t.To}
		if edges[key] {
			errs = append(errs, VError{Path: tp, Code: "DUPLICATE", Message: fmt.Sprintf("transition %q -> %q listed more than once", t.From, t.To)})
		}
		edges[key] = true
		for j, role := range t.Roles {
			if !model.IsKnownRole(role) {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.roles[%d]", tp, j),
					Code:    "UNKNOWN_ROLE",
					Message: fmt.Sprintf("role %q is not recognised", role),
				})
			}
		}
	}

	for i, n := range def.Notifications {
		np := fmt.Sprintf("%s.notifications[%d]", prefix, i)
		if !states[n.Status] {
			errs = append(errs, unknownState(np+".status", n.Status))
		}
		if n.Template == "" {
			errs = append(errs, VError{Path: np + ".template", Code: "REQUIRED", Message: "template is required"})
		}
	}

	return errs
}

func unknownState(path, state string) VError {
	return VError{Path: path, Code: "UNKNOWN_STATE", Message: fmt.Sprintf("state %q is not declared", state)}
}
