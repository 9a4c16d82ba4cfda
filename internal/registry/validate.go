package registry

import (
	"strings"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// ValidateDefinition checks a template for structural problems: missing
// identity, empty or duplicate step names, unknown or self-referential
// dependencies, and dependency cycles. Templates with no steps are legal;
// the resulting tasks simply have nothing to execute.
func ValidateDefinition(def *domain.TemplateDefinition) error {
	if def.Namespace == "" {
		return errors.Wrap(errors.ErrTemplateInvalid, "namespace must not be empty")
	}
	if def.Name == "" {
		return errors.Wrap(errors.ErrTemplateInvalid, "name must not be empty")
	}

	names := make(map[string]bool, len(def.Steps))
	for _, st := range def.Steps {
		if st.Name == "" {
			return errors.Wrap(errors.ErrTemplateInvalid, "step name must not be empty")
		}
		if names[st.Name] {
			return errors.Wrapf(errors.ErrTemplateInvalid, "duplicate step name %q", st.Name)
		}
		names[st.Name] = true
	}

	for _, st := range def.Steps {
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				return errors.Wrapf(errors.ErrTemplateInvalid,
					"step %q depends on itself", st.Name)
			}
			if !names[dep] {
				return errors.Wrapf(errors.ErrTemplateInvalid,
					"step %q depends on unknown step %q", st.Name, dep)
			}
		}
	}

	if cycle := findCycle(def.Steps); len(cycle) > 0 {
		return errors.Wrapf(errors.ErrTemplateInvalid,
			"dependency cycle among steps: %s", strings.Join(cycle, ", "))
	}

	return nil
}

// findCycle runs Kahn's algorithm over the dependency edges and returns the
// names left unprocessed, which are exactly the members and descendants of
// any cycle. Empty means acyclic.
func findCycle(steps []domain.StepTemplate) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, st := range steps {
		indegree[st.Name] += 0
		for _, dep := range st.DependsOn {
			indegree[st.Name]++
			dependents[dep] = append(dependents[dep], st.Name)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, st := range steps {
		if indegree[st.Name] == 0 {
			queue = append(queue, st.Name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}

	var remaining []string
	for _, st := range steps {
		if indegree[st.Name] > 0 {
			remaining = append(remaining, st.Name)
		}
	}
	return remaining
}
