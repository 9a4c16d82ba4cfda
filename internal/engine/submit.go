package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
	"github.com/jcoletaylor/tasker-sub003/internal/registry"
)

// submissionAnnotationType names the annotation row every submission writes.
const submissionAnnotationType = "submission"

// dependencyEdgeName labels materialized dependency edges.
const dependencyEdgeName = "provides"

// submissionAnnotation is the provenance document attached to every
// submitted task.
type submissionAnnotation struct {
	Initiator     string    `json:"initiator,omitempty"`
	SourceSystem  string    `json:"source_system,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	BypassedSteps []string  `json:"bypassed_steps,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// SubmitTask validates, deduplicates, and persists one task: the task row,
// its materialized step graph, the initial pending transitions, and a
// submission annotation, then schedules the first tick.
//
// Identical submissions are idempotent. The identity hash is computed after
// version normalization, so a request omitting the version and one naming
// the default explicitly collapse onto the same active task.
func (c *Coordinator) SubmitTask(ctx context.Context, req *domain.TaskRequest) (*domain.Task, error) {
	if req == nil {
		return nil, errors.Wrap(errors.ErrInvalidArgument, "task request must not be nil")
	}
	if req.Namespace == "" || req.Name == "" {
		return nil, errors.Wrap(errors.ErrValidationFailed, "namespace and name are required")
	}

	reg, err := c.registry.Lookup(req.Namespace, req.Name, req.Version)
	if err != nil {
		return nil, err
	}

	normalized := *req
	normalized.Version = reg.Definition.EffectiveVersion()
	if normalized.RequestedAt.IsZero() {
		normalized.RequestedAt = c.clock.Now()
	}

	if err := reg.ValidateContext(ctx, normalized.Context); err != nil {
		return nil, errors.Wrapf(errors.ErrValidationFailed, "context rejected: %v", err)
	}

	bypass, err := bypassSet(reg.Definition, normalized.BypassSteps)
	if err != nil {
		return nil, err
	}

	hash, err := c.identity.Hash(&normalized)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.ActiveTaskByIdentityHash(ctx, hash)
	switch {
	case err == nil:
		c.logger.Info().
			Str("task_id", existing.TaskID.String()).
			Str("identity_hash", hash).
			Msg("submission deduplicated to active task")
		return existing, nil
	case errors.Is(err, errors.ErrTaskNotFound):
		// No active task holds the hash; create one.
	default:
		return nil, err
	}

	task := &domain.Task{
		TaskID:       uuid.New(),
		NamedTaskID:  reg.NamedTask.NamedTaskID,
		RequestedAt:  normalized.RequestedAt,
		Initiator:    normalized.Initiator,
		SourceSystem: normalized.SourceSystem,
		Reason:       normalized.Reason,
		Tags:         normalized.Tags,
		BypassSteps:  normalized.BypassSteps,
		Context:      normalized.Context,
		IdentityHash: hash,
	}

	steps, edges, err := materializeGraph(reg, task.TaskID, bypass)
	if err != nil {
		return nil, err
	}

	at := c.clock.Now()
	if err := c.store.CreateTaskGraph(ctx, task, steps, edges, at); err != nil {
		if errors.Is(err, errors.ErrDuplicateTask) {
			// Lost the insert race; the winner is the task to return. The
			// hash may also be held by a terminal task, which does not
			// deduplicate and surfaces the conflict to the caller.
			if winner, lookupErr := c.store.ActiveTaskByIdentityHash(ctx, hash); lookupErr == nil {
				return winner, nil
			}
		}
		return nil, err
	}

	c.annotateSubmission(ctx, task.TaskID, &normalized, at)

	c.logger.Info().
		Str("task_id", task.TaskID.String()).
		Str("namespace", req.Namespace).
		Str("task_name", req.Name).
		Str("version", normalized.Version).
		Int("steps", len(steps)).
		Str("identity_hash", hash).
		Msg("task submitted")

	if c.scheduler != nil {
		if err := c.scheduler.Schedule(ctx, task.TaskID, c.cfg.MinReenqueueDelay); err != nil {
			return nil, errors.Wrapf(err, "schedule first tick for task %s", task.TaskID)
		}
	}

	return task, nil
}

// annotateSubmission attaches the submission provenance document. The task
// is already live at this point, so a failed annotation logs and moves on.
func (c *Coordinator) annotateSubmission(ctx context.Context, taskID uuid.UUID, req *domain.TaskRequest, at time.Time) {
	doc, err := json.Marshal(submissionAnnotation{
		Initiator:     req.Initiator,
		SourceSystem:  req.SourceSystem,
		Reason:        req.Reason,
		Tags:          req.Tags,
		BypassedSteps: req.BypassSteps,
		RequestedAt:   req.RequestedAt,
	})
	if err == nil {
		_, err = c.store.AnnotateTask(ctx, taskID, submissionAnnotationType, doc, at)
	}
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("task_id", taskID.String()).
			Msg("failed to annotate submission")
	}
}

// bypassSet validates the requested bypass names against the template and
// returns them as a set. Every name must exist and be declared skippable.
func bypassSet(def *domain.TemplateDefinition, names []string) (map[string]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}

	byName := make(map[string]*domain.StepTemplate, len(def.Steps))
	for i := range def.Steps {
		byName[def.Steps[i].Name] = &def.Steps[i]
	}

	set := make(map[string]bool, len(names))
	for _, name := range names {
		st, ok := byName[name]
		if !ok {
			return nil, errors.Wrapf(errors.ErrValidationFailed,
				"bypass step %q is not part of the template", name)
		}
		if !st.Skippable {
			return nil, errors.Wrapf(errors.ErrValidationFailed,
				"step %q is not skippable", name)
		}
		set[name] = true
	}
	return set, nil
}

// materializeGraph turns the registered template into workflow step rows and
// dependency edges for one task. Bypassed steps are omitted; their dependents
// inherit the bypassed steps' own dependencies so the graph stays connected.
func materializeGraph(reg *registry.Registration, taskID uuid.UUID, bypass map[string]bool) ([]*domain.WorkflowStep, []domain.WorkflowStepEdge, error) {
	def := reg.Definition

	templates := make(map[string]*domain.StepTemplate, len(def.Steps))
	for i := range def.Steps {
		templates[def.Steps[i].Name] = &def.Steps[i]
	}

	stepIDs := make(map[string]uuid.UUID, len(def.Steps))
	steps := make([]*domain.WorkflowStep, 0, len(def.Steps))
	for i := range def.Steps {
		st := &def.Steps[i]
		if bypass[st.Name] {
			continue
		}
		namedStepID, ok := reg.StepIDs[st.Name]
		if !ok {
			return nil, nil, errors.Wrapf(errors.ErrNamedStepNotFound,
				"step %q has no persisted named step", st.Name)
		}

		id := uuid.New()
		stepIDs[st.Name] = id

		// Copy the nullable overrides to fresh pointers; the row keeps the
		// template's NULL-ness so configured defaults apply at read time.
		var retryable *bool
		if st.DefaultRetryable != nil {
			v := *st.DefaultRetryable
			retryable = &v
		}
		var retryLimit *int32
		if st.DefaultRetryLimit != nil {
			v := *st.DefaultRetryLimit
			retryLimit = &v
		}

		steps = append(steps, &domain.WorkflowStep{
			WorkflowStepID: id,
			TaskID:         taskID,
			NamedStepID:    namedStepID,
			Name:           st.Name,
			Retryable:      retryable,
			RetryLimit:     retryLimit,
			Skippable:      st.Skippable,
		})
	}

	memo := make(map[string][]string, len(def.Steps))
	var edges []domain.WorkflowStepEdge
	for i := range def.Steps {
		st := &def.Steps[i]
		if bypass[st.Name] {
			continue
		}
		for _, parent := range effectiveDependencies(templates, st.Name, bypass, memo) {
			edges = append(edges, domain.WorkflowStepEdge{
				WorkflowStepEdgeID: uuid.New(),
				FromStepID:         stepIDs[parent],
				ToStepID:           stepIDs[st.Name],
				Name:               dependencyEdgeName,
			})
		}
	}

	return steps, edges, nil
}

// effectiveDependencies resolves a step's parent names with bypassed steps
// spliced out: a dependent of a bypassed step inherits the bypassed step's
// own dependencies, recursively. Template validation guarantees the graph is
// acyclic, so the recursion terminates.
func effectiveDependencies(templates map[string]*domain.StepTemplate, name string, bypass map[string]bool, memo map[string][]string) []string {
	if cached, ok := memo[name]; ok {
		return cached
	}

	st := templates[name]
	var parents []string
	seen := make(map[string]bool, len(st.DependsOn))
	for _, dep := range st.DependsOn {
		if !bypass[dep] {
			if !seen[dep] {
				seen[dep] = true
				parents = append(parents, dep)
			}
			continue
		}
		for _, inherited := range effectiveDependencies(templates, dep, bypass, memo) {
			if !seen[inherited] {
				seen[inherited] = true
				parents = append(parents, inherited)
			}
		}
	}

	memo[name] = parents
	return parents
}
