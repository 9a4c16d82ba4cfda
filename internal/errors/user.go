package errors

import "errors"

// ErrorInfo holds user-facing message and suggested action for an error.
type ErrorInfo struct {
	// Message is the user-friendly error description.
	Message string
	// Action is a suggested action to resolve the issue (empty if none).
	Action string
}

// errorEntry pairs a sentinel error with its user-facing info.
type errorEntry struct {
	err  error
	info ErrorInfo
}

// errorInfoEntries is the pre-built mapping of sentinel errors to their user-facing messages.
// This single source of truth ensures UserMessage and Actionable stay in sync.
// Using a slice (not a map) because errors.Is() requires proper error chain traversal.
//
//nolint:gochecknoglobals // Pre-built mapping for efficiency
var errorInfoEntries = []errorEntry{
	// ===================
	// Lookup failures
	// ===================
	{
		err: ErrTaskNotFound,
		info: ErrorInfo{
			Message: "The requested task does not exist.",
			Action:  "Check the task id; 'tasker status <task-id>' lists known tasks when given --all.",
		},
	},
	{
		err: ErrStepNotFound,
		info: ErrorInfo{
			Message: "The requested workflow step does not exist.",
			Action:  "Run 'tasker status <task-id>' to list the task's steps and their ids.",
		},
	},
	{
		err: ErrNamedTaskNotFound,
		info: ErrorInfo{
			Message: "No named task is registered for that namespace, name, and version.",
			Action:  "Check the --namespace, --name, and --version flags against the registered handlers.",
		},
	},
	{
		err: ErrHandlerNotFound,
		info: ErrorInfo{
			Message: "No handler is registered for this task or step.",
			Action:  "Register the handler before submitting tasks that reference it.",
		},
	},

	// ===================
	// Submission
	// ===================
	{
		err: ErrDuplicateTask,
		info: ErrorInfo{
			Message: "An equivalent task already exists and is still active.",
			Action:  "Use the returned task id; identical submissions deduplicate by identity hash.",
		},
	},
	{
		err: ErrValidationFailed,
		info: ErrorInfo{
			Message: "The task context failed the named task's schema validation. Nothing was persisted.",
			Action:  "Fix the context document and submit again.",
		},
	},

	// ===================
	// State machine & concurrency
	// ===================
	{
		err: ErrInvalidTransition,
		info: ErrorInfo{
			Message: "The entity cannot move to the requested state from its current state.",
			Action:  "Inspect the transition history; this usually indicates a bug in the caller.",
		},
	},
	{
		err: ErrConcurrencyConflict,
		info: ErrorInfo{
			Message: "Another worker changed this entity concurrently.",
			Action:  "Retry the operation; the engine re-reads state automatically during ticks.",
		},
	},
	{
		err: ErrTaskTerminal,
		info: ErrorInfo{
			Message: "The task has already reached a terminal state.",
			Action:  "Terminal tasks cannot be processed further; submit a new task if needed.",
		},
	},
	{
		err: ErrTickBudgetExceeded,
		info: ErrorInfo{
			Message: "The task did not settle within one tick's iteration budget.",
			Action:  "The task remains valid; process it again or let the worker pick it up.",
		},
	},

	// ===================
	// Registration & templates
	// ===================
	{
		err: ErrRegistrationFailed,
		info: ErrorInfo{
			Message: "Handler registration failed and was rolled back completely.",
			Action:  "Fix the handler's event configuration and register again.",
		},
	},
	{
		err: ErrTemplateInvalid,
		info: ErrorInfo{
			Message: "The step template is invalid (duplicate names, unknown dependencies, or a cycle).",
			Action:  "Correct the template definition; dependencies must form an acyclic graph.",
		},
	},
	{
		err: ErrTemplateParseError,
		info: ErrorInfo{
			Message: "The template document could not be parsed.",
			Action:  "Check the YAML syntax of the template file.",
		},
	},

	// ===================
	// Configuration
	// ===================
	{
		err: ErrConfigInvalid,
		info: ErrorInfo{
			Message: "The process configuration is invalid.",
			Action:  "Check tasker.yaml and TASKER_* environment variables against the documented keys.",
		},
	},
	{
		err: ErrUnknownDriver,
		info: ErrorInfo{
			Message: "The configured database driver is not supported.",
			Action:  "Set database.driver to 'postgres' or 'sqlite'.",
		},
	},
	{
		err: ErrInvalidArgument,
		info: ErrorInfo{
			Message: "An invalid argument was provided.",
			Action:  "Check the command help for valid arguments.",
		},
	},
}

// errorInfoMap provides O(1) lookup for direct sentinel error matches.
// Built once from errorInfoEntries during package initialization.
//
//nolint:gochecknoglobals // Pre-built mapping for O(1) lookup performance
var errorInfoMap = buildErrorInfoMap()

// buildErrorInfoMap creates a map from the errorInfoEntries slice.
// This is called once during package init for O(1) direct lookups.
func buildErrorInfoMap() map[error]ErrorInfo {
	m := make(map[error]ErrorInfo, len(errorInfoEntries))
	for _, entry := range errorInfoEntries {
		m[entry.err] = entry.info
	}
	return m
}

// getErrorInfo looks up the ErrorInfo for a given error.
// It first tries O(1) direct map lookup for unwrapped sentinel errors,
// then falls back to errors.Is() traversal for wrapped errors.
// Returns an ErrorInfo with the original error message if not found.
func getErrorInfo(err error) ErrorInfo {
	// Fast path: O(1) lookup for direct sentinel errors
	if info, ok := errorInfoMap[err]; ok {
		return info
	}

	// Slow path: errors.Is() for wrapped errors
	for _, entry := range errorInfoEntries {
		if errors.Is(err, entry.err) {
			return entry.info
		}
	}

	return ErrorInfo{Message: err.Error()}
}

// UserMessage returns a user-friendly message for common errors.
// This function maps sentinel errors to helpful, actionable messages
// that are suitable for display to end users.
//
// For unrecognized errors, it returns the error's original message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return getErrorInfo(err).Message
}

// Actionable returns a user-friendly error message along with a suggested
// action the user can take to resolve or work around the issue.
//
// For errors that are not recoverable or have no clear action, the action
// string will be empty.
func Actionable(err error) (message, action string) {
	if err == nil {
		return "", ""
	}
	info := getErrorInfo(err)
	return info.Message, info.Action
}
