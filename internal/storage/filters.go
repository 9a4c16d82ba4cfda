package storage

// AnalyticsFilters narrows the analytics queries to one slice of the
// system. Empty fields match everything.
type AnalyticsFilters struct {
	// Namespace restricts rows to tasks in the named namespace.
	Namespace string

	// TaskName restricts rows to tasks created from the named task.
	TaskName string

	// Version restricts rows to one named-task version.
	Version string
}

// DefaultAnalyticsLimit bounds analytics result sets when the caller passes
// a non-positive limit.
const DefaultAnalyticsLimit = 10
