package jobs

// Status is the lifecycle state of a job. Values match the
// procrastinate_job_status enum labels exactly.
type Status string

const (
	StatusTodo      Status = "todo"
	StatusDoing     Status = "doing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// AllStatuses returns every status label known to the application
func AllStatuses() []Status {
	return []Status{StatusTodo, StatusDoing, StatusSucceeded, StatusFailed}
}

// EventType labels a row of procrastinate_events
type EventType string

const (
	EventDeferred  EventType = "deferred"
	EventStarted   EventType = "started"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRetried   EventType = "retried"
)

// AllEventTypes returns every event label known to the application
func AllEventTypes() []EventType {
	return []EventType{EventDeferred, EventStarted, EventSucceeded, EventFailed, EventRetried}
}

// EventFor returns the event appended when a doing job finishes with s.
// A todo outcome is a retry.
func EventFor(s Status) (EventType, bool) {
	switch s {
	case StatusSucceeded:
		return EventSucceeded, true
	case StatusFailed:
		return EventFailed, true
	case StatusTodo:
		return EventRetried, true
	default:
		return "", false
	}
}
