package supervisor

// Event represents a supervisor lifecycle event.
// Minimal and stable: name + video ID and optional fields via key/values.
type Event struct {
	Name    string
	VideoID string
	Fields  map[string]any
}

// Event names.
const (
	EventWorkerStarted = "worker_started"
	EventModelReady    = "model_ready"
	EventModelFailed   = "model_failed"
	EventWorkerCrashed = "worker_crashed"
	EventWorkerStopped = "worker_stopped"
	EventSessionOpened = "session_opened"
	EventSessionClosed = "session_closed"
	EventSessionReset  = "session_reset"
	EventResultOrphan  = "result_orphaned"
)

// EventPublisher receives events from the supervisor. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
