package supervisor

import "github.com/rs/zerolog"

// LogPublisher writes every event as a structured log line.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(e Event) {
	ev := p.log.Info()
	switch e.Name {
	case EventWorkerCrashed, EventModelFailed:
		ev = p.log.Warn()
	case EventResultOrphan:
		ev = p.log.Debug()
	}
	ev = ev.Str("event", e.Name)
	if e.VideoID != "" {
		ev = ev.Str("video_id", e.VideoID)
	}
	ev.Fields(e.Fields).Msg("supervisor event")
}

// MultiPublisher fans an event out to several publishers in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}
