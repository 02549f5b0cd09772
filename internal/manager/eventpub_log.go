package manager

import "github.com/rs/zerolog"

// LogPublisher writes manager events to a logger at debug level.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(e Event) {
	ev := p.log.Debug().Str("event", e.Name)
	if e.Backend != "" {
		ev = ev.Str("backend", e.Backend)
	}
	if e.Model != "" {
		ev = ev.Str("model", e.Model)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Send()
}
