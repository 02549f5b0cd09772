package manager

import (
	"slices"
	"sync"
)

// MemoryPublisher records every event; tests read them back in order.
type MemoryPublisher struct {
	mu  sync.Mutex
	log []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, e)
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.log)
}

// Names returns the published event names in order.
func (p *MemoryPublisher) Names() []string {
	evs := p.Events()
	names := make([]string, 0, len(evs))
	for _, e := range evs {
		names = append(names, e.Name)
	}
	return names
}
