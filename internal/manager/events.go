package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + backend/model and optional fields via key/values.
type Event struct {
	Name    string
	Backend string
	Model   string
	Fields  map[string]any
}

// Event names published by the manager.
const (
	EventBootStart     = "boot_start"
	EventBootReady     = "boot_ready"
	EventBootFailed    = "boot_failed"
	EventShutdown      = "shutdown"
	EventRefreshDone   = "refresh_done"
	EventLoadDone      = "load_done"
	EventUnloadDone    = "unload_done"
	EventPromptStart   = "prompt_start"
	EventPromptAbort   = "prompt_abort"
	EventPromptEnd     = "prompt_end"
	EventPullStart     = "pull_start"
	EventSettingChange = "setting_change"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// SetEventPublisher swaps the publisher. nil restores the no-op default.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.pub = p
	m.mu.Unlock()
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	p := m.pub
	m.mu.RUnlock()
	p.Publish(e)
}
