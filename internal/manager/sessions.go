package manager

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"llmd/internal/llm"
	"llmd/pkg/types"
)

// session is a live completion tracked under an opaque handle.
type session struct {
	id      string
	backend string
	model   string
	started time.Time
	sess    llm.Session
	aborted atomic.Bool
}

// Prompt starts a streaming completion and returns its handle with a channel
// of forwarded events. The channel ends with the Stop event and is then
// closed. When ctx ends before that, the session is aborted and the channel
// closed without a Stop; ctx also bounds the underlying request.
func (m *Manager) Prompt(ctx context.Context, backend, model string, msg llm.ChatMessage, history []llm.ChatMessage, think *bool) (string, <-chan llm.Event, error) {
	mdl, err := m.Model(backend, model)
	if err != nil {
		return "", nil, err
	}
	ls, err := mdl.Prompt(ctx, msg, history, think)
	if err != nil {
		return "", nil, err
	}
	events, err := ls.Events()
	if err != nil {
		ls.Abort()
		return "", nil, err
	}

	s := &session{id: uuid.NewString(), backend: backend, model: model, started: m.now(), sess: ls}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ls.Abort()
		return "", nil, errClosed()
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	promptSessionsActive.WithLabelValues(backend).Inc()
	m.publish(Event{Name: EventPromptStart, Backend: backend, Model: model, Fields: map[string]any{"session": s.id}})
	m.log.Debug().Str("session", s.id).Str("backend", backend).Str("model", model).Msg("prompt start")

	out := make(chan llm.Event, m.forwardSz)
	go m.forward(ctx, s, events, out)
	return s.id, out, nil
}

// forward copies session events to out until the Stop event, the caller's
// context ending, or the manager closing. In the latter two cases it aborts
// the session and drains what is left so the session can wind down.
func (m *Manager) forward(ctx context.Context, s *session, events <-chan llm.Event, out chan<- llm.Event) {
	defer m.wg.Done()
	defer close(out)
	defer m.forget(s)

	n := 0
	for ev := range events {
		promptEventsTotal.WithLabelValues(s.backend, string(ev.Kind)).Inc()
		select {
		case out <- ev:
			n++
			continue
		case <-ctx.Done():
			m.abort(s, "consumer")
		case <-m.quit:
			m.abort(s, "close")
		}
		for range events {
		}
		break
	}
	m.log.Debug().Str("session", s.id).Int("events", n).Bool("aborted", s.aborted.Load()).Msg("prompt end")
}

func (m *Manager) forget(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	promptSessionsActive.WithLabelValues(s.backend).Dec()
	m.publish(Event{Name: EventPromptEnd, Backend: s.backend, Model: s.model, Fields: map[string]any{"session": s.id}})
}

// abort stops s once; reason labels the aborts metric.
func (m *Manager) abort(s *session, reason string) {
	if !s.aborted.CompareAndSwap(false, true) {
		return
	}
	s.sess.Abort()
	promptAbortsTotal.WithLabelValues(reason).Inc()
	m.publish(Event{Name: EventPromptAbort, Backend: s.backend, Model: s.model, Fields: map[string]any{"session": s.id, "reason": reason}})
}

func (m *Manager) abortWhere(match func(*session) bool, reason string) {
	m.mu.RLock()
	var hit []*session
	for _, s := range m.sessions {
		if match(s) {
			hit = append(hit, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range hit {
		m.abort(s, reason)
	}
}

// StopPrompt aborts the session with handle id. The caller still receives
// the Stop event on its channel. Unknown handles are a no-op; the result
// reports whether the handle was live.
func (m *Manager) StopPrompt(id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	m.abort(s, "stop")
	return true
}

// Sessions lists live sessions, oldest first.
func (m *Manager) Sessions() []types.Session {
	m.mu.RLock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()
	sort.Slice(live, func(i, j int) bool {
		if !live[i].started.Equal(live[j].started) {
			return live[i].started.Before(live[j].started)
		}
		return live[i].id < live[j].id
	})
	out := make([]types.Session, len(live))
	for i, s := range live {
		out[i] = types.Session{ID: s.id, Backend: s.backend, Model: s.model, StartedUnix: s.started.Unix()}
	}
	return out
}
