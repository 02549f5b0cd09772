// Package stream turns a chunked chat-completion response body into a session
// of discrete completion events.
//
// Each session runs two goroutines connected by bounded channels:
//
//	body --read--> chunks (ChunkQueue) --decode--> events (EventQueue) --> caller
//
// The reader checks for a stop signal at the top of every iteration; Abort
// closes that signal, cancels the request context and closes the body so a
// pending read returns. Every session ends with exactly one Stop event, after
// which the event channel is closed.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"llmd/internal/llm"
)

// Defaults applied when the corresponding Options fields are unset.
const (
	defaultChunkQueue = 1024
	defaultEventQueue = 256
	defaultReadSize   = 4096
)

// Options tunes a Session.
type Options struct {
	ChunkQueue   int
	EventQueue   int
	ReadSize     int
	MaxLineBytes int
	Logger       zerolog.Logger
}

// Session is the llm.Session implementation backed by an HTTP response body.
type Session struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	log    zerolog.Logger

	chunks chan []byte
	events chan llm.Event
	taken  atomic.Bool

	abortCh   chan struct{} // closed by Abort
	abortOnce sync.Once
	stopCh    chan struct{} // closed when reading must end (abort or terminal record)
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}

	readSize int
	maxLine  int
}

var _ llm.Session = (*Session)(nil)

// NewSession starts decoding body. cancel, if non-nil, cancels the request the
// body belongs to and is called when the session ends.
func NewSession(body io.ReadCloser, cancel context.CancelFunc, opts Options) *Session {
	if opts.ChunkQueue <= 0 {
		opts.ChunkQueue = defaultChunkQueue
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = defaultEventQueue
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if cancel == nil {
		cancel = func() {}
	}
	s := &Session{
		body:     body,
		cancel:   cancel,
		log:      opts.Logger,
		chunks:   make(chan []byte, opts.ChunkQueue),
		events:   make(chan llm.Event, opts.EventQueue),
		abortCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		readSize: opts.ReadSize,
		maxLine:  opts.MaxLineBytes,
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.read() }()
	go func() { defer wg.Done(); s.decode() }()
	go func() {
		wg.Wait()
		s.release()
		close(s.done)
	}()
	return s
}

// Events hands out the event channel once.
func (s *Session) Events() (<-chan llm.Event, error) {
	if !s.taken.CompareAndSwap(false, true) {
		return nil, llm.ErrInternal("completion event stream already taken")
	}
	return s.events, nil
}

// Abort stops the stream. Safe to call repeatedly and after completion.
func (s *Session) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
	s.halt()
}

// Done is closed once both pipeline goroutines exited and the body is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// halt ends reading: signals the reader, cancels the request and closes the
// body so that a blocked Read returns.
func (s *Session) halt() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		s.release()
	})
}

func (s *Session) release() {
	s.closeOnce.Do(func() {
		if err := s.body.Close(); err != nil {
			s.log.Debug().Err(err).Msg("stream body close")
		}
	})
}

func (s *Session) read() {
	defer close(s.chunks)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		buf := make([]byte, s.readSize)
		n, err := s.body.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.stopCh:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopped() {
				s.log.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
	}
}

func (s *Session) decode() {
	dec := Decoder[llm.ChatResponse]{MaxLineBytes: s.maxLine}
	defer s.finish()
	for {
		select {
		case <-s.abortCh:
			return
		default:
		}
		select {
		case <-s.abortCh:
			return
		case chunk, ok := <-s.chunks:
			if !ok {
				if n := dec.Discard(); n > 0 {
					s.log.Warn().Int("bytes", n).Msg("discarding unterminated trailing stream data")
				}
				return
			}
			recs, err := dec.Feed(chunk)
			for _, rec := range recs {
				if rec.Error != "" {
					s.log.Warn().Str("error", rec.Error).Msg("backend failed mid-stream")
				}
				if !s.emit(llm.MessageEvent(rec)) || rec.Done || rec.Error != "" {
					return
				}
			}
			if err != nil {
				s.log.Warn().Err(err).Msg("malformed completion stream")
				return
			}
		}
	}
}

// emit delivers ev unless the session is aborted first.
func (s *Session) emit(ev llm.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.abortCh:
		return false
	}
}

// finish stops reading and delivers the single Stop event. If the session was
// aborted while the consumer is not draining, pending events are discarded to
// make room for Stop so the goroutine never blocks forever.
func (s *Session) finish() {
	s.halt()
	defer close(s.events)
	stop := llm.StopEvent()
	select {
	case s.events <- stop:
		return
	case <-s.abortCh:
	}
	for {
		select {
		case s.events <- stop:
			return
		case <-s.events:
		}
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
