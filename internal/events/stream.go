package events

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

// ErrStreamEnded is returned by Next once the completion marker was read.
var ErrStreamEnded = errors.New("event stream ended")

type LogEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     domain.Level   `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
}

// Stream is a single-producer single-consumer event log. Emit appends to an
// unbounded queue and never waits for the reader; nothing is ever dropped.
type Stream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []LogEvent
	finished bool
	last     time.Time
	now      func() time.Time
	mirror   *log.Entry
}

type Option func(*Stream)

// WithMirror copies every event to the operator log.
func WithMirror(entry *log.Entry) Option {
	return func(s *Stream) { s.mirror = entry }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

func NewStream(opts ...Option) *Stream {
	s := &Stream{now: time.Now}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit appends one event. Events emitted after Finish are logged to the
// mirror only.
func (s *Stream) Emit(level domain.Level, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}

	s.mu.Lock()
	ts := s.now().UTC()
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	ev := LogEvent{Timestamp: ts, Level: level, Message: message, Data: data}
	accepted := !s.finished
	if accepted {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()

	if s.mirror != nil {
		mirror(s.mirror, ev, accepted)
	}
}

// Finish appends the completion marker. Repeated calls are no-ops.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.cond.Broadcast()
}

// Next blocks until an event is available. After the marker it returns
// ErrStreamEnded on every call. A cancelled ctx unblocks the wait.
func (s *Stream) Next(ctx context.Context) (LogEvent, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.finished {
		if err := ctx.Err(); err != nil {
			return LogEvent{}, err
		}
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return LogEvent{}, ErrStreamEnded
	}
	ev := s.queue[0]
	s.queue[0] = LogEvent{}
	s.queue = s.queue[1:]
	return ev, nil
}

// Drain reads until the marker and returns everything that was emitted.
func (s *Stream) Drain(ctx context.Context) ([]LogEvent, error) {
	var out []LogEvent
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, ErrStreamEnded) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func mirror(entry *log.Entry, ev LogEvent, accepted bool) {
	e := entry.WithField("stream_level", string(ev.Level))
	if !accepted {
		e = e.WithField("after_finish", true)
	}
	switch ev.Level {
	case domain.LevelDebug:
		e.Debug(ev.Message)
	case domain.LevelWarning:
		e.Warn(ev.Message)
	case domain.LevelError:
		e.Error(ev.Message)
	case domain.LevelSuccess:
		e.WithField("outcome", "success").Info(ev.Message)
	default:
		e.Info(ev.Message)
	}
}
