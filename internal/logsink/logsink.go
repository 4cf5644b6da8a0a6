// Package logsink implements the log queue the manager endpoint's LOGOUTPUT
// command streams from (§4.6, §9): every log line produced anywhere in the
// server is also pushed here, buffered, and handed at once to whatever
// subscribers are currently attached (a subscriber that is not ready to
// receive misses the line).
package logsink

import (
	"sync"
	"time"

	"github.com/clockwork-project/cogwheelftp/log"
)

// Line is one captured log record.
type Line struct {
	Time  time.Time
	Event string
	Level string
	Pairs []interface{}
}

// maxBuffered bounds the queue; once full, the oldest line is dropped to
// make room rather than blocking the producer.
const maxBuffered = 4096

// Sink is a multi-producer/single-consumer-per-subscriber log queue. It
// implements log.Logger itself so it can be wrapped around (or substituted
// for) the server's real logger.
type Sink struct {
	mu          sync.Mutex
	buf         []Line
	subscribers map[chan Line]struct{}
	flush       time.Duration
	next        log.Logger // the underlying sink lines are still forwarded to
}

// New builds a Sink that also forwards every line to underlying (which may
// be log.NewNoOpLogger()). flushEvery (the settings' LogFlushMs) is the
// period of Run; it does not delay delivery to subscribers, which happens
// as each line is pushed.
func New(underlying log.Logger, flushEvery time.Duration) *Sink {
	if underlying == nil {
		underlying = log.NewNoOpLogger()
	}

	return &Sink{
		subscribers: make(map[chan Line]struct{}),
		flush:       flushEvery,
		next:        underlying,
	}
}

func (s *Sink) push(level, event string, pairs ...interface{}) {
	line := Line{Time: time.Now(), Event: event, Level: level, Pairs: pairs}

	s.mu.Lock()
	s.buf = append(s.buf, line)
	if len(s.buf) > maxBuffered {
		s.buf = s.buf[len(s.buf)-maxBuffered:]
	}

	for ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Sink) Debug(event string, keyvals ...interface{}) {
	s.push("debug", event, keyvals...)
	s.next.Debug(event, keyvals...)
}

func (s *Sink) Info(event string, keyvals ...interface{}) {
	s.push("info", event, keyvals...)
	s.next.Info(event, keyvals...)
}

func (s *Sink) Warn(event string, keyvals ...interface{}) {
	s.push("warn", event, keyvals...)
	s.next.Warn(event, keyvals...)
}

func (s *Sink) Error(event string, err error, keyvals ...interface{}) {
	s.push("error", event, append(keyvals, "err", err)...)
	s.next.Error(event, err, keyvals...)
}

func (s *Sink) With(keyvals ...interface{}) log.Logger {
	return &withFields{parent: s, fields: keyvals}
}

// withFields carries bound key/value pairs the way the teacher's loggers do
// via their own With, prefixing them onto every call before delegating back
// to the Sink.
type withFields struct {
	parent *Sink
	fields []interface{}
}

func (w *withFields) Debug(event string, keyvals ...interface{}) {
	w.parent.Debug(event, append(append([]interface{}{}, w.fields...), keyvals...)...)
}

func (w *withFields) Info(event string, keyvals ...interface{}) {
	w.parent.Info(event, append(append([]interface{}{}, w.fields...), keyvals...)...)
}

func (w *withFields) Warn(event string, keyvals ...interface{}) {
	w.parent.Warn(event, append(append([]interface{}{}, w.fields...), keyvals...)...)
}

func (w *withFields) Error(event string, err error, keyvals ...interface{}) {
	w.parent.Error(event, err, append(append([]interface{}{}, w.fields...), keyvals...)...)
}

func (w *withFields) With(keyvals ...interface{}) log.Logger {
	return &withFields{parent: w.parent, fields: append(append([]interface{}{}, w.fields...), keyvals...)}
}

// Subscribe registers a channel that receives every buffered line plus
// every future one as it's logged, until the returned unsubscribe func is
// called. The channel is closed on unsubscribe.
func (s *Sink) Subscribe() (ch <-chan Line, unsubscribe func()) {
	out := make(chan Line, maxBuffered)

	s.mu.Lock()
	for _, line := range s.buf {
		select {
		case out <- line:
		default:
		}
	}
	s.subscribers[out] = struct{}{}
	s.mu.Unlock()

	var once sync.Once

	return out, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, out)
			s.mu.Unlock()

			close(out)
		})
	}
}

// Run periodically trims the buffer at the configured flush interval
// (LogFlushMs); callers normally run this in a goroutine for the server's
// lifetime and stop it by closing stop.
func (s *Sink) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.flush)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if len(s.buf) > maxBuffered {
				s.buf = s.buf[len(s.buf)-maxBuffered:]
			}
			s.mu.Unlock()
		}
	}
}
