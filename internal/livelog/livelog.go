// Package livelog is the in-memory append-only log manager (§4.D). Each
// live log is keyed by its Store branch name and broadcasts appended bytes
// to every subscriber via a bounded channel, matching the SSE fan-out shape
// of the teacher's internal/server/sse.go: one producer, many readers, each
// reader owning its own backpressure buffer.
package livelog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the minimum number of pending frames a subscriber
// channel must buffer before the producer blocks (§4.D).
const subscriberBuffer = 100

// ErrNotCancellable's text is the message Cancel reports (with ok false)
// when the log has no associated cancel function.
var ErrNotCancellable = errors.New("livelog: not cancellable")

// ErrAlreadyRegistered is returned by Create when a live log is already
// registered for the given branch name.
var ErrAlreadyRegistered = errors.New("livelog: branch already has a live log")

// Frame is one unit pushed through a log's subscriber streams.
type Frame struct {
	Data []byte
	// End is set on the final frame of a stream, after the log is closed.
	End bool
}

// Log is a single in-progress build's append-only output stream.
type Log struct {
	Branch    string
	SessionID uuid.UUID

	mgr    *Manager
	cancel func() (ok bool, message string)

	mu          sync.Mutex
	buffer      []byte
	subscribers map[int]chan Frame
	nextSub     int
	closed      bool
}

// Stream returns a channel delivering the buffered prefix immediately,
// followed by every subsequent append, then a final frame with End set.
// The channel is closed once the terminal frame has been delivered. When
// ctx is cancelled the subscription is dropped and no further frames are
// sent, but the channel is not closed.
func (l *Log) Stream(ctx context.Context) <-chan Frame {
	out := make(chan Frame, subscriberBuffer)

	l.mu.Lock()
	if len(l.buffer) > 0 {
		out <- Frame{Data: append([]byte(nil), l.buffer...)}
	}
	if l.closed {
		out <- Frame{End: true}
		close(out)
		l.mu.Unlock()
		return out
	}
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = out
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}()

	return out
}

// Append pushes data to every active subscriber. Producers block on
// subscriber congestion rather than dropping frames (§4.D); a subscriber
// that has stopped reading (its consumer went away) is detected via ctx
// cancellation in Stream, not here.
func (l *Log) Append(data []byte) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.buffer = append(l.buffer, data...)
	subs := make([]chan Frame, 0, len(l.subscribers))
	for _, sub := range l.subscribers {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	// Sent without holding l.mu: a subscriber that stops reading blocks
	// only this append, never Stream/Close/Cancel on the same log.
	for _, sub := range subs {
		sub <- Frame{Data: data}
	}
}

// Close drops the log's registration; pending consumers observe
// end-of-stream.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := make([]chan Frame, 0, len(l.subscribers))
	for _, sub := range l.subscribers {
		subs = append(subs, sub)
	}
	l.subscribers = map[int]chan Frame{}
	l.mu.Unlock()

	for _, sub := range subs {
		sub <- Frame{End: true}
		close(sub)
	}

	l.mgr.forget(l.Branch)
}

// Cancel signals the associated computation to stop.
func (l *Log) Cancel() (ok bool, message string) {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return false, ErrNotCancellable.Error()
	}
	return cancel()
}

// Manager tracks the single live log permitted per Store branch at a time.
type Manager struct {
	mu   sync.Mutex
	logs map[string]*Log
}

// New constructs an empty live-log Manager.
func New() *Manager {
	return &Manager{logs: map[string]*Log{}}
}

// Create registers a new live log for branch. cancel, if non-nil, is
// invoked by Log.Cancel.
func (m *Manager) Create(branch string, cancel func() (bool, string)) (*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.logs[branch]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, branch)
	}
	l := &Log{
		Branch:      branch,
		SessionID:   uuid.New(),
		mgr:         m,
		cancel:      cancel,
		subscribers: map[int]chan Frame{},
	}
	m.logs[branch] = l
	return l, nil
}

// Lookup retrieves the live log registered for branch, if any.
func (m *Manager) Lookup(branch string) (*Log, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[branch]
	return l, ok
}

func (m *Manager) forget(branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, branch)
}
