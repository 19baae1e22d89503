// Package ui renders long-running operations in the terminal. Workers never
// touch view state; they publish events into a bounded Queue that the
// bubbletea event loop drains.
package ui

import (
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fgeck/nextcloud-backup/internal/models"
)

// DefaultQueueSize bounds the number of undelivered progress events.
const DefaultQueueSize = 64

// Queue is a bounded worker-to-UI channel for restore progress. Working
// events are dropped when the consumer lags; terminal events always arrive
// unless the queue is closed first.
type Queue struct {
	ch      chan models.ProgressEvent
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewQueue creates a queue holding up to size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:   make(chan models.ProgressEvent, size),
		done: make(chan struct{}),
	}
}

// Emit implements restore.Sink.
func (q *Queue) Emit(ev models.ProgressEvent) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}

	if ev.Phase.Terminal() {
		select {
		case q.ch <- ev:
		case <-q.done:
		}
		return
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// Events returns the receive side for the UI loop.
func (q *Queue) Events() <-chan models.ProgressEvent {
	return q.ch
}

// Dropped returns how many working events were discarded.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops delivery and releases blocked senders. Emit after Close is a
// no-op.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.ch)
	})
}

// ProgressMsg carries one restore event into the bubbletea loop.
type ProgressMsg models.ProgressEvent

// queueClosedMsg is delivered once the queue is closed and drained.
type queueClosedMsg struct{}

// WaitForEvent returns a command that blocks until the next queued event.
func WaitForEvent(q *Queue) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-q.ch
		if !ok {
			return queueClosedMsg{}
		}
		return ProgressMsg(ev)
	}
}
