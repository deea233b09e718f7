package fabric

import (
	"log/slog"
	"sync/atomic"
)

// pendingQueueSize bounds the in-memory FIFO that holds AI-requiring
// messages arrived while a loop is in progress (§4.2, §9 "implicit queues
// → explicit channels").
const pendingQueueSize = 256

// PendingQueue is the bounded FIFO draining into the loop executor once the
// single-flight lock is released. It mirrors the dropped-event-counting
// discipline of the in-process bus: a full queue drops the oldest-arriving
// message rather than blocking the subscriber goroutine, and logs only at
// exponential thresholds so a burst doesn't flood the log.
type PendingQueue struct {
	ch              chan Message
	dropped         atomic.Int64
	lastDropWarning atomic.Int64
	logger          *slog.Logger
}

// NewPendingQueue creates an empty bounded FIFO.
func NewPendingQueue(logger *slog.Logger) *PendingQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingQueue{ch: make(chan Message, pendingQueueSize), logger: logger}
}

// Enqueue attempts a non-blocking send, preserving arrival order for
// everything that fits.
func (q *PendingQueue) Enqueue(m Message) {
	select {
	case q.ch <- m:
	default:
		dropped := q.dropped.Add(1)
		q.maybeLogDropWarning(dropped)
	}
}

// Drain returns the channel to range over; callers read until it would
// block, then stop (the caller owns when "drained" means "done for now").
func (q *PendingQueue) Drain() <-chan Message { return q.ch }

// Len reports how many messages are currently queued.
func (q *PendingQueue) Len() int { return len(q.ch) }

// DroppedCount returns the total number of messages dropped since startup.
func (q *PendingQueue) DroppedCount() int64 { return q.dropped.Load() }

func (q *PendingQueue) maybeLogDropWarning(dropped int64) {
	last := q.lastDropWarning.Load()
	threshold := int64(1)
	for threshold < dropped {
		threshold *= 10
	}
	if dropped == threshold && q.lastDropWarning.CompareAndSwap(last, dropped) {
		q.logger.Warn("fabric: pending-message queue full, dropping", "dropped_total", dropped)
	}
}
