package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/idlemail/idlemail/internal/hub"
)

// Memory is the in-process retry agent. Queued tasks are lost when the
// process terminates; that is the documented data-loss boundary of this
// variant.
type Memory struct {
	log   *slog.Logger
	delay time.Duration
	q     *queue
}

// NewMemory creates a memory retry agent that releases every enqueued task
// delay after its enqueue time.
func NewMemory(delay time.Duration, log *slog.Logger) *Memory {
	return &Memory{
		log:   log.With("retryagent", "memory"),
		delay: delay,
		q:     newQueue(),
	}
}

// Enqueue schedules a failed task for re-submission. Never blocks on the
// release loop.
func (m *Memory) Enqueue(task hub.Task) {
	m.log.Info("queueing mail for retransmission",
		"mail", task.Mail.ID, "destination", task.Destination, "delay", m.delay)
	m.q.push(entry{due: time.Now().Add(m.delay), task: task})
}

// Run releases due tasks until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, release func(hub.Task)) error {
	return m.q.run(ctx, func(e entry) {
		m.log.Info("mail due for retransmission",
			"mail", e.task.Mail.ID, "destination", e.task.Destination)
		release(e.task)
	})
}
