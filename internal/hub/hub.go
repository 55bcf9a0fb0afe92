// Package hub implements the central router between mail sources and
// delivery destinations, including retry dispatch for failed deliveries.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/idlemail/idlemail/internal/mail"
)

// Task is one delivery obligation: this message must still reach this
// destination. A single ingested message fans out into one Task per mapped
// destination, and each Task succeeds or fails independently.
type Task struct {
	Destination string
	Mail        mail.Message
}

// Source produces mail messages from an external mailbox. Run blocks until
// ctx is cancelled, calling emit once per discovered message. Fetch errors
// are handled inside the loop; a non-nil return means the source gave up
// entirely.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(mail.Message)) error
}

// Destination consumes and delivers a mail message. Deliver must be safe
// for concurrent calls with different messages; the hub serializes
// deliveries per destination, so a single session per destination is fine.
type Destination interface {
	Name() string
	Deliver(ctx context.Context, msg mail.Message) error
}

// RetryAgent holds failed delivery tasks and releases them after a delay.
// Enqueue must not block on the release loop. Run blocks until ctx is
// cancelled, calling release once per entry when its delay elapses; entries
// still queued at cancellation are the agent's own concern (the filesystem
// agent has already persisted them, the memory agent loses them).
type RetryAgent interface {
	Enqueue(task Task)
	Run(ctx context.Context, release func(Task)) error
}

// taskBacklog is the per-destination dispatch buffer. Sources block once a
// destination falls this far behind, which throttles polling instead of
// growing memory without bound.
const taskBacklog = 64

// Hub owns the source-to-destination routing table, fans out delivery
// tasks, and feeds failed deliveries into the retry agent. The routing
// table is immutable after New.
type Hub struct {
	log     *slog.Logger
	routes  map[string][]string
	sources []Source
	workers map[string]*worker
	agent   RetryAgent // nil when no retry agent is configured
}

type worker struct {
	dst   Destination
	tasks chan Task
}

// New wires a hub from already-validated configuration. routes maps a
// source name to the ordered destination names its messages fan out to.
// agent may be nil, in which case failed deliveries are terminal.
func New(log *slog.Logger, routes map[string][]string, sources []Source, destinations []Destination, agent RetryAgent) *Hub {
	workers := make(map[string]*worker, len(destinations))
	for _, dst := range destinations {
		workers[dst.Name()] = &worker{dst: dst, tasks: make(chan Task, taskBacklog)}
	}
	return &Hub{
		log:     log,
		routes:  routes,
		sources: sources,
		workers: workers,
		agent:   agent,
	}
}

// Ingest accepts a message from a source and submits one delivery task per
// mapped destination. A source missing from the routing table is a
// configuration gap, not a crash: the message is dropped with a warning.
func (h *Hub) Ingest(msg mail.Message) {
	dsts := h.routes[msg.Source]
	if len(dsts) == 0 {
		h.log.Warn("no destinations mapped for source, dropping message",
			"source", msg.Source, "mail", msg.ID)
		return
	}
	h.log.Info("mail ingested",
		"source", msg.Source, "mail", msg.ID, "subject", msg.Subject())
	for _, dst := range dsts {
		h.submit(Task{Destination: dst, Mail: msg})
	}
}

// submit hands a task to its destination worker. Blocks while the worker's
// backlog is full.
func (h *Hub) submit(task Task) {
	w, ok := h.workers[task.Destination]
	if !ok {
		// Can happen when a persisted retry entry references a destination
		// that has since been removed from the configuration.
		h.log.Error("task for unknown destination dropped",
			"destination", task.Destination, "mail", task.Mail.ID)
		return
	}
	w.tasks <- task
}

// redispatch is the release callback handed to the retry agent. A released
// task goes through the same delivery path as a fresh one, so a second
// failure re-enters the retry queue.
func (h *Hub) redispatch(task Task) {
	h.log.Info("retrying delivery",
		"destination", task.Destination, "mail", task.Mail.ID)
	h.submit(task)
}

// handleFailure routes a failed delivery into the retry agent. Without an
// agent the failure is terminal and the message is lost for that
// destination only; deliveries to the message's other destinations are
// unaffected.
func (h *Hub) handleFailure(task Task) {
	if h.agent == nil {
		h.log.Error("delivery failed and no retry agent configured, dropping task",
			"destination", task.Destination, "mail", task.Mail.ID)
		return
	}
	h.agent.Enqueue(task)
}

// runWorker serializes deliveries for one destination until its task
// channel is closed.
func (h *Hub) runWorker(ctx context.Context, w *worker) {
	for task := range w.tasks {
		if err := w.dst.Deliver(ctx, task.Mail); err != nil {
			h.log.Error("delivery failed",
				"destination", w.dst.Name(), "mail", task.Mail.ID, "error", err)
			h.handleFailure(task)
			continue
		}
		h.log.Info("mail delivered",
			"destination", w.dst.Name(), "mail", task.Mail.ID)
	}
}

// Run starts every source loop, one delivery worker per destination, and
// the retry agent's release loop, then blocks until ctx is cancelled and
// the ordered shutdown completes.
//
// Shutdown order matters: sources stop first so no new mail arrives, then
// the retry agent stops releasing (entries stay queued, and persisted for
// the filesystem agent), and only then are the workers drained so that
// failures from in-flight deliveries still reach Enqueue before exit.
func (h *Hub) Run(ctx context.Context) error {
	deliverCtx := context.Background()

	var workerWG sync.WaitGroup
	for _, w := range h.workers {
		workerWG.Add(1)
		go func(w *worker) {
			defer workerWG.Done()
			h.runWorker(deliverCtx, w)
		}(w)
	}

	retryCtx, stopRetry := context.WithCancel(context.Background())
	defer stopRetry()
	var retryWG sync.WaitGroup
	if h.agent != nil {
		retryWG.Add(1)
		go func() {
			defer retryWG.Done()
			if err := h.agent.Run(retryCtx, h.redispatch); err != nil {
				h.log.Error("retry agent stopped with error", "error", err)
			}
		}()
	}

	var sourceWG sync.WaitGroup
	for _, src := range h.sources {
		sourceWG.Add(1)
		go func(src Source) {
			defer sourceWG.Done()
			h.log.Info("starting source", "source", src.Name())
			if err := src.Run(ctx, h.Ingest); err != nil {
				h.log.Error("source stopped with error", "source", src.Name(), "error", err)
			}
		}(src)
	}

	<-ctx.Done()
	h.log.Info("shutting down")

	sourceWG.Wait()
	h.log.Info("sources stopped")

	stopRetry()
	retryWG.Wait()
	h.log.Info("retry agent stopped")

	for _, w := range h.workers {
		close(w.tasks)
	}
	workerWG.Wait()
	h.log.Info("destinations stopped")

	return nil
}
