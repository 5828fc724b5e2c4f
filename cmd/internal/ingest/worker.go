package ingest

import (
	"context"
	"log/slog"

	"chatlog/cmd/internal/archive"
	"chatlog/cmd/internal/metrics"
)

// Worker is the only writer of message rows. It applies queued actions one at a time, in order.
type Worker struct {
	store archive.Store
	queue *Queue
	log   *slog.Logger
}

// NewWorker builds a Worker draining q into st.
func NewWorker(st archive.Store, q *Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, queue: q, log: logger}
}

// Run applies actions until ctx is done, then drains whatever is still queued and returns.
// Processing errors are logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	// Storage calls outlive ctx so the drain can finish after shutdown begins.
	storeCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			drained := w.drain(storeCtx)
			w.log.Info("ingest.worker.stop", "drained", drained)
			return nil
		case <-w.queue.Ready():
			w.drain(storeCtx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) int {
	n := 0
	for {
		a, ok := w.queue.TryPop()
		if !ok {
			return n
		}
		_ = w.Apply(ctx, a)
		n++
	}
}

// Apply runs a single action against storage, logging and counting the outcome.
func (w *Worker) Apply(ctx context.Context, a Action) error {
	var err error
	result := "ok"

	switch act := a.(type) {
	case StoreMessage:
		m := act.Message
		err = w.store.Insert(ctx, m)
		switch {
		case archive.IsConflict(err):
			result = "conflict"
			w.log.Error("ingest.store.conflict", "id", m.ID, "channel", m.Channel, "err", err)
		case err != nil:
			result = "error"
			w.log.Error("ingest.store.fail", "id", m.ID, "channel", m.Channel, "err", err)
		default:
			w.log.Debug("ingest.store", "id", m.ID, "channel", m.Channel, "user", m.Username)
		}

	case DeleteMessage:
		err = w.store.MarkDeleted(ctx, act.ID, act.DeletedAt)
		switch {
		case archive.IsNotFound(err):
			result = "not_found"
			w.log.Warn("ingest.delete.not_found", "id", act.ID, "deleted_at", act.DeletedAt)
		case err != nil:
			result = "error"
			w.log.Error("ingest.delete.fail", "id", act.ID, "err", err)
		default:
			w.log.Info("ingest.delete", "id", act.ID, "deleted_at", act.DeletedAt)
		}

	case Notice:
		if act.AuthFailure {
			result = "auth_failure"
			w.log.Error("ingest.notice.auth_failed", "body", act.Body)
		} else {
			w.log.Info("ingest.notice", "body", act.Body)
		}

	case Ignore:
		if act.Reason != "" {
			result = "malformed"
			w.log.Warn("ingest.ignore", "reason", act.Reason)
		} else {
			result = "unhandled"
		}
	}

	metrics.IngestActions.WithLabelValues(a.Kind(), result).Inc()
	return err
}
