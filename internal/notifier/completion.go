package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/realtime"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
)

const queueSize = 64

// CompletionWatcher sends one notification per download when a push event
// moves it into the completed status.
type CompletionWatcher struct {
	notifier Notifier
	tel      *telemetry.Telemetry

	mu       sync.Mutex
	seen     map[string]download.Status
	notified map[string]bool

	queue chan download.PushEvent
}

func NewCompletionWatcher(n Notifier, tel *telemetry.Telemetry) *CompletionWatcher {
	return &CompletionWatcher{
		notifier: n,
		tel:      tel,
		seen:     make(map[string]download.Status),
		notified: make(map[string]bool),
		queue:    make(chan download.PushEvent, queueSize),
	}
}

// Observe is a realtime.Channel listener. It never blocks; completions that
// do not fit in the queue are dropped.
func (w *CompletionWatcher) Observe(status realtime.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if status.State == realtime.StateDisconnected && len(status.Updates) == 0 {
		clear(w.seen)
		clear(w.notified)

		return
	}

	for id, ev := range status.Updates {
		if ev.Status == nil {
			continue
		}

		prev, known := w.seen[id]
		w.seen[id] = *ev.Status

		if *ev.Status != download.StatusCompleted || !known || prev == download.StatusCompleted || w.notified[id] {
			continue
		}

		select {
		case w.queue <- ev:
			w.notified[id] = true
		default:
		}
	}
}

// Run delivers queued notifications until ctx is done.
func (w *CompletionWatcher) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("component", "notifier")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			content := completionMessage(ev)

			if err := w.notifier.Notify(ctx, content); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "download_id", ev.ID, "err", err)
				w.tel.RecordNotification(ctx, "error")

				continue
			}

			logger.InfoContext(ctx, "download completion notified", "download_id", ev.ID)
			w.tel.RecordNotification(ctx, "success")
		}
	}
}

func completionMessage(ev download.PushEvent) string {
	name := ev.ID
	if ev.Name != nil && *ev.Name != "" {
		name = fmt.Sprintf("%s (%s)", *ev.Name, ev.ID)
	}

	msg := "✅ Download finished: " + name

	if ev.Size != nil && *ev.Size > 0 {
		msg += ", " + humanize.Bytes(uint64(*ev.Size))
	}

	return msg
}
