// Package worker runs scheduled posts for a bot session.
package worker

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fedikit/botkit/bot"
)

var tracer = otel.Tracer("worker")

// SourceFunc produces the markdown source of the next scheduled post.
// Returning an empty string skips the tick.
type SourceFunc func(ctx context.Context) (string, error)

type Worker struct {
	session  *bot.Session
	interval time.Duration
	source   SourceFunc
}

func NewWorker(session *bot.Session, interval time.Duration, source SourceFunc) *Worker {
	return &Worker{
		session,
		interval,
		source,
	}
}

// Run posts on every tick until ctx is cancelled. A failing tick is
// logged and skipped; the schedule keeps going.
func (w *Worker) Run(ctx context.Context) {
	if w.source == nil || w.interval <= 0 {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("scheduled post worker started (interval %s)", w.interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduled post worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Worker.Tick")
	defer span.End()

	source, err := w.source(ctx)
	if err != nil {
		span.RecordError(err)
		log.Printf("failed to produce scheduled post: %v", err)
		return
	}
	if source == "" {
		return
	}

	id, err := w.session.Publish(ctx, source)
	if err != nil {
		span.RecordError(err)
		log.Printf("failed to publish scheduled post: %v", err)
		return
	}

	log.Printf("published scheduled post %s", id)
}
