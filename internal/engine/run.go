package engine

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/internal/observability"
	"github.com/convoyai/convoy/pkg/models"
)

// runLLMRequest is the background run for one LLM_REQUEST_START. It aborts
// silently whenever the request is no longer current: a superseding batch
// owns the conversation from that point on.
func (en *Engine) runLLMRequest(ctx context.Context, thisIndex int, req llm.Request) error {
	ctx, span := en.cfg.Tracer.Start(ctx, "llm.request",
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.start_index", thisIndex),
	)
	defer span.End()
	start := time.Now()

	err := en.runStream(ctx, thisIndex, req)

	if en.cfg.Metrics != nil {
		en.cfg.Metrics.LLMRequestDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}
	observability.RecordError(span, err)
	if !en.stillCurrent(thisIndex) {
		en.logger.Debug("stale LLM request failed, ignoring", "startIndex", thisIndex, "error", err)
		return nil
	}
	if en.cfg.Metrics != nil {
		en.cfg.Metrics.LLMRequestCounter.WithLabelValues(req.Model, "error").Inc()
	}
	en.logger.Error("LLM request failed", "startIndex", thisIndex, "error", err)
	_, aerr := en.AddEvents(ctx,
		models.NewEvent(models.EventInternalError, models.InternalErrorData{
			Error: err.Error(),
			Stack: string(debug.Stack()),
		}),
		models.NewEvent(models.EventLLMRequestCancel, models.LLMRequestCancelData{Reason: "error"}),
	)
	return aerr
}

func (en *Engine) runStream(ctx context.Context, thisIndex int, req llm.Request) error {
	client, err := en.hosts.GetLLMClient(ctx)
	if err != nil {
		return err
	}
	if !en.stillCurrent(thisIndex) {
		return nil
	}

	stream, err := client.StreamResponse(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	col := newCollector(en, thisIndex)
	for stream.Next() {
		if !en.stillCurrent(thisIndex) {
			en.logger.Debug("LLM request superseded mid-stream, aborting", "startIndex", thisIndex)
			return nil
		}
		col.handle(ctx, stream.Current())
	}
	if serr := stream.Err(); serr != nil {
		return serr
	}

	events, err := col.flush(ctx)
	if err != nil {
		return err
	}
	if !en.stillCurrent(thisIndex) {
		return nil
	}
	if en.cfg.Metrics != nil {
		en.cfg.Metrics.LLMRequestCounter.WithLabelValues(req.Model, "completed").Inc()
	}
	_, err = en.AddEvents(ctx, events...)
	return err
}

func (en *Engine) stillCurrent(thisIndex int) bool {
	current := en.currentStartIndex()
	return current != nil && *current == thisIndex
}
