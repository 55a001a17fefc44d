// internal/refresh/engine.go
// Package refresh runs the scheduled refresh engine: on a fixed cadence it
// re-queries every live-sourced mock record against its original upstream and
// replaces the stored response with whatever came back. One failing record
// never stops the cycle; failures are summarized at the end.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/commandcenter/servicevirt-go/internal/archive"
	"github.com/commandcenter/servicevirt-go/internal/capture"
	"github.com/commandcenter/servicevirt-go/internal/event"
	"github.com/commandcenter/servicevirt-go/internal/metrics"
	"github.com/commandcenter/servicevirt-go/internal/model"
	"github.com/commandcenter/servicevirt-go/internal/storage"
)

// Engine periodically refreshes the stored responses of live-sourced mock
// records. Exactly one cycle runs at a time; within a cycle, per-record
// captures run with bounded concurrency (1 by default, strictly sequential).
type Engine struct {
	store       storage.Store
	capture     *capture.Client
	pub         event.Publisher
	archive     *archive.S3Archive // nil disables snapshot writes
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	metrics     *metrics.Metrics
}

// outcome records what happened to one record within a cycle.
type outcome struct {
	ID         int64
	StatusCode int
	ElapsedMS  int64
	Success    bool
	Err        string
}

// New creates a refresh engine.
// Parameters:
//   - store: Record store to list from and write refreshed responses into
//   - cap: Capture client shared with the validate path
//   - pub: Event publisher for per-record refresh notifications (best-effort)
//   - arc: Optional snapshot archive; nil disables snapshots
//   - interval: Cycle cadence
//   - timeout: Per-record capture deadline
//   - concurrency: Max in-flight captures per cycle; 1 means sequential
func New(store storage.Store, cap *capture.Client, pub event.Publisher, arc *archive.S3Archive, interval, timeout time.Duration, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		store:       store,
		capture:     cap,
		pub:         pub,
		archive:     arc,
		interval:    interval,
		timeout:     timeout,
		concurrency: concurrency,
		metrics:     metrics.NewMetrics(),
	}
}

// Run executes the refresh loop until ctx is cancelled. The first cycle runs
// immediately on start; subsequent cycles fire on a fixed ticker regardless
// of how long each cycle took. Cancellation between cycles stops the engine;
// a cycle already in flight finishes its current record set.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("refresh engine started", "interval", e.interval, "capture_timeout", e.timeout, "concurrency", e.concurrency)

	e.runCycle(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("refresh engine stopped")
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle performs one full refresh pass over every live-sourced record.
// A store listing failure ends the cycle with an error log; the engine stays
// alive for the next tick. Nothing in a cycle panics the engine.
func (e *Engine) runCycle(ctx context.Context) {
	cycleID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	start := time.Now()

	// Engine cancellation stops future ticks, not a cycle already in
	// flight: the current record set finishes under its own per-record
	// deadlines.
	ctx = context.WithoutCancel(ctx)

	tracer := otel.Tracer("refresh")
	ctx, span := tracer.Start(ctx, "refresh.cycle")
	span.SetAttributes(attribute.String("cycle.id", cycleID))
	defer span.End()

	records, err := e.store.ListAll(ctx, true)
	if err != nil {
		slog.Error("refresh cycle aborted: failed to list records", "cycle_id", cycleID, "error", err)
		e.metrics.RefreshCycleTotal.WithLabelValues("error").Inc()
		return
	}

	if len(records) == 0 {
		slog.Info("refresh cycle found no live records", "cycle_id", cycleID)
		e.metrics.RefreshCycleTotal.WithLabelValues("empty").Inc()
		return
	}

	slog.Info("refresh cycle started", "cycle_id", cycleID, "records", len(records))

	outcomes := make([]outcome, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, rec := range records {
		i, rec := i, rec // per-iteration copies; required while go.mod targets go < 1.22
		g.Go(func() error {
			outcomes[i] = e.refreshRecord(gctx, cycleID, rec)
			return nil // per-record failures never cancel the group
		})
	}
	_ = g.Wait()

	successes := 0
	var failedIDs []int64
	for _, o := range outcomes {
		if o.Success {
			successes++
			e.metrics.RefreshRecordTotal.WithLabelValues("ok").Inc()
		} else {
			failedIDs = append(failedIDs, o.ID)
			e.metrics.RefreshRecordTotal.WithLabelValues("error").Inc()
		}
	}

	elapsed := time.Since(start)
	e.metrics.RefreshCycleTotal.WithLabelValues("ok").Inc()
	e.metrics.RefreshCycleDuration.Observe(elapsed.Seconds())

	if len(failedIDs) > 0 {
		slog.Warn("refresh cycle completed with failures",
			"cycle_id", cycleID,
			"succeeded", successes,
			"total", len(records),
			"failed_ids", failedIDs,
			"elapsed_ms", elapsed.Milliseconds())
		return
	}
	slog.Info("refresh cycle completed",
		"cycle_id", cycleID,
		"succeeded", successes,
		"total", len(records),
		"elapsed_ms", elapsed.Milliseconds())
}

// refreshRecord re-queries a single record's upstream and stores the new
// response. Malformed stored headers or parameters degrade to empty maps with
// a warning rather than skipping the record; an unknown stored operation
// degrades to GET. The record's prior response is left untouched on failure.
func (e *Engine) refreshRecord(ctx context.Context, cycleID string, rec model.MockRecord) outcome {
	headers := parseStoredMap(rec.ID, "headers", rec.Headers)
	parameters := parseStoredMap(rec.ID, "parameters", rec.Parameters)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.capture.Execute(callCtx, capture.Request{
		Method:     model.ParseOperation(rec.Operation),
		URL:        rec.OriginalURL,
		Headers:    headers,
		Parameters: parameters,
	})
	if err != nil {
		slog.Warn("refresh capture failed", "cycle_id", cycleID, "id", rec.ID, "url", rec.OriginalURL, "error", err)
		return outcome{ID: rec.ID, Err: err.Error()}
	}

	e.metrics.CaptureTotal.WithLabelValues("refresh", fmt.Sprintf("%d", result.StatusCode)).Inc()
	e.metrics.CaptureDuration.WithLabelValues("refresh", fmt.Sprintf("%d", result.StatusCode)).Observe(float64(result.ElapsedMS) / 1000)

	if err := e.store.UpdateResponse(ctx, rec.ID, result.RawBody); err != nil {
		slog.Warn("refresh store update failed", "cycle_id", cycleID, "id", rec.ID, "error", err)
		return outcome{ID: rec.ID, StatusCode: result.StatusCode, ElapsedMS: result.ElapsedMS, Err: err.Error()}
	}

	if e.archive != nil {
		if key, err := e.archive.StoreSnapshot(ctx, rec.ID, cycleID, result.RawBody); err != nil {
			slog.Warn("refresh snapshot failed", "cycle_id", cycleID, "id", rec.ID, "error", err)
		} else {
			slog.Debug("refresh snapshot stored", "cycle_id", cycleID, "id", rec.ID, "key", key)
		}
	}

	if err := e.pub.PublishMockRefreshed(ctx, rec.ID, result.StatusCode, result.ElapsedMS); err != nil {
		slog.Warn("failed to publish mock refreshed event", "cycle_id", cycleID, "id", rec.ID, "error", err)
	}

	slog.Debug("record refreshed", "cycle_id", cycleID, "id", rec.ID, "status", result.StatusCode, "elapsed_ms", result.ElapsedMS)

	// A non-2xx capture still replaces the stored response (an upstream
	// error page is a valid thing to mock), but the cycle bookkeeping only
	// counts 2xx as success.
	success := result.StatusCode >= 200 && result.StatusCode < 300
	return outcome{ID: rec.ID, StatusCode: result.StatusCode, ElapsedMS: result.ElapsedMS, Success: success}
}

// parseStoredMap decodes a stored JSON object of string pairs. Malformed or
// empty text degrades to an empty map with a logged warning so one corrupt
// column never blocks a refresh.
func parseStoredMap(recordID int64, field, text string) map[string]string {
	if text == "" || text == "{}" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		slog.Warn("malformed stored map, using empty", "id", recordID, "field", field, "error", err)
		return map[string]string{}
	}
	if m == nil {
		m = map[string]string{}
	}
	return m
}
