package worker

import (
	"context"
	"log/slog"
	"time"

	playerdb "github.com/nodecraft/playerdb/internal"
)

const (
	analyticsChanSize   = 1000
	analyticsBatchSize  = 100
	analyticsFlushEvery = 5 * time.Second
	analyticsDrainTime  = 30 * time.Second
)

// DataPointStore is the persistence interface consumed by AnalyticsRecorder.
type DataPointStore interface {
	InsertDataPoints(ctx context.Context, points []playerdb.DataPoint) error
}

// AnalyticsRecorder buffers data points and batch-flushes them to the
// telemetry dataset. Points are dropped if the channel is full (back-pressure
// on a slow store).
type AnalyticsRecorder struct {
	ch    chan playerdb.DataPoint
	store DataPointStore
}

// NewAnalyticsRecorder creates an AnalyticsRecorder backed by store.
func NewAnalyticsRecorder(store DataPointStore) *AnalyticsRecorder {
	return &AnalyticsRecorder{
		ch:    make(chan playerdb.DataPoint, analyticsChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (a *AnalyticsRecorder) Name() string { return "analytics_recorder" }

// Record enqueues a data point. It never blocks; drops on full channel.
func (a *AnalyticsRecorder) Record(p playerdb.DataPoint) {
	select {
	case a.ch <- p:
	default:
		slog.Warn("data point dropped, channel full")
	}
}

// QueueLen reports the number of buffered points, for the queue gauge.
func (a *AnalyticsRecorder) QueueLen() int { return len(a.ch) }

// Run processes points until ctx is cancelled, then drains what remains.
func (a *AnalyticsRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(analyticsFlushEvery)
	defer ticker.Stop()

	buf := make([]playerdb.DataPoint, 0, analyticsBatchSize)

	for {
		select {
		case p := <-a.ch:
			buf = append(buf, p)
			if len(buf) >= analyticsBatchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				a.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			a.drain(buf)
			return nil
		}
	}
}

func (a *AnalyticsRecorder) drain(buf []playerdb.DataPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), analyticsDrainTime)
	defer cancel()

	for {
		select {
		case p := <-a.ch:
			buf = append(buf, p)
			if len(buf) >= analyticsBatchSize {
				a.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				a.flush(ctx, buf)
			}
			return
		}
	}
}

func (a *AnalyticsRecorder) flush(ctx context.Context, buf []playerdb.DataPoint) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]playerdb.DataPoint, len(buf))
	copy(batch, buf)

	if err := a.store.InsertDataPoints(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analytics flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
