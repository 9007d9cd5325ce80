package worker

import (
	"context"
	"log/slog"
	"time"
)

const rotationInterval = time.Hour

// TokenRotator is the token manager surface the rotation worker drives.
type TokenRotator interface {
	ProactiveRefresh(ctx context.Context) error
}

// Purger removes expired persistent cache rows.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// RotationWorker periodically asks the token manager to rotate a near-expiry
// refresh token and shrink an idle session pool, and vacuums expired cache
// rows while it is at it. Pure liveness maintenance; no per-request work.
type RotationWorker struct {
	rotator TokenRotator
	purger  Purger
}

// NewRotationWorker creates a RotationWorker. purger may be nil.
func NewRotationWorker(rotator TokenRotator, purger Purger) *RotationWorker {
	return &RotationWorker{rotator: rotator, purger: purger}
}

// Name returns the worker identifier.
func (w *RotationWorker) Name() string { return "token_rotation" }

// Run ticks hourly until ctx is cancelled.
func (w *RotationWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *RotationWorker) tick(ctx context.Context) {
	if err := w.rotator.ProactiveRefresh(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "proactive refresh failed",
			slog.String("error", err.Error()),
		)
	}
	if w.purger != nil {
		if n, err := w.purger.PurgeExpired(ctx); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "cache purge failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			slog.LogAttrs(ctx, slog.LevelInfo, "cache purged",
				slog.Int64("rows", n),
			)
		}
	}
}
