package svc

import (
	"context"
	"time"

	"pastebin/metrics"
	"pastebin/svc/util"
)

type expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweep deletes every paste whose expiry has passed. Expired rows are
// already invisible; this only reclaims space.
func Sweep(ctx context.Context, store expirer) (int, error) {
	metrics.SweepCycles.Inc()
	n, err := store.DeleteExpired(ctx, time.Now().UTC())
	metrics.SweptPastes.Add(float64(n))
	return n, err
}

// StartCleaner sweeps on every tick until ctx is done.
func StartCleaner(ctx context.Context, store expirer, interval time.Duration) {
	go runCleaner(ctx, store, interval)
}

func runCleaner(ctx context.Context, store expirer, interval time.Duration) {
	cleanupRequestID := util.NewID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := Sweep(ctx, store)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", cleanupRequestID).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", cleanupRequestID).
					Msg("cleanup completed")
			}
		}
	}
}
