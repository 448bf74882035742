package db

import (
	"context"
	"time"

	"pastebin/svc/util"

	"github.com/pkg/errors"
)

const (
	checkpointInterval = 5 * time.Minute
	truncatePages      = 1000
)

// StartWALMaintenance checkpoints the write-ahead log until ctx is done,
// with a final checkpoint on the way out. It is a no-op for in-memory
// databases.
func (s *SQLite) StartWALMaintenance(ctx context.Context) {
	if s.memory {
		return
	}
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			if err := s.Checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint and escalates to TRUNCATE when the
// log has grown or readers kept pages busy.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	start := time.Now()
	var busy, logPages, done int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done)
	if err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	util.Debug().Int("busy", busy).Int("log", logPages).Int("checkpointed", done).Msg("passive checkpoint")
	if logPages > truncatePages || busy > 0 {
		if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
		util.Info().Int("busy", busy).Int("log", logPages).Msg("truncate checkpoint")
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *SQLite) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "integrity check")
	}
	if result != "ok" {
		return errors.Errorf("integrity check returned %q", result)
	}
	return nil
}
