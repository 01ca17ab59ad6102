// Package cleanup enforces retention on the persistent tables: old events
// and decided approval-log rows are pruned on an interval. All operations
// are idempotent.
package cleanup

import (
	"context"
	stdsql "database/sql"
	"log/slog"
	"time"

	"github.com/rndrntwrk/milaidy/pkg/config"
)

// Service periodically prunes aged rows. Only used when a database is
// attached; the in-memory event store enforces its own bounds on append.
type Service struct {
	config *config.RetentionConfig
	db     *stdsql.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service over the database connection.
func NewService(cfg *config.RetentionConfig, db *stdsql.DB) *Service {
	return &Service{config: cfg, db: db}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.config.EventTTL,
		"approval_log_ttl", s.config.ApprovalLogTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	if s.config.EventTTL > 0 {
		cutoff := time.Now().Add(-s.config.EventTTL)
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < $1`, cutoff)
		if err != nil {
			slog.Warn("Failed to prune old events", "error", err)
		} else if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("Pruned old events", "count", n)
		}
	}

	if s.config.ApprovalLogTTL > 0 {
		cutoff := time.Now().Add(-s.config.ApprovalLogTTL)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM approval_log WHERE decided_at IS NOT NULL AND decided_at < $1`, cutoff)
		if err != nil {
			slog.Warn("Failed to prune approval log", "error", err)
		} else if n, _ := res.RowsAffected(); n > 0 {
			slog.Info("Pruned approval log", "count", n)
		}
	}
}
