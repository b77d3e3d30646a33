package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionService removes audit records older than the retention period.
type RetentionService struct {
	Pruner        Pruner
	RetentionDays int
	Now           func() time.Time
}

// NewRetentionService creates a retention service. Non-positive retention defaults to 90 days.
func NewRetentionService(p Pruner, retentionDays int) *RetentionService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionService{Pruner: p, RetentionDays: retentionDays, Now: time.Now}
}

// CleanupOldData deletes records created before now minus the retention period.
func (s *RetentionService) CleanupOldData(ctx context.Context) error {
	cutoff := s.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	n, err := s.Pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=audit.CleanupOldData: %w", err)
	}
	slog.Info("audit cleanup completed", slog.Int64("deleted_records", n), slog.Time("cutoff", cutoff))
	return nil
}

// RunPeriodic cleans up once immediately and then every interval until ctx is done.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial audit cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("audit cleanup stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic audit cleanup failed", slog.Any("error", err))
			}
		}
	}
}
