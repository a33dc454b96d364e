// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// Expirer sweeps PENDING approval requests past their deadline.
// Implemented by approval.Service.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Store is the pruning surface the retention sweeps run on.
type Store interface {
	DeleteDeadLetterJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Service periodically enforces retention policies:
//   - Expires stale approval requests (frequent, small sweep)
//   - Deletes DEAD_LETTER jobs past the retention window
//   - Prunes audit rows past the audit retention window
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	retention *config.RetentionConfig
	approvals *config.ApprovalConfig
	expirer   Expirer
	store     Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(
	retention *config.RetentionConfig,
	approvals *config.ApprovalConfig,
	expirer Expirer,
	store Store,
) *Service {
	return &Service{
		retention: retention,
		approvals: approvals,
		expirer:   expirer,
		store:     store,
	}
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
		"approval_sweep_interval", s.approvals.SweepInterval,
		"dead_letter_retention_days", s.retention.DeadLetterRetentionDays,
		"audit_retention_days", s.retention.AuditRetentionDays,
		"retention_interval", s.retention.CleanupInterval)
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

	s.expireApprovals(ctx)
	s.pruneRetention(ctx)

	sweep := time.NewTicker(s.approvals.SweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(s.retention.CleanupInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.expireApprovals(ctx)
		case <-retention.C:
			s.pruneRetention(ctx)
		}
	}
}

func (s *Service) pruneRetention(ctx context.Context) {
	s.pruneDeadLetterJobs(ctx)
	s.pruneAuditEntries(ctx)
}

func (s *Service) expireApprovals(_ context.Context) {
	count, err := s.expirer.ExpireStale(context.Background(), time.Now().UTC())
	if err != nil {
		slog.Error("Retention: approval expiry sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: expired stale approval requests", "count", count)
	}
}

func (s *Service) pruneDeadLetterJobs(_ context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention.DeadLetterRetentionDays)
	count, err := s.store.DeleteDeadLetterJobsBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: dead-letter job pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old dead-letter jobs", "count", count)
	}
}

func (s *Service) pruneAuditEntries(_ context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention.AuditRetentionDays)
	count, err := s.store.DeleteAuditBefore(context.Background(), cutoff)
	if err != nil {
		slog.Error("Retention: audit pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned old audit entries", "count", count)
	}
}
