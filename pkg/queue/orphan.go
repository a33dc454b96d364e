package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanDetection periodically requeues jobs whose pod stopped
// heartbeating and times out approval waits past their deadline. Every
// pod runs this loop; the store-side updates are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "pod_id", p.podID, "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans runs one sweep and updates the scan metrics.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	ids, err := p.store.RecoverOrphanJobs(ctx, p.config.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("failed to recover orphan jobs: %w", err)
	}
	if len(ids) > 0 {
		slog.Warn("Recovered orphaned jobs", "count", len(ids), "job_ids", ids)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += len(ids)
	p.orphans.mu.Unlock()
	return nil
}

// RecoverStartupJobs fails over jobs this pod left claimed before an
// unclean restart. Called once during startup, before the pool begins
// claiming.
func RecoverStartupJobs(ctx context.Context, st Store, podID string) error {
	ids, err := st.ResetPodJobs(ctx, podID)
	if err != nil {
		return fmt.Errorf("failed to reset jobs from previous run: %w", err)
	}
	if len(ids) > 0 {
		slog.Warn("Recovered jobs claimed by a previous run of this pod",
			"pod_id", podID, "count", len(ids), "job_ids", ids)
	}
	return nil
}
