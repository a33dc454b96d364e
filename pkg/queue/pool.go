package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/warden/pkg/config"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	podID    string
	store    Store
	config   *config.QueueConfig
	executor JobExecutor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Job cancellation registry: job ID -> cancel function
	mu         sync.RWMutex
	activeJobs map[string]context.CancelFunc
	started    bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, st Store, cfg *config.QueueConfig, executor JobExecutor) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		store:      st,
		config:     cfg,
		executor:   executor,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines and the orphan detection loop.
// Subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"worker_count", p.config.WorkerCount,
		"max_concurrent_jobs", p.config.MaxConcurrentJobs)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started", "worker_count", len(p.workers))
	return nil
}

// Stop gracefully shuts the pool down: workers stop claiming and finish
// their current jobs. Jobs still running when GracefulShutdownTimeout
// expires are cancelled; their claims surface through orphan recovery.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)

	if active := p.activeJobIDs(); len(active) > 0 {
		slog.Info("Waiting for active jobs to finish", "count", len(active), "job_ids", active)
	}

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.GracefulShutdownTimeout):
		slog.Warn("Graceful shutdown timed out, cancelling active jobs",
			"job_ids", p.activeJobIDs())
		p.cancelAll()
		<-done
	}

	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully", "pod_id", p.podID)
}

// RegisterJob stores a cancel function so the job can be cancelled from
// outside the worker (API cancellation, shutdown deadline).
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes a job from the cancellation registry.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob cancels a running job. Returns false when the job is not
// running on this pod.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	cancel, ok := p.activeJobs[jobID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	slog.Info("Cancelling job", "job_id", jobID, "pod_id", p.podID)
	cancel()
	return true
}

// cancelAll cancels every registered job.
func (p *WorkerPool) cancelAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeJobs {
		cancel()
	}
}

// activeJobIDs returns the IDs of jobs currently held by this pod.
func (p *WorkerPool) activeJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}

// Health returns pool health for the health endpoint.
func (p *WorkerPool) Health() *PoolHealth {
	stats, err := p.store.JobQueueStats(context.Background())
	if err != nil {
		slog.Error("Failed to query queue stats for health check", "pod_id", p.podID, "error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		h := worker.Health()
		workerStats[i] = h
		if h.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbReachable := err == nil
	var dbError string
	if err != nil {
		dbError = fmt.Sprintf("queue stats query failed: %v", err)
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastScan
	orphansRecovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && dbReachable,
		DBReachable:      dbReachable,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveJobs:       stats.ActiveJobs,
		MaxConcurrent:    p.config.MaxConcurrentJobs,
		QueueDepth:       stats.QueueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}
