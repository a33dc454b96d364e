// Package approval implements the human-in-the-loop gate: one-shot,
// bounded-time decision records that park a running job until a human
// approves or rejects the action.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/events"
	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/services"
)

// writeTimeout bounds the multi-step write sequences. They run on a
// background context so a client disconnect cannot leave a half-applied
// decision behind.
const writeTimeout = 10 * time.Second

// defaultPollInterval is how often AwaitDecision re-reads the row to
// pick up decisions made on other pods.
const defaultPollInterval = 10 * time.Second

// Store is the persistence surface the service runs on. Missing rows
// come back as pgx.ErrNoRows.
type Store interface {
	CreateApproval(ctx context.Context, a *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetApprovalByTokenHash(ctx context.Context, tokenHash string) (*models.ApprovalRequest, error)
	ListApprovals(ctx context.Context, f models.ApprovalFilters) ([]*models.ApprovalRequest, int, error)
	DecideApproval(ctx context.Context, id string, decision models.ApprovalStatus, decidedBy string) (*models.ApprovalRequest, error)
	DecideApprovalByTokenHash(ctx context.Context, tokenHash string, decision models.ApprovalStatus, decidedBy string) (*models.ApprovalRequest, error)
	ExpireStaleApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)
	AppendAudit(ctx context.Context, e *models.ApprovalAuditEntry) error
	AuditTrail(ctx context.Context, approvalRequestID string) ([]*models.ApprovalAuditEntry, error)
	LatestApprovalForJob(ctx context.Context, jobID string) (*models.ApprovalRequest, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ParkJobForApproval(ctx context.Context, id string, expiresAt time.Time) error
	ResumeJobFromApproval(ctx context.Context, id string) (bool, error)
	FailJobTerminal(ctx context.Context, id, podID string, jobErr json.RawMessage) error
}

// Notifier fans approval events out to live subscribers. Implemented by
// events.ConnectionManager.
type Notifier interface {
	Broadcast(agentID, event string, payload any) uint64
}

// Masker redacts credentials from action detail blobs before they are
// persisted or published.
type Masker interface {
	MaskJSON(raw json.RawMessage) json.RawMessage
}

// Actor identifies who performed an approval operation. UserID always
// comes from the authenticated principal; handlers never read it from
// the request body.
type Actor struct {
	UserID   string
	Channel  string
	Metadata json.RawMessage
}

// Service manages approval requests and their audit trail.
type Service struct {
	store  Store
	cfg    *config.ApprovalConfig
	notify Notifier
	masker Masker
	secret string

	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan models.ApprovalStatus
}

// NewService creates an approval service. The token secret is read from
// the environment variable named by the config; an empty secret still
// works but leaves token hashes unsalted.
func NewService(store Store, cfg *config.ApprovalConfig, notify Notifier, masker Masker) *Service {
	if cfg == nil {
		cfg = config.DefaultApprovalConfig()
	}
	secret := os.Getenv(cfg.TokenSecretEnv)
	if secret == "" {
		slog.Warn("Approval token secret is not set; token hashes are unsalted",
			"env", cfg.TokenSecretEnv)
	}
	return &Service{
		store:        store,
		cfg:          cfg,
		notify:       notify,
		masker:       masker,
		secret:       secret,
		pollInterval: defaultPollInterval,
		waiters:      make(map[string][]chan models.ApprovalStatus),
	}
}

// CreateRequest opens a PENDING approval request against a RUNNING job,
// parks the job, and returns the plaintext token exactly once. Only the
// token hash is persisted.
func (s *Service) CreateRequest(httpCtx context.Context, req models.CreateApprovalRequest, actor Actor) (*models.ApprovalCreatedResponse, error) {
	if req.JobID == "" {
		return nil, services.NewValidationError("job_id", "required")
	}
	if req.ActionType == "" {
		return nil, services.NewValidationError("action_type", "required")
	}
	if req.ActionSummary == "" {
		return nil, services.NewValidationError("action_summary", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	job, err := s.store.GetJob(ctx, req.JobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", req.JobID, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if req.AgentID != "" && req.AgentID != job.AgentID {
		return nil, services.NewValidationError("agent_id", "does not match the job's owner")
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("job %s is %s, approvals gate running work: %w",
			job.ID, job.Status, services.ErrConflict)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	ttl := s.cfg.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	now := time.Now().UTC()
	a := &models.ApprovalRequest{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		AgentID:       job.AgentID,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		ActionDetail:  s.maskDetail(req.ActionDetail),
		Status:        models.ApprovalStatusPending,
		TokenHash:     HashToken(s.secret, token),
		RequestedAt:   now,
		ExpiresAt:     now.Add(ttl),
	}

	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	if err := s.store.ParkJobForApproval(ctx, job.ID, a.ExpiresAt); err != nil {
		return nil, fmt.Errorf("park job %s: %w", job.ID, err)
	}
	if err := s.store.AppendAudit(ctx, &models.ApprovalAuditEntry{
		ApprovalRequestID: a.ID,
		JobID:             a.JobID,
		EventType:         models.AuditEventRequested,
		ActorUserID:       actor.UserID,
		ActorChannel:      actor.Channel,
		Details:           actor.Metadata,
	}); err != nil {
		return nil, fmt.Errorf("audit approval request: %w", err)
	}

	s.broadcast(a.AgentID, events.EventApprovalCreated, events.ApprovalCreatedPayload{
		Type:              events.EventApprovalCreated,
		ApprovalRequestID: a.ID,
		JobID:             a.JobID,
		AgentID:           a.AgentID,
		ActionType:        a.ActionType,
		ActionSummary:     a.ActionSummary,
		ActionDetail:      a.ActionDetail,
		ExpiresAt:         events.Timestamp(a.ExpiresAt),
		Timestamp:         events.Timestamp(now),
	})

	return &models.ApprovalCreatedResponse{
		ApprovalRequestID: a.ID,
		PlaintextToken:    token,
		ExpiresAt:         a.ExpiresAt,
	}, nil
}

// Decide applies a terminal decision. The single conditional UPDATE
// guarantees exactly one decider wins; the losers are classified into
// ErrAlreadyDecided, ErrExpired, or not-found by re-reading the row.
func (s *Service) Decide(httpCtx context.Context, id string, decision models.ApprovalStatus, actor Actor, reason string) (*models.ApprovalRequest, error) {
	if !decision.IsDecision() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDecision, decision)
	}
	if actor.UserID == "" {
		return nil, services.NewValidationError("actor", "authenticated principal required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	a, err := s.store.DecideApproval(ctx, id, decision, actor.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyDecideFailure(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", id, err)
	}
	s.finishDecision(ctx, a, actor, reason)
	return a, nil
}

// DecideByToken is Decide keyed by the one-shot bearer token. The token
// is single-use: the first decision flips the status and every later
// lookup fails the PENDING precondition.
func (s *Service) DecideByToken(httpCtx context.Context, token string, decision models.ApprovalStatus, actor Actor, reason string) (*models.ApprovalRequest, error) {
	if !decision.IsDecision() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDecision, decision)
	}
	if actor.UserID == "" {
		return nil, services.NewValidationError("actor", "authenticated principal required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	hash := HashToken(s.secret, token)
	found, err := s.store.GetApprovalByTokenHash(ctx, hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approval token: %w", services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("look up approval token: %w", err)
	}
	if !VerifyToken(s.secret, token, found.TokenHash) {
		return nil, fmt.Errorf("approval token: %w", services.ErrNotFound)
	}

	a, err := s.store.DecideApprovalByTokenHash(ctx, hash, decision, actor.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyDecideFailure(ctx, found.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("decide approval %s: %w", found.ID, err)
	}
	s.finishDecision(ctx, a, actor, reason)
	return a, nil
}

// ExpireStale transitions every PENDING request past its deadline to
// EXPIRED, audits each, notifies waiters, and returns the count. Parked
// jobs are not touched here; the orphan sweep times them out.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireStaleApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		if err := s.store.AppendAudit(ctx, &models.ApprovalAuditEntry{
			ApprovalRequestID: a.ID,
			JobID:             a.JobID,
			EventType:         models.AuditEventExpired,
			ActorChannel:      "system",
		}); err != nil {
			slog.Error("Failed to audit approval expiry",
				"approval_request_id", a.ID, "error", err)
		}
		s.notifyWaiters(a.ID, models.ApprovalStatusExpired)
		s.broadcast(a.AgentID, events.EventApprovalExpired, events.ApprovalExpiredPayload{
			Type:              events.EventApprovalExpired,
			ApprovalRequestID: a.ID,
			JobID:             a.JobID,
			AgentID:           a.AgentID,
			Timestamp:         events.Timestamp(now),
		})
	}
	return len(expired), nil
}

// Get returns one approval request.
func (s *Service) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	a, err := s.store.GetApproval(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", id, services.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return a, nil
}

// List returns a filtered page of approval requests.
func (s *Service) List(ctx context.Context, f models.ApprovalFilters) (*models.ApprovalListResponse, error) {
	if f.Status != "" && !models.ApprovalStatus(f.Status).IsValid() {
		return nil, services.NewValidationError("status", "unknown approval status")
	}
	approvals, total, err := s.store.ListApprovals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return &models.ApprovalListResponse{
		Approvals:  approvals,
		TotalCount: total,
		Limit:      limit,
		Offset:     f.Offset,
	}, nil
}

// AuditTrail returns the append-only trail for one request, oldest
// first.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]*models.ApprovalAuditEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.AuditTrail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return entries, nil
}

// AwaitDecision blocks until the request reaches a terminal status or
// ctx ends. Local decisions arrive through an in-process signal;
// decisions made on other pods are picked up by polling the row.
func (s *Service) AwaitDecision(ctx context.Context, id string) (models.ApprovalStatus, error) {
	ch := make(chan models.ApprovalStatus, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	defer s.removeWaiter(id, ch)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		a, err := s.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if a.Status.IsTerminal() {
			return a.Status, nil
		}
		select {
		case status := <-ch:
			return status, nil
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// AwaitJobDecision finds the newest approval request raised against a job
// and blocks until it reaches a terminal status. The executor calls this
// after noticing its job row was parked.
func (s *Service) AwaitJobDecision(ctx context.Context, jobID string) (models.ApprovalStatus, error) {
	a, err := s.store.LatestApprovalForJob(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s has no approval request: %w", jobID, services.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("find approval for job %s: %w", jobID, err)
	}
	if a.Status.IsTerminal() {
		return a.Status, nil
	}
	return s.AwaitDecision(ctx, a.ID)
}

// classifyDecideFailure explains why the conditional UPDATE matched
// nothing: the row is missing, already terminal, or past its deadline.
func (s *Service) classifyDecideFailure(ctx context.Context, id string) error {
	a, err := s.store.GetApproval(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("approval request %s: %w", id, services.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("classify decide failure: %w", err)
	}
	switch {
	case a.Status == models.ApprovalStatusExpired:
		return fmt.Errorf("approval request %s: %w", id, ErrExpired)
	case a.Status.IsTerminal():
		return fmt.Errorf("approval request %s is %s: %w", id, a.Status, ErrAlreadyDecided)
	default:
		// Still PENDING in the row: only the deadline precondition can
		// have refused the update.
		return fmt.Errorf("approval request %s: %w", id, ErrExpired)
	}
}

// finishDecision runs the post-decision steps. The decision itself is
// already durable, so failures here are logged, not surfaced.
func (s *Service) finishDecision(ctx context.Context, a *models.ApprovalRequest, actor Actor, reason string) {
	resumed, err := s.store.ResumeJobFromApproval(ctx, a.JobID)
	if err != nil {
		slog.Error("Failed to resume job after approval decision",
			"job_id", a.JobID, "approval_request_id", a.ID, "error", err)
	}

	// A rejection finalizes the job, not just the request. Dead-lettering
	// it here keeps the outcome durable even if the executing pod never
	// observes the decision. The resumed check protects later attempts of
	// the same job from a stale rejection.
	if resumed && a.Status == models.ApprovalStatusRejected {
		jobErr, _ := json.Marshal(models.JobError{
			Message:        fmt.Sprintf("approval %s rejected by %s", a.ID, a.DecidedBy),
			Classification: models.ClassificationPermanent,
		})
		if err := s.store.FailJobTerminal(ctx, a.JobID, "", jobErr); err != nil {
			slog.Error("Failed to dead-letter job after rejected approval",
				"job_id", a.JobID, "approval_request_id", a.ID, "error", err)
		}
	}

	eventType := models.AuditEventApproved
	if a.Status == models.ApprovalStatusRejected {
		eventType = models.AuditEventRejected
	}
	if err := s.store.AppendAudit(ctx, &models.ApprovalAuditEntry{
		ApprovalRequestID: a.ID,
		JobID:             a.JobID,
		EventType:         eventType,
		ActorUserID:       actor.UserID,
		ActorChannel:      actor.Channel,
		Details:           decisionDetails(reason, actor.Metadata),
	}); err != nil {
		slog.Error("Failed to audit approval decision",
			"approval_request_id", a.ID, "error", err)
	}

	s.notifyWaiters(a.ID, a.Status)
	s.broadcast(a.AgentID, events.EventApprovalDecided, events.ApprovalDecidedPayload{
		Type:              events.EventApprovalDecided,
		ApprovalRequestID: a.ID,
		JobID:             a.JobID,
		AgentID:           a.AgentID,
		Status:            a.Status,
		DecidedBy:         a.DecidedBy,
		Timestamp:         events.Timestamp(time.Now()),
	})
}

func decisionDetails(reason string, metadata json.RawMessage) json.RawMessage {
	if reason == "" && len(metadata) == 0 {
		return nil
	}
	details, err := json.Marshal(struct {
		Reason   string          `json:"reason,omitempty"`
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{Reason: reason, Metadata: metadata})
	if err != nil {
		return nil
	}
	return details
}

// broadcast publishes to the owning agent's channel and the shared
// approvals channel.
func (s *Service) broadcast(agentID, event string, payload any) {
	if s.notify == nil {
		return
	}
	s.notify.Broadcast(agentID, event, payload)
	s.notify.Broadcast(events.ApprovalsChannel, event, payload)
}

func (s *Service) maskDetail(raw json.RawMessage) json.RawMessage {
	if s.masker == nil || len(raw) == 0 {
		return raw
	}
	return s.masker.MaskJSON(raw)
}

func (s *Service) notifyWaiters(id string, status models.ApprovalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters[id] {
		select {
		case ch <- status:
		default:
		}
	}
	delete(s.waiters, id)
}

func (s *Service) removeWaiter(id string, ch chan models.ApprovalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}
