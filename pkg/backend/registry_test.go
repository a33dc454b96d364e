package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/warden/pkg/breaker"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/models"
)

type fakeBackend struct {
	id       string
	startErr error
	started  bool
	stopped  bool
	caps     Capabilities
	onStart  func()
}

func (f *fakeBackend) ID() string { return f.id }

func (f *fakeBackend) Start(_ context.Context, _ *config.ProviderConfig) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeBackend) Stop(_ context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeBackend) HealthCheck(_ context.Context) Health {
	return Health{Status: HealthHealthy}
}

func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func (f *fakeBackend) ExecuteTask(ctx context.Context, task Task) (Handle, error) {
	_, cancel := context.WithCancelCause(ctx)
	h := NewStreamHandle(task.ID, 8, cancel)
	h.Finish(&Result{Status: ResultStatusCompleted})
	return h, nil
}

func streamingCaps() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsCancellation: true, ReportsTokenUsage: true}
}

func TestRegistryRegister(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("")
	b := &fakeBackend{id: "primary", caps: streamingCaps()}

	cfg := &config.ProviderConfig{Type: config.ProviderTypeAnthropic, Priority: 1}
	require.NoError(t, reg.Register(ctx, b, cfg))
	assert.True(t, b.started)
	assert.Equal(t, 1, reg.Count())

	err := reg.Register(ctx, &fakeBackend{id: "primary"}, cfg)
	require.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestRegistryDuplicateRaceStopsLoser(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("")
	cfg := &config.ProviderConfig{Type: config.ProviderTypeAnthropic, Priority: 1}
	winner := &fakeBackend{id: "primary", caps: streamingCaps()}

	// A concurrent registration of the same id lands while the loser is
	// still starting, so the loser passes the pre-check but loses the
	// locked one.
	loser := &fakeBackend{id: "primary", caps: streamingCaps()}
	loser.onStart = func() {
		require.NoError(t, reg.Register(ctx, winner, cfg))
	}

	err := reg.Register(ctx, loser, cfg)
	require.ErrorIs(t, err, ErrDuplicateProvider)
	assert.True(t, loser.started)
	assert.True(t, loser.stopped, "a backend started past the duplicate check must be stopped")
	assert.False(t, winner.stopped)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryRegisterStartFailure(t *testing.T) {
	reg := NewRegistry("")
	b := &fakeBackend{id: "broken", startErr: errors.New("missing API key")}

	err := reg.Register(context.Background(), b, &config.ProviderConfig{Type: config.ProviderTypeAnthropic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing API key")
	assert.Equal(t, 0, reg.Count())
}

func TestRegistryUnregister(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("")
	b := &fakeBackend{id: "primary", caps: streamingCaps()}
	require.NoError(t, reg.Register(ctx, b, &config.ProviderConfig{Type: config.ProviderTypeAnthropic}))

	require.NoError(t, reg.Unregister(ctx, "primary"))
	assert.True(t, b.stopped)
	assert.Equal(t, 0, reg.Count())

	err := reg.Unregister(ctx, "primary")
	require.ErrorIs(t, err, ErrProviderNotRegistered)
}

func TestRegistryRouteTaskUsesDefault(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("secondary")
	require.NoError(t, reg.Register(ctx, &fakeBackend{id: "primary", caps: streamingCaps()},
		&config.ProviderConfig{Type: config.ProviderTypeAnthropic, Priority: 1}))
	require.NoError(t, reg.Register(ctx, &fakeBackend{id: "secondary", caps: streamingCaps()},
		&config.ProviderConfig{Type: config.ProviderTypeOpenAICompat, Priority: 2}))

	entry, err := reg.RouteTask(Task{ID: "t1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "secondary", entry.ProviderID)

	entry, err = reg.RouteTask(Task{ID: "t2"}, "primary")
	require.NoError(t, err)
	assert.Equal(t, "primary", entry.ProviderID)
}

func TestRegistryRecordOutcomeTripsCircuit(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("")
	cfg := &config.ProviderConfig{
		Type:    config.ProviderTypeAnthropic,
		Breaker: &config.BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Hour},
	}
	require.NoError(t, reg.Register(ctx, &fakeBackend{id: "primary", caps: streamingCaps()}, cfg))

	reg.RecordOutcome("primary", false, models.ClassificationTransient)
	assert.Equal(t, breaker.StateClosed, reg.CircuitStates()["primary"])

	reg.RecordOutcome("primary", false, models.ClassificationTransient)
	assert.Equal(t, breaker.StateOpen, reg.CircuitStates()["primary"])

	// Unknown providers are dropped silently.
	reg.RecordOutcome("ghost", false, models.ClassificationTransient)
}

func TestRegistryHealthSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("")
	require.NoError(t, reg.Register(ctx, &fakeBackend{id: "beta", caps: streamingCaps()},
		&config.ProviderConfig{Type: config.ProviderTypeOpenAICompat, Priority: 2}))
	require.NoError(t, reg.Register(ctx, &fakeBackend{id: "alpha", caps: streamingCaps()},
		&config.ProviderConfig{Type: config.ProviderTypeAnthropic, Priority: 1}))

	snap := reg.HealthSnapshot(ctx)
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].ProviderID)
	assert.Equal(t, "beta", snap[1].ProviderID)
	assert.Equal(t, HealthHealthy, snap[0].Health.Status)
	assert.Equal(t, "CLOSED", snap[0].CircuitState)
}

func TestRegistryStopAll(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry("")
	a := &fakeBackend{id: "alpha", caps: streamingCaps()}
	b := &fakeBackend{id: "beta", caps: streamingCaps()}
	require.NoError(t, reg.Register(ctx, a, &config.ProviderConfig{Type: config.ProviderTypeAnthropic}))
	require.NoError(t, reg.Register(ctx, b, &config.ProviderConfig{Type: config.ProviderTypeOpenAICompat}))

	require.NoError(t, reg.StopAll(ctx))
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
	assert.Equal(t, 0, reg.Count())
}
