package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBands(t *testing.T) {
	base := time.Now()
	r := NewHeartbeatReceiver()
	r.Record(Heartbeat{AgentID: "a1", Timestamp: base})

	tests := []struct {
		name    string
		elapsed time.Duration
		want    Health
	}{
		{name: "fresh", elapsed: 0, want: HealthHealthy},
		{name: "just under interval", elapsed: HeartbeatInterval - time.Second, want: HealthHealthy},
		{name: "one missed beat", elapsed: HeartbeatInterval, want: HealthWarning},
		{name: "just under timeout", elapsed: HeartbeatTimeout - time.Second, want: HealthWarning},
		{name: "at timeout", elapsed: HeartbeatTimeout, want: HealthUnhealthy},
		{name: "long gone", elapsed: 10 * time.Minute, want: HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Status("a1", base.Add(tt.elapsed))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := r.Status("unknown", base)
	assert.False(t, ok)
}

func TestEvaluateHealthIsEdgeTriggered(t *testing.T) {
	base := time.Now()
	r := NewHeartbeatReceiver()
	r.Record(Heartbeat{AgentID: "b", Timestamp: base})
	r.Record(Heartbeat{AgentID: "a", Timestamp: base})

	assert.Empty(t, r.EvaluateHealth(base.Add(10*time.Second)))

	newly := r.EvaluateHealth(base.Add(HeartbeatTimeout + time.Second))
	assert.Equal(t, []string{"a", "b"}, newly, "sorted, both newly unhealthy")

	assert.Empty(t, r.EvaluateHealth(base.Add(HeartbeatTimeout+2*time.Second)),
		"already unhealthy agents are not re-reported")
}

func TestRecordResetsToHealthy(t *testing.T) {
	base := time.Now()
	r := NewHeartbeatReceiver()
	r.Record(Heartbeat{AgentID: "a1", Timestamp: base})

	require.Equal(t, []string{"a1"}, r.EvaluateHealth(base.Add(time.Minute)))

	// A late heartbeat brings the agent back and re-arms the edge.
	r.Record(Heartbeat{AgentID: "a1", Timestamp: base.Add(time.Minute)})
	got, ok := r.Status("a1", base.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, got)

	assert.Equal(t, []string{"a1"}, r.EvaluateHealth(base.Add(3*time.Minute)))
}

func TestForgetDropsAgent(t *testing.T) {
	r := NewHeartbeatReceiver()
	r.Record(Heartbeat{AgentID: "a1", Timestamp: time.Now()})
	r.Forget("a1")

	_, ok := r.Status("a1", time.Now())
	assert.False(t, ok)
	assert.Empty(t, r.EvaluateHealth(time.Now().Add(time.Hour)))
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	r := NewHeartbeatReceiver()
	r.Record(Heartbeat{AgentID: "a1"})
	got, ok := r.Status("a1", time.Now())
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, got)
}

func TestMonitoringStartStopIdempotent(t *testing.T) {
	r := NewHeartbeatReceiver()
	r.StartMonitoring(func(string) {})
	r.StartMonitoring(func(string) {})
	r.StopMonitoring()
	r.StopMonitoring()
}
