package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-observability/agentcore/internal/classifier"
	"github.com/argus-observability/agentcore/internal/events"
)

func newTestEngine() *Engine {
	return New(events.New(), nil, nil, nil, nil)
}

func cpuRule(cooldown time.Duration) *Rule {
	return &Rule{
		ID:          "cpu_critical",
		Name:        "CPU critical",
		EventKinds:  map[string]bool{"metric": true},
		MinSeverity: classifier.SeverityUrgent,
		Cooldown:    cooldown,
	}
}

func TestHandleClassifiedFiresOnMatch(t *testing.T) {
	e := newTestEngine()
	e.PutRule(cpuRule(5 * time.Minute))

	e.HandleClassified(context.Background(), "metric", "host-1", classifier.SeverityUrgent, map[string]any{"name": "cpu"})

	active := e.Active(StatusActive, "")
	require.Len(t, active, 1)
	assert.Equal(t, "cpu_critical", active[0].RuleID)
}

func TestDedupSuppressesWithinCooldown(t *testing.T) {
	e := newTestEngine()
	e.PutRule(cpuRule(5 * time.Minute))

	e.HandleClassified(context.Background(), "metric", "host-1", classifier.SeverityUrgent, nil)
	e.HandleClassified(context.Background(), "metric", "host-1", classifier.SeverityUrgent, nil)

	assert.Len(t, e.Active(StatusActive, ""), 1)
}

func TestMutedRuleDoesNotFire(t *testing.T) {
	e := newTestEngine()
	rule := cpuRule(time.Minute)
	e.PutRule(rule)
	require.NoError(t, e.Mute("cpu_critical", time.Hour))

	e.HandleClassified(context.Background(), "metric", "host-1", classifier.SeverityUrgent, nil)

	assert.Empty(t, e.Active(StatusActive, ""))
}

func TestAcknowledgeThenResolveLifecycle(t *testing.T) {
	e := newTestEngine()
	e.PutRule(cpuRule(time.Minute))
	e.HandleClassified(context.Background(), "metric", "host-1", classifier.SeverityUrgent, nil)

	alertID := e.Active(StatusActive, "")[0].ID

	require.NoError(t, e.Acknowledge(context.Background(), alertID, "operator-1"))
	// idempotent
	require.NoError(t, e.Acknowledge(context.Background(), alertID, "operator-1"))

	require.NoError(t, e.Resolve(context.Background(), alertID, "operator-1"))
	assert.Empty(t, e.Active(StatusActive, ""))
	assert.Empty(t, e.Active(StatusAcknowledged, ""))
}

func TestResolveRejectsUnknownAlert(t *testing.T) {
	e := newTestEngine()
	err := e.Resolve(context.Background(), "nonexistent", "operator-1")
	assert.Error(t, err)
}

func TestAcknowledgeRejectsAlreadyResolved(t *testing.T) {
	e := newTestEngine()
	e.PutRule(cpuRule(time.Minute))
	e.HandleClassified(context.Background(), "metric", "host-1", classifier.SeverityUrgent, nil)
	alertID := e.Active(StatusActive, "")[0].ID

	require.NoError(t, e.Resolve(context.Background(), alertID, "op"))
	err := e.Acknowledge(context.Background(), alertID, "op")
	assert.Error(t, err)
}

func TestMuteExtendsToLaterExpiry(t *testing.T) {
	e := newTestEngine()
	e.PutRule(cpuRule(time.Minute))

	require.NoError(t, e.Mute("cpu_critical", 2*time.Hour))
	first := *e.rules["cpu_critical"].MuteUntil

	require.NoError(t, e.Mute("cpu_critical", time.Minute)) // shorter, should not shrink
	second := *e.rules["cpu_critical"].MuteUntil

	assert.True(t, second.Equal(first) || second.After(first))
}
