// Package budget implements the Budget Manager (spec.md §4.6): rolling
// hourly and daily token counters with four priority reserves and a
// reserve/settle admission protocol. It is grounded on
// usage.Store's ledger (time-windowed SUM queries over an append-only
// table), generalized from a single SQLite ledger into a pluggable
// rolling-window store so the same admission logic can run against an
// in-memory ledger (single node, default) or Redis sorted sets
// (goadesign-goa-ai's pattern, for a budget store shared across
// processes).
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/argus-observability/agentcore/internal/events"
	"github.com/argus-observability/agentcore/internal/metrics"
)

// Priority is one of the four admission classes named in spec.md §4.6.
type Priority string

const (
	PriorityRoutine  Priority = "routine"
	PriorityElevated Priority = "elevated"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Limits configures the Manager's two rolling windows and the
// critical-priority reserve carved out of the hourly window.
type Limits struct {
	HourlyLimit     int64
	DailyLimit      int64
	MaxOvershoot    int64
	CriticalReserve int64 // tokens reserved exclusively for `critical` priority
}

// Manager is a single-writer actor: all reserve/settle calls are
// serialized through an internal mutex (or, with Redis, through
// Redis's own atomicity), matching spec.md §5's "single-writer actor"
// requirement. The fixed overshoot policy needs no extra state: once
// settled actuals push a window's running total past its limit, the
// next admission attempt against that window is refused because its
// projected total is already over the limit.
type Manager struct {
	limits Limits
	bus    *events.Bus
	store  windowStore

	mu sync.Mutex
}

// New constructs a Manager backed by an in-memory rolling-window
// ledger. Use NewWithRedis for a Redis-backed ledger.
func New(limits Limits, bus *events.Bus) *Manager {
	return &Manager{limits: limits, bus: bus, store: newMemoryWindowStore()}
}

// NewWithRedis constructs a Manager whose rolling windows are Redis
// sorted sets keyed by the given addr, so multiple processes admitting
// against the same budget observe a consistent running total.
func NewWithRedis(limits Limits, bus *events.Bus, addr string) *Manager {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &Manager{limits: limits, bus: bus, store: newRedisWindowStore(rdb)}
}

// Reservation is returned by Reserve on success; Settle consumes it.
type Reservation struct {
	Token    string
	Priority Priority
	Estimate int64
}

// Reserve admits a token estimate against both rolling windows. On
// refusal, ok is false and no tokens are reserved against either
// window (spec.md §4.6: "refused requests reserve nothing").
func (m *Manager) Reserve(ctx context.Context, priority Priority, estimatedTokens int64) (*Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	hourlySum, err := m.store.sum(ctx, "hourly", now.Add(-time.Hour))
	if err != nil {
		metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "error").Inc()
		return nil, false
	}
	dailySum, err := m.store.sum(ctx, "daily", now.Add(-24*time.Hour))
	if err != nil {
		metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "error").Inc()
		return nil, false
	}

	projectedHourly := hourlySum + estimatedTokens
	projectedDaily := dailySum + estimatedTokens

	overHourly := projectedHourly > m.limits.HourlyLimit
	overDaily := projectedDaily > m.limits.DailyLimit

	if overHourly || overDaily {
		if priority != PriorityCritical {
			metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "refused").Inc()
			return nil, false
		}
		// Critical priority may dip into the reserve even though the
		// window is nominally over limit.
		remaining := m.limits.HourlyLimit + m.limits.CriticalReserve - hourlySum
		if estimatedTokens > remaining {
			metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "refused").Inc()
			return nil, false
		}
	}

	id, _ := uuid.NewV7()
	token := id.String()

	if err := m.store.add(ctx, "hourly", token, estimatedTokens, now); err != nil {
		metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "error").Inc()
		return nil, false
	}
	if err := m.store.add(ctx, "daily", token, estimatedTokens, now); err != nil {
		metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "error").Inc()
		return nil, false
	}

	m.publish(ctx, "reserved", priority, estimatedTokens)
	metrics.BudgetReservationsTotal.WithLabelValues(string(priority), "admitted").Inc()
	return &Reservation{Token: token, Priority: priority, Estimate: estimatedTokens}, true
}

// Settle replaces a reservation's estimate with the actual token
// count. Overshoot (actual > estimate) is always accepted into the
// running total; the *next* Reserve call is the one that may then be
// refused, per the fixed overshoot policy.
func (m *Manager) Settle(ctx context.Context, res *Reservation, actualTokens int64) error {
	if res == nil {
		return fmt.Errorf("budget: settle called with nil reservation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := actualTokens - res.Estimate
	if err := m.store.adjust(ctx, "hourly", res.Token, delta); err != nil {
		return fmt.Errorf("settle hourly window: %w", err)
	}
	if err := m.store.adjust(ctx, "daily", res.Token, delta); err != nil {
		return fmt.Errorf("settle daily window: %w", err)
	}

	m.publish(ctx, "settled", res.Priority, actualTokens)
	return nil
}

func (m *Manager) publish(ctx context.Context, action string, priority Priority, tokens int64) {
	if m.bus == nil {
		return
	}
	now := time.Now().UTC()
	hourly, _ := m.store.sum(ctx, "hourly", now.Add(-time.Hour))
	daily, _ := m.store.sum(ctx, "daily", now.Add(-24*time.Hour))
	m.bus.Publish(events.Event{
		Topic: events.TopicBudgetUpdate,
		Kind:  action,
		Data: map[string]any{
			"priority":     string(priority),
			"tokens":       tokens,
			"hourly_used":  hourly,
			"daily_used":   daily,
			"hourly_limit": m.limits.HourlyLimit,
			"daily_limit":  m.limits.DailyLimit,
		},
	})
}

// Snapshot reports current rolling totals, for the GET /budget endpoint.
type Snapshot struct {
	HourlyUsed  int64
	HourlyLimit int64
	DailyUsed   int64
	DailyLimit  int64
}

func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	now := time.Now().UTC()
	hourly, _ := m.store.sum(ctx, "hourly", now.Add(-time.Hour))
	daily, _ := m.store.sum(ctx, "daily", now.Add(-24*time.Hour))
	return Snapshot{
		HourlyUsed:  hourly,
		HourlyLimit: m.limits.HourlyLimit,
		DailyUsed:   daily,
		DailyLimit:  m.limits.DailyLimit,
	}
}

// AlertAdapter narrows a Manager to the alerts.BudgetReserver shape
// (string priority, bare token return) so internal/alerts does not need
// to import this package's typed Priority/Reservation model. It tracks
// the Reservation behind each issued token so a later caller (the
// investigation orchestrator, once the ReAct run completes) can settle
// it with SettleByToken.
type AlertAdapter struct {
	m  *Manager
	mu sync.Mutex
	pending map[string]*Reservation
}

// NewAlertAdapter wraps m for use wherever an alerts.BudgetReserver is
// required.
func NewAlertAdapter(m *Manager) *AlertAdapter {
	return &AlertAdapter{m: m, pending: make(map[string]*Reservation)}
}

// Reserve implements alerts.BudgetReserver.
func (a *AlertAdapter) Reserve(ctx context.Context, priority string, estimatedTokens int64) (string, bool) {
	res, ok := a.m.Reserve(ctx, Priority(priority), estimatedTokens)
	if !ok {
		return "", false
	}
	a.mu.Lock()
	a.pending[res.Token] = res
	a.mu.Unlock()
	return res.Token, true
}

// SettleByToken settles a reservation previously issued through Reserve.
func (a *AlertAdapter) SettleByToken(ctx context.Context, token string, actualTokens int64) error {
	a.mu.Lock()
	res, ok := a.pending[token]
	if ok {
		delete(a.pending, token)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("budget: unknown reservation token %q", token)
	}
	return a.m.Settle(ctx, res, actualTokens)
}
