package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timeseries.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := s.Append(ctx, KindSystemMetric, []Row{
		{Timestamp: now, Source: "s1", Payload: map[string]any{"name": "cpu", "value": 97.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := s.Query(ctx, KindSystemMetric, Filter{
		Window: Window{Start: now.Add(-time.Minute), End: now.Add(time.Minute)},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "cpu", res.Rows[0].Payload["name"])
	assert.False(t, res.Truncated)
}

func TestQueryWindowExcludesOutOfRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Append(ctx, KindLog, []Row{
		{Timestamp: now.Add(-2 * time.Hour), Source: "s1", Payload: map[string]any{"msg": "old"}},
	})
	require.NoError(t, err)

	res, err := s.Query(ctx, KindLog, Filter{Window: Window{Start: now.Add(-time.Minute), End: now.Add(time.Minute)}})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestQueryJSONPathFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Append(ctx, KindLog, []Row{
		{Timestamp: now, Source: "s1", Payload: map[string]any{"severity": "error", "msg": "boom"}},
		{Timestamp: now, Source: "s1", Payload: map[string]any{"severity": "info", "msg": "ok"}},
	})
	require.NoError(t, err)

	res, err := s.Query(ctx, KindLog, Filter{
		Window:   Window{Start: now.Add(-time.Minute), End: now.Add(time.Minute)},
		JSONPath: "$[?(@.severity=='error')]",
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "boom", res.Rows[0].Payload["msg"])
}

func TestAggregateBucketsByGroup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Append(ctx, KindSystemMetric, []Row{
		{Timestamp: now, Source: "host-a", Payload: map[string]any{"name": "cpu", "value": 10.0}},
		{Timestamp: now, Source: "host-b", Payload: map[string]any{"name": "cpu", "value": 30.0}},
	})
	require.NoError(t, err)

	buckets, err := s.Aggregate(ctx, AggregateRequest{
		Kind:        KindSystemMetric,
		Window:      Window{Start: now.Add(-time.Minute), End: now.Add(time.Minute)},
		BucketWidth: time.Hour,
		ValueField:  "value",
		GroupBy:     "name",
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Count)
	assert.Equal(t, 40.0, buckets[0].Sum)
	assert.Equal(t, 20.0, buckets[0].Average)
}

func TestPurgeRemovesOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Append(ctx, KindDeployEvent, []Row{
		{Timestamp: now.Add(-48 * time.Hour), Source: "ci", Payload: map[string]any{"ref": "old"}},
		{Timestamp: now, Source: "ci", Payload: map[string]any{"ref": "new"}},
	})
	require.NoError(t, err)

	n, err := s.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res, err := s.Query(ctx, KindDeployEvent, Filter{Window: Window{Start: now.Add(-72 * time.Hour), End: now.Add(time.Minute)}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "new", res.Rows[0].Payload["ref"])
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Append(context.Background(), Kind("bogus"), []Row{{}})
	assert.Error(t, err)
}
