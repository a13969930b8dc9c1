package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowStore is the rolling-window ledger the Manager admits against.
// Two implementations exist: an in-memory one (default, single
// process) and a Redis-backed one (shared across processes). Both
// record (token -> amount, timestamp) tuples per named window ("hourly",
// "daily") and support summing everything newer than a cutoff.
type windowStore interface {
	add(ctx context.Context, window, token string, amount int64, ts time.Time) error
	adjust(ctx context.Context, window, token string, delta int64) error
	sum(ctx context.Context, window string, since time.Time) (int64, error)
}

// --- in-memory implementation -------------------------------------------

type memEntry struct {
	amount int64
	ts     time.Time
}

type memoryWindowStore struct {
	mu      sync.Mutex
	entries map[string]map[string]*memEntry // window -> token -> entry
}

func newMemoryWindowStore() *memoryWindowStore {
	return &memoryWindowStore{entries: make(map[string]map[string]*memEntry)}
}

func (s *memoryWindowStore) add(_ context.Context, window, token string, amount int64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[window] == nil {
		s.entries[window] = make(map[string]*memEntry)
	}
	s.entries[window][token] = &memEntry{amount: amount, ts: ts}
	return nil
}

func (s *memoryWindowStore) adjust(_ context.Context, window, token string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[window]
	if !ok {
		return fmt.Errorf("unknown window %q", window)
	}
	e, ok := m[token]
	if !ok {
		return fmt.Errorf("unknown token %q in window %q", token, window)
	}
	e.amount += delta
	return nil
}

func (s *memoryWindowStore) sum(_ context.Context, window string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for token, e := range s.entries[window] {
		if e.ts.Before(since) {
			delete(s.entries[window], token) // opportunistic prune
			continue
		}
		total += e.amount
	}
	return total, nil
}

// --- Redis implementation ------------------------------------------------

// redisWindowStore keeps, per window, a sorted set of tokens scored by
// reservation time (for pruning and cutoff queries) and a hash of
// token -> amount (since sorted-set scores can't hold arbitrary
// payloads). Both are namespaced under "argus:budget:<window>".
type redisWindowStore struct {
	rdb *redis.Client
}

func newRedisWindowStore(rdb *redis.Client) *redisWindowStore {
	return &redisWindowStore{rdb: rdb}
}

func (s *redisWindowStore) indexKey(window string) string  { return fmt.Sprintf("argus:budget:%s:index", window) }
func (s *redisWindowStore) amountsKey(window string) string { return fmt.Sprintf("argus:budget:%s:amounts", window) }

func (s *redisWindowStore) add(ctx context.Context, window, token string, amount int64, ts time.Time) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.indexKey(window), redis.Z{Score: float64(ts.UnixNano()), Member: token})
	pipe.HSet(ctx, s.amountsKey(window), token, amount)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisWindowStore) adjust(ctx context.Context, window, token string, delta int64) error {
	exists, err := s.rdb.HExists(ctx, s.amountsKey(window), token).Result()
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("unknown token %q in window %q", token, window)
	}
	return s.rdb.HIncrBy(ctx, s.amountsKey(window), token, delta).Err()
}

func (s *redisWindowStore) sum(ctx context.Context, window string, since time.Time) (int64, error) {
	indexKey := s.indexKey(window)

	// Prune anything older than the cutoff so the index doesn't grow
	// unbounded across restarts.
	if err := s.rdb.ZRemRangeByScore(ctx, indexKey, "-inf", fmt.Sprintf("(%d", since.UnixNano())).Err(); err != nil {
		return 0, err
	}

	tokens, err := s.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	amounts, err := s.rdb.HMGet(ctx, s.amountsKey(window), tokens...).Result()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, v := range amounts {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(str, "%d", &n); err == nil {
			total += n
		}
	}
	return total, nil
}
