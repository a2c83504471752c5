package query

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedQueryService wraps a Reader with a Redis read-through cache. The
// projection worker invalidates entries after each applied output, and a
// short TTL bounds staleness when an invalidation is lost.
type CachedQueryService struct {
	primary Reader
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCachedQueryService(primary Reader, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *CachedQueryService {
	return &CachedQueryService{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

var (
	_ Reader = (*QueryService)(nil)
	_ Reader = (*CachedQueryService)(nil)
)

// readThrough returns the cached value under key or loads and caches it.
func readThrough[T any](ctx context.Context, s *CachedQueryService, method, key string, load func() (T, error)) (T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			if s.metrics != nil {
				s.metrics.QueryCacheHits.WithLabelValues(method).Inc()
			}
			return v, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache read failed")
	}
	if s.metrics != nil {
		s.metrics.QueryCacheMisses.WithLabelValues(method).Inc()
	}

	v, err := load()
	if err != nil {
		return v, err
	}

	if data, err := json.Marshal(v); err == nil {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return v, nil
}

func (s *CachedQueryService) GetUser(ctx context.Context, id uuid.UUID) (*UserResponse, error) {
	return readThrough(ctx, s, "get_user", userKey(id), func() (*UserResponse, error) {
		return s.primary.GetUser(ctx, id)
	})
}

func (s *CachedQueryService) GetAccount(ctx context.Context, owner uuid.UUID) (*AccountResponse, error) {
	return readThrough(ctx, s, "get_account", accountKey(owner), func() (*AccountResponse, error) {
		return s.primary.GetAccount(ctx, owner)
	})
}

func (s *CachedQueryService) GetPosition(ctx context.Context, owner uuid.UUID, positionID uint64) (*PositionResponse, error) {
	return readThrough(ctx, s, "get_position", positionKey(owner, positionID), func() (*PositionResponse, error) {
		return s.primary.GetPosition(ctx, owner, positionID)
	})
}

func (s *CachedQueryService) ListPositions(ctx context.Context, owner uuid.UUID, openOnly bool) ([]PositionResponse, error) {
	return readThrough(ctx, s, "list_positions", positionsKey(owner, openOnly), func() ([]PositionResponse, error) {
		return s.primary.ListPositions(ctx, owner, openOnly)
	})
}

func (s *CachedQueryService) GetMarginCall(ctx context.Context, owner uuid.UUID) (*MarginCallResponse, error) {
	return readThrough(ctx, s, "get_margin_call", marginCallKey(owner), func() (*MarginCallResponse, error) {
		return s.primary.GetMarginCall(ctx, owner)
	})
}

func (s *CachedQueryService) GetAggregates(ctx context.Context) (*AggregatesResponse, error) {
	return readThrough(ctx, s, "get_aggregates", aggregatesKey, func() (*AggregatesResponse, error) {
		return s.primary.GetAggregates(ctx)
	})
}

// OutputApplied drops every cache entry the output could have changed.
func (s *CachedQueryService) OutputApplied(ctx context.Context, out core.CoreOutput) {
	keys := InvalidationKeys(out)
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache invalidation failed")
	}
}

// InvalidationKeys lists the cache keys touched by a committed output.
func InvalidationKeys(out core.CoreOutput) []string {
	e := out.Effects
	if e == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	for _, u := range e.Users {
		add(userKey(u.ID))
	}
	for _, a := range e.Accounts {
		add(accountKey(a.Owner))
	}
	for _, p := range e.Positions {
		add(positionKey(p.Owner, p.PositionID))
		add(positionsKey(p.Owner, true))
		add(positionsKey(p.Owner, false))
	}
	for _, mc := range e.MarginCalls {
		add(marginCallKey(mc.Owner))
	}
	if e.Aggregates != nil || e.InsuranceFund != nil {
		add(aggregatesKey)
	}
	return keys
}

const aggregatesKey = "margin:q:aggregates"

func userKey(id uuid.UUID) string       { return fmt.Sprintf("margin:q:user:%s", id) }
func accountKey(id uuid.UUID) string    { return fmt.Sprintf("margin:q:account:%s", id) }
func marginCallKey(id uuid.UUID) string { return fmt.Sprintf("margin:q:margin_call:%s", id) }
func positionKey(id uuid.UUID, positionID uint64) string {
	return fmt.Sprintf("margin:q:position:%s:%d", id, positionID)
}
func positionsKey(id uuid.UUID, openOnly bool) string {
	return fmt.Sprintf("margin:q:positions:%s:%t", id, openOnly)
}
