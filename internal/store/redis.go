package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrolink/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single listings. Transactions go to the primary store and
// invalidate every listing they touched once they commit; reads check
// Redis first then fall back to the primary.
//
// Each listing has a generation counter. A commit bumps it before deleting
// the cached row, and a reader only fills the cache if the generation it saw
// before reading the primary is still current. A read that raced a commit
// therefore never writes the pre-commit row back.
//
// view_count is not kept fresh in the cache: callers that count views use
// ViewListing, which always goes to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// generationTTL outlives any in-flight read by a wide margin.
const generationTTL = 24 * time.Hour

// fillIfCurrent sets KEYS[2] only while KEYS[1] still holds ARGV[1].
var fillIfCurrent = redis.NewScript(`
local gen = redis.call("GET", KEYS[1]) or "0"
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[int64]struct{})
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	for id := range touched {
		s.invalidate(ctx, id)
	}
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, id int64) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, generationKey(id))
		p.Expire(ctx, generationKey(id), generationTTL)
		p.Del(ctx, listingKey(id))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "listing", id, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		decodeErr := json.Unmarshal(data, &l)
		if decodeErr == nil {
			return &l, nil
		}
		slog.DebugContext(ctx, "cached listing undecodable", "listing", id, "err", decodeErr)
	}

	// Cache miss: note the generation, then read from primary.
	gen, err := s.rdb.Get(ctx, generationKey(id)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		gen = "0"
	case err != nil:
		slog.DebugContext(ctx, "cache generation read failed", "listing", id, "err", err)
		return s.primary.GetListing(ctx, id)
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(l); err == nil {
		err := fillIfCurrent.Run(ctx, s.rdb,
			[]string{generationKey(id), listingKey(id)},
			gen, data, s.ttl.Milliseconds()).Err()
		if err != nil {
			slog.DebugContext(ctx, "cache fill failed", "listing", id, "err", err)
		}
	}
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, int, error) {
	return s.primary.ListListings(ctx, f)
}

func (s *CachedStore) ViewListing(ctx context.Context, id int64) (*model.Listing, error) {
	return s.primary.ViewListing(ctx, id)
}

func (s *CachedStore) GetInterest(ctx context.Context, id int64) (*model.Interest, error) {
	return s.primary.GetInterest(ctx, id)
}

func (s *CachedStore) ListInterests(ctx context.Context, f InterestFilter) ([]model.Interest, error) {
	return s.primary.ListInterests(ctx, f)
}

func (s *CachedStore) AdminStats(ctx context.Context) (*model.AdminStats, error) {
	return s.primary.AdminStats(ctx)
}

func (s *CachedStore) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	return s.primary.UserStats(ctx, userID)
}

// cachedTx records which listings a transaction wrote to.
type cachedTx struct {
	Tx
	touched map[int64]struct{}
}

func (t *cachedTx) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := t.Tx.CreateListing(ctx, l); err != nil {
		return err
	}
	t.touched[l.ID] = struct{}{}
	return nil
}

func (t *cachedTx) UpdateListingFields(ctx context.Context, id int64, patch model.ListingPatch) error {
	t.touched[id] = struct{}{}
	return t.Tx.UpdateListingFields(ctx, id, patch)
}

func (t *cachedTx) UpdateListingState(ctx context.Context, id int64, from []model.ListingStatus, change model.ListingStateChange) error {
	t.touched[id] = struct{}{}
	return t.Tx.UpdateListingState(ctx, id, from, change)
}

func (t *cachedTx) ReplaceImages(ctx context.Context, id int64, refs []string) ([]string, error) {
	t.touched[id] = struct{}{}
	return t.Tx.ReplaceImages(ctx, id, refs)
}

func (t *cachedTx) DeleteListing(ctx context.Context, id int64) ([]string, error) {
	t.touched[id] = struct{}{}
	return t.Tx.DeleteListing(ctx, id)
}

func (t *cachedTx) IncrementInterestCount(ctx context.Context, id int64) (int64, error) {
	t.touched[id] = struct{}{}
	return t.Tx.IncrementInterestCount(ctx, id)
}

// --- Cache helpers ---

func listingKey(id int64) string { return fmt.Sprintf("listing:%d", id) }

func generationKey(id int64) string { return fmt.Sprintf("listing:%d:gen", id) }
