package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/agrolink/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx holds the write lock for the whole unit of work and restores a
// snapshot on error, so transactions are serializable.
type MemoryStore struct {
	mu        sync.RWMutex
	listings  map[int64]*model.Listing
	interests map[int64]*model.Interest
	nextList  int64
	nextInt   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:  make(map[int64]*model.Listing),
		interests: make(map[int64]*model.Interest),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	listings  map[int64]*model.Listing
	interests map[int64]*model.Interest
	nextList  int64
	nextInt   int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		listings:  make(map[int64]*model.Listing, len(s.listings)),
		interests: make(map[int64]*model.Interest, len(s.interests)),
		nextList:  s.nextList,
		nextInt:   s.nextInt,
	}
	for id, l := range s.listings {
		snap.listings[id] = cloneListing(l)
	}
	for id, in := range s.interests {
		c := *in
		snap.interests[id] = &c
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.listings = snap.listings
	s.interests = snap.interests
	s.nextList = snap.nextList
	s.nextInt = snap.nextInt
}

func (s *MemoryStore) GetListing(_ context.Context, id int64) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return cloneListing(l), nil
}

func (s *MemoryStore) ListListings(_ context.Context, f ListingFilter) ([]model.Listing, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Listing
	for _, l := range s.listings {
		if matchListing(l, f) {
			matched = append(matched, *cloneListing(l))
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return listingLess(&matched[i], &matched[j], f)
	})

	total := len(matched)
	return page(matched, f.Limit, f.Offset), total, nil
}

func (s *MemoryStore) ViewListing(_ context.Context, id int64) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	l.ViewCount++
	return cloneListing(l), nil
}

func (s *MemoryStore) GetInterest(_ context.Context, id int64) (*model.Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.interests[id]
	if !ok {
		return nil, fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	c := *in
	return &c, nil
}

func (s *MemoryStore) ListInterests(_ context.Context, f InterestFilter) ([]model.Interest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Interest
	for _, in := range s.interests {
		if f.ListingID != 0 && in.ListingID != f.ListingID {
			continue
		}
		if f.UserID != "" && in.UserID != f.UserID {
			continue
		}
		if f.Status != nil && in.Status != *f.Status {
			continue
		}
		if f.AdminRequestedOnly && !in.AdminRequested {
			continue
		}
		if f.OwnerID != "" {
			l, ok := s.listings[in.ListingID]
			if !ok || l.OwnerID != f.OwnerID {
				continue
			}
		}
		result = append(result, *in)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return page(result, f.Limit, f.Offset), nil
}

func (s *MemoryStore) AdminStats(_ context.Context) (*model.AdminStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &model.AdminStats{CategoryDistribution: make(map[string]int64)}
	for _, l := range s.listings {
		st.TotalListings++
		if !l.Approved {
			st.PendingApprovals++
		}
		if l.Status == model.StatusActive {
			st.ActiveListings++
		}
		st.CategoryDistribution[l.Category]++
	}
	for _, in := range s.interests {
		st.TotalInterests++
		if in.Status == model.InterestPending {
			st.PendingInterests++
		}
	}
	return st, nil
}

func (s *MemoryStore) UserStats(_ context.Context, userID string) (*model.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &model.UserStats{UserID: userID}
	for _, l := range s.listings {
		if l.OwnerID != userID {
			continue
		}
		st.Listings++
		if l.Status == model.StatusActive {
			st.ActiveListings++
		}
	}
	for _, in := range s.interests {
		if in.UserID != userID {
			continue
		}
		st.Interests++
		switch in.Status {
		case model.InterestAccepted:
			st.AcceptedInterests++
		case model.InterestPending:
			st.PendingInterests++
		}
	}
	return st, nil
}

// memTx operates on the maps directly; the caller already holds s.mu.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) CreateListing(_ context.Context, l *model.Listing) error {
	t.s.nextList++
	l.ID = t.s.nextList
	t.s.listings[l.ID] = cloneListing(l)
	return nil
}

func (t *memTx) LockListing(_ context.Context, id int64) (*model.Listing, error) {
	l, ok := t.s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return cloneListing(l), nil
}

func (t *memTx) UpdateListingFields(_ context.Context, id int64, patch model.ListingPatch) error {
	l, ok := t.s.listings[id]
	if !ok {
		return fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	patch.Apply(l)
	return nil
}

func (t *memTx) UpdateListingState(_ context.Context, id int64, from []model.ListingStatus, change model.ListingStateChange) error {
	l, ok := t.s.listings[id]
	if !ok {
		return fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	if !slices.Contains(from, l.Status) {
		return fmt.Errorf("listing %d is %s: %w", id, l.Status, ErrStaleState)
	}
	change.Apply(l)
	return nil
}

func (t *memTx) ReplaceImages(_ context.Context, id int64, refs []string) ([]string, error) {
	l, ok := t.s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	old := l.ImageRefs()
	l.Images = imagesFromRefs(refs)
	return old, nil
}

func (t *memTx) DeleteListing(_ context.Context, id int64) ([]string, error) {
	l, ok := t.s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	refs := l.ImageRefs()
	delete(t.s.listings, id)
	for iid, in := range t.s.interests {
		if in.ListingID == id {
			delete(t.s.interests, iid)
		}
	}
	return refs, nil
}

func (t *memTx) IncrementInterestCount(_ context.Context, id int64) (int64, error) {
	l, ok := t.s.listings[id]
	if !ok {
		return 0, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	l.InterestCount++
	return l.InterestCount, nil
}

func (t *memTx) LockInterest(_ context.Context, id int64) (*model.Interest, error) {
	in, ok := t.s.interests[id]
	if !ok {
		return nil, fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	c := *in
	return &c, nil
}

func (t *memTx) InsertInterest(_ context.Context, in *model.Interest) error {
	if _, ok := t.s.listings[in.ListingID]; !ok {
		return fmt.Errorf("listing %d: %w", in.ListingID, ErrNotFound)
	}
	if in.Status == model.InterestPending {
		for _, existing := range t.s.interests {
			if existing.ListingID == in.ListingID &&
				existing.UserID == in.UserID &&
				existing.Status == model.InterestPending {
				return ErrDuplicatePending
			}
		}
	}
	t.s.nextInt++
	in.ID = t.s.nextInt
	c := *in
	t.s.interests[in.ID] = &c
	return nil
}

func (t *memTx) TransitionInterest(_ context.Context, id int64, from []model.InterestStatus, tr model.InterestTransition) error {
	in, ok := t.s.interests[id]
	if !ok {
		return fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	if !slices.Contains(from, in.Status) {
		return fmt.Errorf("interest %d is %s: %w", id, in.Status, ErrStaleState)
	}
	tr.Apply(in)
	return nil
}

// --- helpers ---

func cloneListing(l *model.Listing) *model.Listing {
	c := *l
	c.Images = slices.Clone(l.Images)
	return &c
}

func imagesFromRefs(refs []string) []model.Image {
	images := make([]model.Image, 0, len(refs))
	for i, ref := range refs {
		images = append(images, model.Image{Position: i, Ref: ref})
	}
	return images
}

func matchListing(l *model.Listing, f ListingFilter) bool {
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	if f.Region != "" && l.Region != f.Region {
		return false
	}
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if f.Kind != nil && l.Kind != *f.Kind {
		return false
	}
	if f.Status != nil && l.Status != *f.Status {
		return false
	}
	if f.Priority != nil && l.Priority != *f.Priority {
		return false
	}
	if f.ApprovedOnly && !l.Approved {
		return false
	}
	if f.MinPrice != nil && (l.Price == nil || l.Price.LessThan(*f.MinPrice)) {
		return false
	}
	if f.MaxPrice != nil && (l.Price == nil || l.Price.GreaterThan(*f.MaxPrice)) {
		return false
	}
	if f.Search != "" {
		term := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(l.Title), term) &&
			!strings.Contains(strings.ToLower(l.Description), term) {
			return false
		}
	}
	return true
}

// compareBy returns -1, 0 or 1 comparing a and b on field.
func compareBy(a, b *model.Listing, field SortField) int {
	switch field {
	case SortPrice:
		switch {
		case a.Price == nil && b.Price == nil:
			return 0
		case a.Price == nil:
			return -1
		case b.Price == nil:
			return 1
		}
		return a.Price.Cmp(*b.Price)
	case SortViewCount:
		return cmpInt(a.ViewCount, b.ViewCount)
	case SortInterestCount:
		return cmpInt(a.InterestCount, b.InterestCount)
	case SortPriority:
		return cmpInt(int64(a.Priority.Rank()), int64(b.Priority.Rank()))
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortCreatedAt, "":
		return a.CreatedAt.Compare(b.CreatedAt)
	}
	return 0
}

func listingLess(a, b *model.Listing, f ListingFilter) bool {
	for _, field := range []SortField{f.Sort, f.SecondarySort} {
		if field == "" {
			continue
		}
		if c := compareBy(a, b, field); c != 0 {
			if f.Ascending {
				return c < 0
			}
			return c > 0
		}
	}
	if f.Ascending {
		return a.ID < b.ID
	}
	return a.ID > b.ID
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
