// Package counter maintains the derived engagement counters on listings.
// Both counters are single atomic increments in the store, never a
// read-modify-write in application memory.
package counter

import (
	"context"
	"errors"
	"fmt"

	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/metrics"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

// Service increments view_count and interest_count.
type Service struct {
	store store.Store
}

// NewService creates a counter service over st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// IncrementView records one view of a listing and returns the new count.
func (s *Service) IncrementView(ctx context.Context, listingID int64) (int64, error) {
	l, err := s.View(ctx, listingID)
	if err != nil {
		return 0, err
	}
	return l.ViewCount, nil
}

// View records one view and returns the listing as of that view, so the
// status and the count in the result come from the same write.
func (s *Service) View(ctx context.Context, listingID int64) (*model.Listing, error) {
	l, err := s.store.ViewListing(ctx, listingID)
	if err != nil {
		return nil, translate(err, listingID)
	}
	metrics.ListingViews.Inc()
	return l, nil
}

// IncrementInterest records one filed interest. It runs inside the caller's
// transaction so the interest and its count commit together.
func (s *Service) IncrementInterest(ctx context.Context, tx store.Tx, listingID int64) (int64, error) {
	n, err := tx.IncrementInterestCount(ctx, listingID)
	if err != nil {
		return 0, translate(err, listingID)
	}
	return n, nil
}

func translate(err error, listingID int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: listing %d", lifecycle.ErrNotFound, listingID)
	}
	return err
}
