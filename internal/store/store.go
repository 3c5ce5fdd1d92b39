// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a listing or interest id does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicatePending is returned when inserting a second pending
	// interest for the same (listing, user) pair.
	ErrDuplicatePending = errors.New("store: pending interest already exists")

	// ErrStaleState is returned by compare-and-set writes when the row is no
	// longer in one of the expected states.
	ErrStaleState = errors.New("store: row changed state")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithTx runs fn in one atomic unit of work. Any error from fn rolls
	// back every write made through tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Listing reads ---

	// GetListing retrieves a listing and its images.
	GetListing(ctx context.Context, id int64) (*model.Listing, error)

	// ListListings returns one page of listings matching f and the total
	// number of matches.
	ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, int, error)

	// ViewListing adds one to view_count and returns the listing as of that
	// increment, in one statement.
	ViewListing(ctx context.Context, id int64) (*model.Listing, error)

	// --- Interest reads ---

	// GetInterest retrieves an interest by id.
	GetInterest(ctx context.Context, id int64) (*model.Interest, error)

	// ListInterests returns interests matching f, newest first.
	ListInterests(ctx context.Context, f InterestFilter) ([]model.Interest, error)

	// --- Aggregates ---

	AdminStats(ctx context.Context) (*model.AdminStats, error)
	UserStats(ctx context.Context, userID string) (*model.UserStats, error)
}

// Tx is the write side of the store, valid only inside WithTx.
type Tx interface {
	// CreateListing inserts l with its images and assigns l.ID.
	CreateListing(ctx context.Context, l *model.Listing) error

	// LockListing reads a listing and holds it against concurrent writers
	// until the transaction ends.
	LockListing(ctx context.Context, id int64) (*model.Listing, error)

	// UpdateListingFields applies a field patch.
	UpdateListingFields(ctx context.Context, id int64, patch model.ListingPatch) error

	// UpdateListingState applies a state change if the listing is still in
	// one of from; otherwise ErrStaleState.
	UpdateListingState(ctx context.Context, id int64, from []model.ListingStatus, change model.ListingStateChange) error

	// ReplaceImages swaps the image set and returns the previous refs.
	ReplaceImages(ctx context.Context, id int64, refs []string) ([]string, error)

	// DeleteListing removes the listing, cascading to images and interests.
	// It returns the removed image refs.
	DeleteListing(ctx context.Context, id int64) ([]string, error)

	// IncrementInterestCount adds one to interest_count atomically.
	IncrementInterestCount(ctx context.Context, id int64) (int64, error)

	// LockInterest reads an interest and holds it until the transaction ends.
	LockInterest(ctx context.Context, id int64) (*model.Interest, error)

	// InsertInterest persists in and assigns in.ID. A second pending
	// interest for the same listing and user yields ErrDuplicatePending.
	InsertInterest(ctx context.Context, in *model.Interest) error

	// TransitionInterest applies t if the interest is still in one of from;
	// otherwise ErrStaleState.
	TransitionInterest(ctx context.Context, id int64, from []model.InterestStatus, t model.InterestTransition) error
}

// SortField selects the listing ordering column.
type SortField string

const (
	SortCreatedAt     SortField = "created_at"
	SortPrice         SortField = "price"
	SortViewCount     SortField = "view_count"
	SortInterestCount SortField = "interest_count"
	SortPriority      SortField = "priority"
	SortUpdatedAt     SortField = "updated_at"
)

// ParseSortField validates s; empty means created_at.
func ParseSortField(s string) (SortField, bool) {
	switch f := SortField(s); f {
	case "":
		return SortCreatedAt, true
	case SortCreatedAt, SortPrice, SortViewCount, SortInterestCount, SortPriority, SortUpdatedAt:
		return f, true
	}
	return "", false
}

// ListingFilter narrows ListListings. Zero values mean "no constraint".
type ListingFilter struct {
	Category     string
	Region       string
	OwnerID      string
	Search       string
	Kind         *model.ListingKind
	Status       *model.ListingStatus
	Priority     *model.Priority
	ApprovedOnly bool
	MinPrice     *decimal.Decimal
	MaxPrice     *decimal.Decimal

	Sort      SortField
	Ascending bool
	// SecondarySort breaks ties before falling back to id.
	SecondarySort SortField

	Limit  int
	Offset int
}

// InterestFilter narrows ListInterests.
type InterestFilter struct {
	ListingID int64
	UserID    string
	// OwnerID restricts to interests on listings owned by this user.
	OwnerID            string
	Status             *model.InterestStatus
	AdminRequestedOnly bool

	Limit  int
	Offset int
}
