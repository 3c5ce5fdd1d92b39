package negotiation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/events"
	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/metrics"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

// Ledger creates interests and answers interest queries.
type Ledger struct {
	deps Deps
}

func NewLedger(deps Deps) *Ledger {
	return &Ledger{deps: deps}
}

// FileInput is an interest as submitted by a counterparty.
type FileInput struct {
	Message       string           `json:"message"`
	OfferPrice    *decimal.Decimal `json:"offer_price"`
	OfferQuantity *decimal.Decimal `json:"offer_quantity"`
}

// FileInterest records a pending interest by actor in a listing and bumps
// its interest_count in the same transaction.
func (l *Ledger) FileInterest(ctx context.Context, actor model.Actor, listingID int64, in FileInput) (*model.Interest, error) {
	if err := lifecycle.NonNegative("offer_price", in.OfferPrice); err != nil {
		return nil, err
	}
	if err := lifecycle.NonNegative("offer_quantity", in.OfferQuantity); err != nil {
		return nil, err
	}

	now := l.deps.now()
	interest := &model.Interest{
		ListingID:     listingID,
		UserID:        actor.ID,
		Message:       in.Message,
		OfferPrice:    in.OfferPrice,
		OfferQuantity: in.OfferQuantity,
		Status:        model.InterestPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := l.deps.Store.WithTx(ctx, func(tx store.Tx) error {
		listing, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckFileInterest(actor, listing); err != nil {
			return err
		}
		_, err = l.insert(ctx, tx, interest)
		return err
	})
	if err != nil {
		return nil, translate(err)
	}

	metrics.InterestsFiled.WithLabelValues("false").Inc()
	slog.Info("interest filed",
		"id", interest.ID,
		"listing", listingID,
		"user", actor.ID,
	)
	l.deps.Events.Emit(ctx, events.InterestFiled, actor.ID, listingKey(listingID), interest)
	return interest, nil
}

// insert persists a pending interest and counts it, returning the new
// interest_count. The listing row must already be locked by tx.
func (l *Ledger) insert(ctx context.Context, tx store.Tx, in *model.Interest) (int64, error) {
	if err := tx.InsertInterest(ctx, in); err != nil {
		return 0, err
	}
	return l.deps.Counters.IncrementInterest(ctx, tx, in.ListingID)
}

// Get returns an interest visible to actor: the interested user, the
// listing owner or an admin.
func (l *Ledger) Get(ctx context.Context, actor model.Actor, id int64) (*model.Interest, error) {
	in, err := l.deps.Store.GetInterest(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	if actor.IsAdmin() || in.UserID == actor.ID {
		return in, nil
	}
	listing, err := l.deps.Store.GetListing(ctx, in.ListingID)
	if err != nil {
		return nil, translate(err)
	}
	if listing.OwnerID != actor.ID {
		return nil, fmt.Errorf("%w: interest %d", lifecycle.ErrPermissionDenied, id)
	}
	return in, nil
}

// ListQuery narrows interest listings.
type ListQuery struct {
	Status *model.InterestStatus
	Limit  int
	Offset int
}

// ListForListing returns the interests on a listing. Owner or admin only.
func (l *Ledger) ListForListing(ctx context.Context, actor model.Actor, listingID int64, q ListQuery) ([]model.Interest, error) {
	listing, err := l.deps.Store.GetListing(ctx, listingID)
	if err != nil {
		return nil, translate(err)
	}
	if err := lifecycle.CanManage(actor, listing); err != nil {
		return nil, err
	}
	return l.list(ctx, store.InterestFilter{
		ListingID: listingID,
		Status:    q.Status,
		Limit:     pageSize(q.Limit),
		Offset:    q.Offset,
	})
}

// ListMine returns the interests actor has filed.
func (l *Ledger) ListMine(ctx context.Context, actor model.Actor, q ListQuery) ([]model.Interest, error) {
	return l.list(ctx, store.InterestFilter{
		UserID: actor.ID,
		Status: q.Status,
		Limit:  pageSize(q.Limit),
		Offset: q.Offset,
	})
}

func (l *Ledger) list(ctx context.Context, f store.InterestFilter) ([]model.Interest, error) {
	items, err := l.deps.Store.ListInterests(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Interest{}
	}
	return items, nil
}
