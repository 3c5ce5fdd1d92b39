package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/events"
	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/metrics"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

// Bridge lets an admin act as intermediary for a buyer. The admin files
// the interest under their own id and the listing moves to requested.
type Bridge struct {
	deps   Deps
	ledger *Ledger
	engine *Engine
}

func NewBridge(deps Deps, ledger *Ledger, engine *Engine) *Bridge {
	return &Bridge{deps: deps, ledger: ledger, engine: engine}
}

// AdminRequestInput is the body of an admin request.
type AdminRequestInput struct {
	Message  string           `json:"message"`
	Quantity *decimal.Decimal `json:"quantity"`
}

// AdminRequest files an admin_requested pending interest and moves the
// listing to requested.
func (b *Bridge) AdminRequest(ctx context.Context, actor model.Actor, listingID int64, in AdminRequestInput) (*Outcome, error) {
	if err := lifecycle.NonNegative("quantity", in.Quantity); err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		msg = lifecycle.DefaultAdminRequestMessage
	}

	now := b.deps.now()
	interest := &model.Interest{
		ListingID:      listingID,
		UserID:         actor.ID,
		Message:        msg,
		OfferQuantity:  in.Quantity,
		Status:         model.InterestPending,
		AdminRequested: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var listing *model.Listing
	err := b.deps.Store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, listingID)
		if err != nil {
			return err
		}
		change, err := lifecycle.AdminRequest(actor, l, now)
		if err != nil {
			return err
		}
		n, err := b.ledger.insert(ctx, tx, interest)
		if err != nil {
			return err
		}
		if err := tx.UpdateListingState(ctx, listingID, lifecycle.OpenStatuses, change); err != nil {
			return err
		}
		change.Apply(l)
		l.InterestCount = n
		listing = l
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	metrics.InterestsFiled.WithLabelValues("true").Inc()
	metrics.ListingTransitions.WithLabelValues(string(model.StatusRequested)).Inc()
	slog.Info("admin request filed",
		"interest", interest.ID,
		"listing", listingID,
		"admin", actor.ID,
	)
	out := &Outcome{Interest: interest, Listing: listing}
	b.deps.Events.Emit(ctx, events.ListingRequested, actor.ID, listingKey(listingID), out)
	return out, nil
}

// RespondToAdminRequest lets the listing owner accept or decline an admin
// request on their listing.
func (b *Bridge) RespondToAdminRequest(ctx context.Context, actor model.Actor, interestID int64, action Action) (*Outcome, error) {
	if action != ActionAccept && action != ActionDecline {
		return nil, fmt.Errorf("%w: response must be accept or decline", lifecycle.ErrValidation)
	}
	check := func(actor model.Actor, l *model.Listing, in *model.Interest) error {
		if !in.AdminRequested {
			return fmt.Errorf("%w: interest %d is not an admin request", lifecycle.ErrNotFound, in.ID)
		}
		if l.OwnerID != actor.ID {
			return fmt.Errorf("%w: only the listing owner can answer an admin request", lifecycle.ErrPermissionDenied)
		}
		return nil
	}
	if action == ActionAccept {
		return b.engine.apply(ctx, actor, interestID, ActionAccept, check, b.engine.acceptStep(ctx))
	}
	return b.engine.apply(ctx, actor, interestID, ActionDecline, check, b.engine.declineStep(ctx))
}

// ListAdminRequests returns admin requests on the caller's listings.
func (b *Bridge) ListAdminRequests(ctx context.Context, actor model.Actor, q ListQuery) ([]model.Interest, error) {
	return b.ledger.list(ctx, store.InterestFilter{
		OwnerID:            actor.ID,
		Status:             q.Status,
		AdminRequestedOnly: true,
		Limit:              pageSize(q.Limit),
		Offset:             q.Offset,
	})
}
