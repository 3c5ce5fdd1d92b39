package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/events"
	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/metrics"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

// Action is an owner/admin response to an interest.
type Action string

const (
	ActionAccept       Action = "accept"
	ActionDecline      Action = "decline"
	ActionCounterOffer Action = "counter_offer"
)

// ParseAction validates s.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAccept, ActionDecline, ActionCounterOffer:
		return a, nil
	}
	return "", fmt.Errorf("%w: action must be accept, decline or counter_offer", lifecycle.ErrValidation)
}

// Response is a request to move an interest.
type Response struct {
	Action          Action           `json:"action"`
	CounterPrice    *decimal.Decimal `json:"counter_price"`
	CounterQuantity *decimal.Decimal `json:"counter_quantity"`
}

// Engine applies responses to interests.
type Engine struct {
	deps Deps
}

func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Respond dispatches r to Accept, Decline or CounterOffer.
func (e *Engine) Respond(ctx context.Context, actor model.Actor, interestID int64, r Response) (*Outcome, error) {
	switch r.Action {
	case ActionAccept:
		return e.Accept(ctx, actor, interestID)
	case ActionDecline:
		return e.Decline(ctx, actor, interestID)
	case ActionCounterOffer:
		return e.CounterOffer(ctx, actor, interestID, r.CounterPrice, r.CounterQuantity)
	}
	_, err := ParseAction(string(r.Action))
	return nil, err
}

// Accept accepts an interest and, in the same transaction, marks a product
// sold and unavailable or closes a need with accepted_by set.
func (e *Engine) Accept(ctx context.Context, actor model.Actor, interestID int64) (*Outcome, error) {
	return e.apply(ctx, actor, interestID, ActionAccept, nil, e.acceptStep(ctx))
}

// Decline declines an interest. The listing is left as it is.
func (e *Engine) Decline(ctx context.Context, actor model.Actor, interestID int64) (*Outcome, error) {
	return e.apply(ctx, actor, interestID, ActionDecline, nil, e.declineStep(ctx))
}

// CounterOffer answers a pending interest with a counter price and/or
// quantity. The listing must still be open.
func (e *Engine) CounterOffer(ctx context.Context, actor model.Actor, interestID int64, price, qty *decimal.Decimal) (*Outcome, error) {
	return e.apply(ctx, actor, interestID, ActionCounterOffer, nil, e.counterStep(ctx, price, qty))
}

func (e *Engine) acceptStep(ctx context.Context) step {
	return func(tx store.Tx, l *model.Listing, in *model.Interest, now time.Time) error {
		it, lc, err := lifecycle.Accept(l, in, now)
		if err != nil {
			return err
		}
		if err := tx.TransitionInterest(ctx, in.ID, lifecycle.RespondableStatuses, it); err != nil {
			return err
		}
		if err := tx.UpdateListingState(ctx, l.ID, lifecycle.OpenStatuses, lc); err != nil {
			return err
		}
		it.Apply(in)
		lc.Apply(l)
		return nil
	}
}

func (e *Engine) declineStep(ctx context.Context) step {
	return func(tx store.Tx, _ *model.Listing, in *model.Interest, now time.Time) error {
		it, err := lifecycle.Decline(in, now)
		if err != nil {
			return err
		}
		if err := tx.TransitionInterest(ctx, in.ID, lifecycle.RespondableStatuses, it); err != nil {
			return err
		}
		it.Apply(in)
		return nil
	}
}

func (e *Engine) counterStep(ctx context.Context, price, qty *decimal.Decimal) step {
	return func(tx store.Tx, l *model.Listing, in *model.Interest, now time.Time) error {
		if err := lifecycle.CheckOpen(l); err != nil {
			return err
		}
		it, err := lifecycle.CounterOffer(in, price, qty, now)
		if err != nil {
			return err
		}
		if err := tx.TransitionInterest(ctx, in.ID, []model.InterestStatus{model.InterestPending}, it); err != nil {
			return err
		}
		it.Apply(in)
		return nil
	}
}

// guard is an extra permission check run on the locked rows before the
// common responder check.
type guard func(actor model.Actor, l *model.Listing, in *model.Interest) error

type step func(tx store.Tx, l *model.Listing, in *model.Interest, now time.Time) error

func (e *Engine) apply(ctx context.Context, actor model.Actor, interestID int64, action Action, extra guard, fn step) (*Outcome, error) {
	start := time.Now()

	// The listing id is needed up front to take the listing lock first.
	peek, err := e.deps.Store.GetInterest(ctx, interestID)
	if err != nil {
		return nil, translate(err)
	}

	var out Outcome
	err = e.deps.Store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, peek.ListingID)
		if err != nil {
			return err
		}
		in, err := tx.LockInterest(ctx, interestID)
		if err != nil {
			return err
		}
		if extra != nil {
			if err := extra(actor, l, in); err != nil {
				return err
			}
		}
		if err := lifecycle.CheckResponder(actor, l, in); err != nil {
			return err
		}
		if err := fn(tx, l, in, e.deps.now()); err != nil {
			return err
		}
		out = Outcome{Interest: in, Listing: l}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	metrics.NegotiationResponses.WithLabelValues(string(action)).Inc()
	metrics.NegotiationLatency.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	if action == ActionAccept {
		metrics.ListingTransitions.WithLabelValues(string(out.Listing.Status)).Inc()
	}
	slog.Info("interest "+pastTense(action),
		"id", interestID,
		"listing", out.Listing.ID,
		"by", actor.ID,
		"interest_status", out.Interest.Status,
		"listing_status", out.Listing.Status,
	)
	e.deps.Events.Emit(ctx, eventFor(action), actor.ID, listingKey(out.Listing.ID), out)
	return &out, nil
}

func pastTense(a Action) string {
	switch a {
	case ActionAccept:
		return "accepted"
	case ActionDecline:
		return "declined"
	}
	return "counter offered"
}

func eventFor(a Action) string {
	switch a {
	case ActionAccept:
		return events.InterestAccepted
	case ActionDecline:
		return events.InterestDeclined
	}
	return events.InterestCounterOffered
}
