// Package lifecycle holds the listing state machine and the negotiation
// sub-machine as pure functions over model values.
//
// Every function here evaluates guards only; persistence applies the
// returned changes inside a single transaction. Guards are ordered so that
// permission failures surface before state failures.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/model"
)

// OpenStatuses are the listing states that accept interests and responses.
var OpenStatuses = []model.ListingStatus{model.StatusActive, model.StatusRequested}

// RespondableStatuses are the interest states accept and decline may leave.
var RespondableStatuses = []model.InterestStatus{model.InterestPending, model.InterestCounterOffered}

// DefaultAdminRequestMessage is used when an admin request carries no text.
const DefaultAdminRequestMessage = "Admin is interested in this product"

// Approve decides the initial approved flag: products are approved on
// creation, needs only when an admin authors them.
func Approve(kind model.ListingKind, role model.Role) bool {
	return kind == model.KindProduct || role == model.RoleAdmin
}

// CanManage reports whether actor may edit, delete or negotiate on l.
func CanManage(actor model.Actor, l *model.Listing) error {
	if actor.IsAdmin() || actor.ID == l.OwnerID {
		return nil
	}
	return fmt.Errorf("%w: listing %d belongs to another user", ErrPermissionDenied, l.ID)
}

// CheckEditable guards field updates: owner or admin, non-terminal state.
func CheckEditable(actor model.Actor, l *model.Listing) error {
	if err := CanManage(actor, l); err != nil {
		return err
	}
	if l.Status.Terminal() {
		return fmt.Errorf("%w: listing %d is %s", ErrInvalidState, l.ID, l.Status)
	}
	return nil
}

// CheckApprove guards the admin approval. Approval is idempotent but a
// rejected listing stays unapproved.
func CheckApprove(actor model.Actor, l *model.Listing) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin access required", ErrPermissionDenied)
	}
	if l.Status == model.StatusRejected {
		return fmt.Errorf("%w: listing %d is rejected", ErrInvalidState, l.ID)
	}
	return nil
}

// Reject computes the admin reject transition; only active listings may
// be rejected.
func Reject(actor model.Actor, l *model.Listing, now time.Time) (model.ListingStateChange, error) {
	if !actor.IsAdmin() {
		return model.ListingStateChange{}, fmt.Errorf("%w: admin access required", ErrPermissionDenied)
	}
	if l.Status != model.StatusActive {
		return model.ListingStateChange{}, fmt.Errorf("%w: cannot reject listing %d in status %s", ErrInvalidState, l.ID, l.Status)
	}
	return model.ListingStateChange{
		Status:    model.StatusRejected,
		Approved:  ptr(false),
		UpdatedAt: now,
	}, nil
}

// CheckOpen enforces that l may receive a new interest.
func CheckOpen(l *model.Listing) error {
	if !l.Status.Open() || !l.Available {
		return fmt.Errorf("%w: listing %d is not available for interest", ErrInvalidState, l.ID)
	}
	return nil
}

// CheckFileInterest guards the interest ledger.
func CheckFileInterest(actor model.Actor, l *model.Listing) error {
	if actor.ID == l.OwnerID {
		return fmt.Errorf("%w: listing %d", ErrSelfDealing, l.ID)
	}
	return CheckOpen(l)
}

// AdminRequest guards the admin-intermediary path and computes the listing
// transition into requested.
func AdminRequest(actor model.Actor, l *model.Listing, now time.Time) (model.ListingStateChange, error) {
	if !actor.IsAdmin() {
		return model.ListingStateChange{}, fmt.Errorf("%w: admin access required", ErrPermissionDenied)
	}
	if actor.ID == l.OwnerID {
		return model.ListingStateChange{}, fmt.Errorf("%w: listing %d", ErrSelfDealing, l.ID)
	}
	if err := CheckOpen(l); err != nil {
		return model.ListingStateChange{}, err
	}
	return model.ListingStateChange{Status: model.StatusRequested, UpdatedAt: now}, nil
}

// CheckResponder guards every negotiation response: the listing owner or an
// admin, and never the party who filed the interest.
func CheckResponder(actor model.Actor, l *model.Listing, in *model.Interest) error {
	if err := CanManage(actor, l); err != nil {
		return err
	}
	if actor.ID == in.UserID {
		return fmt.Errorf("%w: cannot respond to your own interest", ErrPermissionDenied)
	}
	return nil
}

func checkRespondable(in *model.Interest) error {
	if in.Status != model.InterestPending && in.Status != model.InterestCounterOffered {
		return fmt.Errorf("%w: interest %d has already been processed", ErrInvalidState, in.ID)
	}
	return nil
}

// Accept computes both halves of an accept: the interest becomes accepted
// and the listing is sold (product) or closed with accepted_by (need).
func Accept(l *model.Listing, in *model.Interest, now time.Time) (model.InterestTransition, model.ListingStateChange, error) {
	if err := checkRespondable(in); err != nil {
		return model.InterestTransition{}, model.ListingStateChange{}, err
	}
	if !l.Status.Open() {
		return model.InterestTransition{}, model.ListingStateChange{},
			fmt.Errorf("%w: listing %d is %s", ErrInvalidState, l.ID, l.Status)
	}

	it := model.InterestTransition{Status: model.InterestAccepted, UpdatedAt: now}

	var lc model.ListingStateChange
	switch l.Kind {
	case model.KindProduct:
		lc = model.ListingStateChange{Status: model.StatusSold, Available: ptr(false), UpdatedAt: now}
	case model.KindNeed:
		lc = model.ListingStateChange{Status: model.StatusClosed, AcceptedBy: ptr(in.UserID), UpdatedAt: now}
	default:
		return model.InterestTransition{}, model.ListingStateChange{},
			fmt.Errorf("%w: listing %d has unknown kind %q", ErrInvalidState, l.ID, l.Kind)
	}
	return it, lc, nil
}

// Decline computes the decline transition; the listing is untouched.
func Decline(in *model.Interest, now time.Time) (model.InterestTransition, error) {
	if err := checkRespondable(in); err != nil {
		return model.InterestTransition{}, err
	}
	return model.InterestTransition{Status: model.InterestDeclined, UpdatedAt: now}, nil
}

// CounterOffer computes the counter-offer transition. Only a pending
// interest may be countered; a second round is not defined.
func CounterOffer(in *model.Interest, price, qty *decimal.Decimal, now time.Time) (model.InterestTransition, error) {
	if in.Status != model.InterestPending {
		return model.InterestTransition{}, fmt.Errorf("%w: interest %d is %s, only pending interests can be countered", ErrInvalidState, in.ID, in.Status)
	}
	if price == nil && qty == nil {
		return model.InterestTransition{}, fmt.Errorf("%w: counter offer needs counter_price or counter_quantity", ErrValidation)
	}
	if err := NonNegative("counter_price", price); err != nil {
		return model.InterestTransition{}, err
	}
	if err := NonNegative("counter_quantity", qty); err != nil {
		return model.InterestTransition{}, err
	}
	return model.InterestTransition{
		Status:          model.InterestCounterOffered,
		CounterPrice:    price,
		CounterQuantity: qty,
		UpdatedAt:       now,
	}, nil
}

// NonNegative validates an optional amount.
func NonNegative(field string, v *decimal.Decimal) error {
	if v != nil && v.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrValidation, field)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
