package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/model"
)

var (
	owner = model.Actor{ID: "u1", Role: model.RoleFarmer}
	buyer = model.Actor{ID: "u2", Role: model.RoleUser}
	admin = model.Actor{ID: "a1", Role: model.RoleAdmin}
	now   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func d(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

func listing(kind model.ListingKind, status model.ListingStatus) *model.Listing {
	return &model.Listing{
		ID:        1,
		OwnerID:   owner.ID,
		Kind:      kind,
		Status:    status,
		Approved:  true,
		Available: status == model.StatusActive || status == model.StatusRequested,
	}
}

func interest(status model.InterestStatus) *model.Interest {
	return &model.Interest{ID: 7, ListingID: 1, UserID: buyer.ID, Status: status}
}

func TestApprove(t *testing.T) {
	tests := []struct {
		kind model.ListingKind
		role model.Role
		want bool
	}{
		{model.KindProduct, model.RoleFarmer, true},
		{model.KindProduct, model.RoleAdmin, true},
		{model.KindNeed, model.RoleUser, false},
		{model.KindNeed, model.RoleAgent, false},
		{model.KindNeed, model.RoleAdmin, true},
	}
	for _, tt := range tests {
		if got := lifecycle.Approve(tt.kind, tt.role); got != tt.want {
			t.Errorf("Approve(%s, %s) = %v, want %v", tt.kind, tt.role, got, tt.want)
		}
	}
}

func TestCheckFileInterest(t *testing.T) {
	tests := []struct {
		name    string
		actor   model.Actor
		listing *model.Listing
		wantErr error
	}{
		{"buyer on active", buyer, listing(model.KindProduct, model.StatusActive), nil},
		{"buyer on requested", buyer, listing(model.KindProduct, model.StatusRequested), nil},
		{"owner", owner, listing(model.KindProduct, model.StatusActive), lifecycle.ErrSelfDealing},
		{"owner on sold still self dealing", owner, listing(model.KindProduct, model.StatusSold), lifecycle.ErrSelfDealing},
		{"sold", buyer, listing(model.KindProduct, model.StatusSold), lifecycle.ErrInvalidState},
		{"closed", buyer, listing(model.KindNeed, model.StatusClosed), lifecycle.ErrInvalidState},
		{"rejected", buyer, listing(model.KindProduct, model.StatusRejected), lifecycle.ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := lifecycle.CheckFileInterest(tt.actor, tt.listing)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckFileInterest_Unavailable(t *testing.T) {
	l := listing(model.KindProduct, model.StatusActive)
	l.Available = false
	if err := lifecycle.CheckFileInterest(buyer, l); !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAccept_Product(t *testing.T) {
	l := listing(model.KindProduct, model.StatusActive)
	it, lc, err := lifecycle.Accept(l, interest(model.InterestPending), now)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if it.Status != model.InterestAccepted {
		t.Errorf("interest status = %s, want accepted", it.Status)
	}
	lc.Apply(l)
	if l.Status != model.StatusSold || l.Available {
		t.Errorf("listing = %s available=%v, want sold unavailable", l.Status, l.Available)
	}
	if l.AcceptedBy != nil {
		t.Errorf("accepted_by must stay empty for products, got %q", *l.AcceptedBy)
	}
}

func TestAccept_Need(t *testing.T) {
	l := listing(model.KindNeed, model.StatusRequested)
	_, lc, err := lifecycle.Accept(l, interest(model.InterestCounterOffered), now)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	lc.Apply(l)
	if l.Status != model.StatusClosed {
		t.Errorf("status = %s, want closed", l.Status)
	}
	if l.AcceptedBy == nil || *l.AcceptedBy != buyer.ID {
		t.Errorf("accepted_by = %v, want %s", l.AcceptedBy, buyer.ID)
	}
}

func TestAccept_Guards(t *testing.T) {
	tests := []struct {
		name     string
		listing  model.ListingStatus
		interest model.InterestStatus
	}{
		{"already accepted", model.StatusActive, model.InterestAccepted},
		{"already declined", model.StatusActive, model.InterestDeclined},
		{"listing sold", model.StatusSold, model.InterestPending},
		{"listing rejected", model.StatusRejected, model.InterestPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := lifecycle.Accept(listing(model.KindProduct, tt.listing), interest(tt.interest), now)
			if !errors.Is(err, lifecycle.ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestDecline(t *testing.T) {
	for _, st := range []model.InterestStatus{model.InterestPending, model.InterestCounterOffered} {
		it, err := lifecycle.Decline(interest(st), now)
		if err != nil {
			t.Fatalf("Decline from %s: %v", st, err)
		}
		if it.Status != model.InterestDeclined {
			t.Errorf("status = %s, want declined", it.Status)
		}
	}
	for _, st := range []model.InterestStatus{model.InterestAccepted, model.InterestDeclined} {
		if _, err := lifecycle.Decline(interest(st), now); !errors.Is(err, lifecycle.ErrInvalidState) {
			t.Errorf("Decline from %s: expected ErrInvalidState, got %v", st, err)
		}
	}
}

func TestCounterOffer(t *testing.T) {
	it, err := lifecycle.CounterOffer(interest(model.InterestPending), d(12.5), nil, now)
	if err != nil {
		t.Fatalf("CounterOffer: %v", err)
	}
	if it.Status != model.InterestCounterOffered || !it.CounterPrice.Equal(*d(12.5)) {
		t.Errorf("unexpected transition %+v", it)
	}

	if _, err := lifecycle.CounterOffer(interest(model.InterestCounterOffered), d(10), nil, now); !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Errorf("second counter offer: expected ErrInvalidState, got %v", err)
	}
	if _, err := lifecycle.CounterOffer(interest(model.InterestPending), nil, nil, now); !errors.Is(err, lifecycle.ErrValidation) {
		t.Errorf("empty counter offer: expected ErrValidation, got %v", err)
	}
	if _, err := lifecycle.CounterOffer(interest(model.InterestPending), nil, d(-1), now); !errors.Is(err, lifecycle.ErrValidation) {
		t.Errorf("negative quantity: expected ErrValidation, got %v", err)
	}
}

func TestReject(t *testing.T) {
	l := listing(model.KindProduct, model.StatusActive)
	if _, err := lifecycle.Reject(owner, l, now); !errors.Is(err, lifecycle.ErrPermissionDenied) {
		t.Fatalf("owner reject: expected ErrPermissionDenied, got %v", err)
	}
	change, err := lifecycle.Reject(admin, l, now)
	if err != nil {
		t.Fatalf("admin reject: %v", err)
	}
	change.Apply(l)
	if l.Status != model.StatusRejected || l.Approved {
		t.Errorf("got status=%s approved=%v", l.Status, l.Approved)
	}
	if _, err := lifecycle.Reject(admin, listing(model.KindProduct, model.StatusRequested), now); !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Errorf("reject requested: expected ErrInvalidState, got %v", err)
	}
}

func TestAdminRequest(t *testing.T) {
	if _, err := lifecycle.AdminRequest(buyer, listing(model.KindProduct, model.StatusActive), now); !errors.Is(err, lifecycle.ErrPermissionDenied) {
		t.Errorf("non-admin: expected ErrPermissionDenied, got %v", err)
	}
	own := listing(model.KindProduct, model.StatusActive)
	own.OwnerID = admin.ID
	if _, err := lifecycle.AdminRequest(admin, own, now); !errors.Is(err, lifecycle.ErrSelfDealing) {
		t.Errorf("own listing: expected ErrSelfDealing, got %v", err)
	}
	if _, err := lifecycle.AdminRequest(admin, listing(model.KindProduct, model.StatusSold), now); !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Errorf("sold listing: expected ErrInvalidState, got %v", err)
	}
	change, err := lifecycle.AdminRequest(admin, listing(model.KindNeed, model.StatusActive), now)
	if err != nil || change.Status != model.StatusRequested {
		t.Errorf("got %+v, %v", change, err)
	}
}

func TestCheckResponder(t *testing.T) {
	l := listing(model.KindProduct, model.StatusActive)
	in := interest(model.InterestPending)

	if err := lifecycle.CheckResponder(owner, l, in); err != nil {
		t.Errorf("owner: %v", err)
	}
	if err := lifecycle.CheckResponder(admin, l, in); err != nil {
		t.Errorf("admin: %v", err)
	}
	if err := lifecycle.CheckResponder(buyer, l, in); !errors.Is(err, lifecycle.ErrPermissionDenied) {
		t.Errorf("interested user: expected ErrPermissionDenied, got %v", err)
	}
	stranger := model.Actor{ID: "u9", Role: model.RoleAgent}
	if err := lifecycle.CheckResponder(stranger, l, in); !errors.Is(err, lifecycle.ErrPermissionDenied) {
		t.Errorf("stranger: expected ErrPermissionDenied, got %v", err)
	}
}

func TestCheckEditable(t *testing.T) {
	if err := lifecycle.CheckEditable(owner, listing(model.KindProduct, model.StatusRequested)); err != nil {
		t.Errorf("owner on requested: %v", err)
	}
	if err := lifecycle.CheckEditable(buyer, listing(model.KindProduct, model.StatusActive)); !errors.Is(err, lifecycle.ErrPermissionDenied) {
		t.Errorf("buyer: expected ErrPermissionDenied, got %v", err)
	}
	for _, st := range []model.ListingStatus{model.StatusSold, model.StatusClosed, model.StatusRejected} {
		if err := lifecycle.CheckEditable(admin, listing(model.KindProduct, st)); !errors.Is(err, lifecycle.ErrInvalidState) {
			t.Errorf("%s: expected ErrInvalidState, got %v", st, err)
		}
	}
}
