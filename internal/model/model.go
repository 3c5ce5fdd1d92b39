// Package model defines the core domain types shared across the market engine.
// Prices and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Actor is the authenticated caller. Every core operation receives one
// explicitly; nothing below the HTTP layer parses tokens.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Listing is a marketplace post: a product offered for sale or a need
// seeking one.
type Listing struct {
	ID            int64            `json:"id" db:"id"`
	OwnerID       string           `json:"owner_id" db:"owner_id"`
	Title         string           `json:"title" db:"title"`
	Description   string           `json:"description" db:"description"`
	Price         *decimal.Decimal `json:"price" db:"price"`
	Quantity      *decimal.Decimal `json:"quantity" db:"quantity"`
	Unit          string           `json:"unit" db:"unit"` // kg, bag, crate, ...
	Category      string           `json:"category" db:"category"`
	Location      string           `json:"location" db:"location"`
	Region        string           `json:"region" db:"region"`
	Kind          ListingKind      `json:"kind" db:"kind"`
	Status        ListingStatus    `json:"status" db:"status"`
	Approved      bool             `json:"approved" db:"approved"`
	Available     bool             `json:"is_available" db:"available"`
	Priority      Priority         `json:"priority" db:"priority"`
	QualityGrade  string           `json:"quality_grade" db:"quality_grade"`
	HarvestDate   *time.Time       `json:"harvest_date" db:"harvest_date"`
	ExpiryDate    *time.Time       `json:"expiry_date" db:"expiry_date"` // advisory only
	AcceptedBy    *string          `json:"accepted_by" db:"accepted_by"`
	ViewCount     int64            `json:"view_count" db:"view_count"`
	InterestCount int64            `json:"interest_count" db:"interest_count"`
	Images        []Image          `json:"images"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// Image is an ordered reference into the image store. Position 0 is the
// primary image.
type Image struct {
	Position int    `json:"position"`
	Ref      string `json:"ref"`
}

// ImageRefs returns the image references in position order.
func (l *Listing) ImageRefs() []string {
	refs := make([]string, 0, len(l.Images))
	for _, img := range l.Images {
		refs = append(refs, img.Ref)
	}
	return refs
}

// Interest is a counterparty's expression of interest in a listing.
type Interest struct {
	ID              int64            `json:"id" db:"id"`
	ListingID       int64            `json:"listing_id" db:"listing_id"`
	UserID          string           `json:"user_id" db:"user_id"`
	Message         string           `json:"message" db:"message"`
	OfferPrice      *decimal.Decimal `json:"offer_price" db:"offer_price"`
	OfferQuantity   *decimal.Decimal `json:"offer_quantity" db:"offer_quantity"`
	CounterPrice    *decimal.Decimal `json:"counter_price" db:"counter_price"`
	CounterQuantity *decimal.Decimal `json:"counter_quantity" db:"counter_quantity"`
	Status          InterestStatus   `json:"status" db:"status"`
	AdminRequested  bool             `json:"admin_requested" db:"admin_requested"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// ListingPatch carries owner/admin field edits. It has no status or
// accepted_by fields: those move only through lifecycle transitions.
type ListingPatch struct {
	Title        *string          `json:"title,omitempty"`
	Description  *string          `json:"description,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	Unit         *string          `json:"unit,omitempty"`
	Category     *string          `json:"category,omitempty"`
	Location     *string          `json:"location,omitempty"`
	Region       *string          `json:"region,omitempty"`
	Kind         *ListingKind     `json:"kind,omitempty"`
	Priority     *Priority        `json:"priority,omitempty"`
	QualityGrade *string          `json:"quality_grade,omitempty"`
	HarvestDate  *time.Time       `json:"harvest_date,omitempty"`
	ExpiryDate   *time.Time       `json:"expiry_date,omitempty"`

	// Approved is set by the approval gate when Kind changes, never by callers.
	Approved  *bool     `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Empty reports whether the patch changes no caller-visible field.
func (p ListingPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Price == nil &&
		p.Quantity == nil && p.Unit == nil && p.Category == nil &&
		p.Location == nil && p.Region == nil && p.Kind == nil &&
		p.Priority == nil && p.QualityGrade == nil &&
		p.HarvestDate == nil && p.ExpiryDate == nil
}

// Apply writes the patch onto l.
func (p ListingPatch) Apply(l *Listing) {
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.Price != nil {
		v := *p.Price
		l.Price = &v
	}
	if p.Quantity != nil {
		v := *p.Quantity
		l.Quantity = &v
	}
	if p.Unit != nil {
		l.Unit = *p.Unit
	}
	if p.Category != nil {
		l.Category = *p.Category
	}
	if p.Location != nil {
		l.Location = *p.Location
	}
	if p.Region != nil {
		l.Region = *p.Region
	}
	if p.Kind != nil {
		l.Kind = *p.Kind
	}
	if p.Priority != nil {
		l.Priority = *p.Priority
	}
	if p.QualityGrade != nil {
		l.QualityGrade = *p.QualityGrade
	}
	if p.HarvestDate != nil {
		v := *p.HarvestDate
		l.HarvestDate = &v
	}
	if p.ExpiryDate != nil {
		v := *p.ExpiryDate
		l.ExpiryDate = &v
	}
	if p.Approved != nil {
		l.Approved = *p.Approved
	}
	if !p.UpdatedAt.IsZero() {
		l.UpdatedAt = p.UpdatedAt
	}
}

// ListingStateChange is the write half of a listing transition.
// Nil fields are left untouched.
type ListingStateChange struct {
	Status     ListingStatus
	Approved   *bool
	Available  *bool
	AcceptedBy *string
	UpdatedAt  time.Time
}

// Apply writes the change onto l.
func (c ListingStateChange) Apply(l *Listing) {
	l.Status = c.Status
	if c.Approved != nil {
		l.Approved = *c.Approved
	}
	if c.Available != nil {
		l.Available = *c.Available
	}
	if c.AcceptedBy != nil {
		v := *c.AcceptedBy
		l.AcceptedBy = &v
	}
	if !c.UpdatedAt.IsZero() {
		l.UpdatedAt = c.UpdatedAt
	}
}

// InterestTransition is the write half of an interest status change.
type InterestTransition struct {
	Status          InterestStatus
	CounterPrice    *decimal.Decimal
	CounterQuantity *decimal.Decimal
	UpdatedAt       time.Time
}

// Apply writes the transition onto in.
func (t InterestTransition) Apply(in *Interest) {
	in.Status = t.Status
	if t.CounterPrice != nil {
		v := *t.CounterPrice
		in.CounterPrice = &v
	}
	if t.CounterQuantity != nil {
		v := *t.CounterQuantity
		in.CounterQuantity = &v
	}
	if !t.UpdatedAt.IsZero() {
		in.UpdatedAt = t.UpdatedAt
	}
}

// AdminStats is the marketplace-wide summary shown to admins.
type AdminStats struct {
	TotalListings        int64            `json:"total_listings"`
	PendingApprovals     int64            `json:"pending_approvals"`
	ActiveListings       int64            `json:"active_listings"`
	TotalInterests       int64            `json:"total_interests"`
	PendingInterests     int64            `json:"pending_interests"`
	CategoryDistribution map[string]int64 `json:"category_distribution"`
}

// UserStats is the per-actor summary.
type UserStats struct {
	UserID            string `json:"user_id"`
	Listings          int64  `json:"listings"`
	ActiveListings    int64  `json:"active_listings"`
	Interests         int64  `json:"interests"`
	AcceptedInterests int64  `json:"accepted_interests"`
	PendingInterests  int64  `json:"pending_interests"`
}

// CategoryCount is one entry of the public category list.
type CategoryCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Sale is an accepted interest on one of the seller's products, priced at
// the listing price.
type Sale struct {
	InterestID   int64           `json:"id"`
	ListingID    int64           `json:"listing_id"`
	ProductName  string          `json:"product_name"`
	BuyerID      string          `json:"buyer_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
}
