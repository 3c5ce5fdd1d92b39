// Package listing implements listing creation, retrieval, field edits,
// deletion and the admin approval and rejection transitions.
//
// Every write runs inside one store transaction. Image bytes are written
// before the transaction and removed again if it fails.
package listing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/counter"
	"github.com/agrolink/market-engine/internal/events"
	"github.com/agrolink/market-engine/internal/images"
	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/metrics"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
	MaxPage        = 100_000
	TrendingLimit  = 10
)

// Options carries the optional collaborators of a Service.
type Options struct {
	Images        images.Store
	Events        *events.Emitter
	MaxImageBytes int64
	MaxImages     int
	Now           func() time.Time
}

// Service owns listing persistence and the listing-level transitions that
// are not part of a negotiation.
type Service struct {
	store    store.Store
	counters *counter.Service
	images   images.Store
	events   *events.Emitter

	maxImageBytes int64
	maxImages     int
	now           func() time.Time
}

func NewService(st store.Store, counters *counter.Service, opts Options) *Service {
	s := &Service{
		store:         st,
		counters:      counters,
		images:        opts.Images,
		events:        opts.Events,
		maxImageBytes: opts.MaxImageBytes,
		maxImages:     opts.MaxImages,
		now:           opts.Now,
	}
	if s.maxImages <= 0 {
		s.maxImages = 10
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// CreateInput is a new listing as submitted by its owner.
type CreateInput struct {
	Title        string
	Description  string
	Price        *decimal.Decimal
	Quantity     *decimal.Decimal
	Unit         string
	Category     string
	Location     string
	Region       string
	Kind         model.ListingKind
	Priority     model.Priority
	QualityGrade string
	HarvestDate  *time.Time
	ExpiryDate   *time.Time
	Images       []images.Upload
}

func (in *CreateInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", lifecycle.ErrValidation)
	}
	if _, err := model.ParseListingKind(string(in.Kind)); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	} else if _, err := model.ParsePriority(string(in.Priority)); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}
	if err := lifecycle.NonNegative("price", in.Price); err != nil {
		return err
	}
	return lifecycle.NonNegative("quantity", in.Quantity)
}

// Create persists a new active listing. The approval gate decides the
// initial approved flag from the kind and the author's role.
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput) (*model.Listing, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	refs, err := s.storeImages(ctx, in.Images)
	if err != nil {
		return nil, err
	}

	now := s.now()
	l := &model.Listing{
		OwnerID:      actor.ID,
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Price:        in.Price,
		Quantity:     in.Quantity,
		Unit:         in.Unit,
		Category:     in.Category,
		Location:     in.Location,
		Region:       in.Region,
		Kind:         in.Kind,
		Status:       model.StatusActive,
		Approved:     lifecycle.Approve(in.Kind, actor.Role),
		Available:    true,
		Priority:     in.Priority,
		QualityGrade: in.QualityGrade,
		HarvestDate:  in.HarvestDate,
		ExpiryDate:   in.ExpiryDate,
		Images:       imageSet(refs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateListing(ctx, l)
	})
	if err != nil {
		s.dropImages(ctx, refs)
		return nil, translate(err)
	}

	metrics.ListingsCreated.WithLabelValues(string(l.Kind)).Inc()
	slog.Info("listing created",
		"id", l.ID,
		"owner", l.OwnerID,
		"kind", l.Kind,
		"approved", l.Approved,
		"images", len(refs),
	)
	s.events.Emit(ctx, events.ListingCreated, actor.ID, listingKey(l.ID), l)
	return l, nil
}

// Get records one view of a listing and returns it as of that view.
func (s *Service) Get(ctx context.Context, id int64) (*model.Listing, error) {
	return s.counters.View(ctx, id)
}

// Query is a listing search as received from a client. Page is 1-based.
type Query struct {
	Filter  store.ListingFilter
	Page    int
	PerPage int
}

// Page is one page of listing results.
type Page struct {
	Listings []model.Listing `json:"listings"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PerPage  int             `json:"per_page"`
}

// List returns one page of listings matching q.
func (s *Service) List(ctx context.Context, q Query) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.PerPage <= 0:
		q.PerPage = DefaultPerPage
	case q.PerPage > MaxPerPage:
		q.PerPage = MaxPerPage
	}
	if q.Page > MaxPage {
		return nil, fmt.Errorf("%w: page must be at most %d", lifecycle.ErrValidation, MaxPage)
	}
	if q.Filter.MinPrice != nil && q.Filter.MaxPrice != nil && q.Filter.MinPrice.GreaterThan(*q.Filter.MaxPrice) {
		return nil, fmt.Errorf("%w: min_price exceeds max_price", lifecycle.ErrValidation)
	}
	f := q.Filter
	f.Limit = q.PerPage
	f.Offset = (q.Page - 1) * q.PerPage

	items, total, err := s.store.ListListings(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Listing{}
	}
	return &Page{Listings: items, Total: total, Page: q.Page, PerPage: q.PerPage}, nil
}

// Update applies a field patch. When uploads is non-nil the image set is
// replaced. A kind change re-runs the approval gate for the editor.
func (s *Service) Update(ctx context.Context, actor model.Actor, id int64, patch model.ListingPatch, uploads []images.Upload) (*model.Listing, error) {
	if patch.Empty() && uploads == nil {
		return nil, fmt.Errorf("%w: no fields to update", lifecycle.ErrValidation)
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, fmt.Errorf("%w: title must not be empty", lifecycle.ErrValidation)
	}
	if err := lifecycle.NonNegative("price", patch.Price); err != nil {
		return nil, err
	}
	if err := lifecycle.NonNegative("quantity", patch.Quantity); err != nil {
		return nil, err
	}

	refs, err := s.storeImages(ctx, uploads)
	if err != nil {
		return nil, err
	}

	var (
		updated *model.Listing
		oldRefs []string
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckEditable(actor, l); err != nil {
			return err
		}
		if patch.Kind != nil && *patch.Kind != l.Kind {
			patch.Approved = ptr(lifecycle.Approve(*patch.Kind, actor.Role))
		}
		patch.UpdatedAt = s.now()
		if err := tx.UpdateListingFields(ctx, id, patch); err != nil {
			return err
		}
		patch.Apply(l)
		if uploads != nil {
			if oldRefs, err = tx.ReplaceImages(ctx, id, refs); err != nil {
				return err
			}
			l.Images = imageSet(refs)
		}
		updated = l
		return nil
	})
	if err != nil {
		s.dropImages(ctx, refs)
		return nil, translate(err)
	}
	s.dropImages(ctx, oldRefs)

	slog.Info("listing updated", "id", id, "by", actor.ID, "images_replaced", uploads != nil)
	s.events.Emit(ctx, events.ListingUpdated, actor.ID, listingKey(id), updated)
	return updated, nil
}

// Delete removes a listing with its images and interests.
func (s *Service) Delete(ctx context.Context, actor model.Actor, id int64) error {
	var refs []string
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CanManage(actor, l); err != nil {
			return err
		}
		refs, err = tx.DeleteListing(ctx, id)
		return err
	})
	if err != nil {
		return translate(err)
	}
	s.dropImages(ctx, refs)

	slog.Info("listing deleted", "id", id, "by", actor.ID)
	s.events.Emit(ctx, events.ListingDeleted, actor.ID, listingKey(id), map[string]int64{"id": id})
	return nil
}

// Approve sets approved without touching status. Approving an approved
// listing is a no-op.
func (s *Service) Approve(ctx context.Context, actor model.Actor, id int64) (*model.Listing, error) {
	var (
		out     *model.Listing
		changed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CheckApprove(actor, l); err != nil {
			return err
		}
		out = l
		if l.Approved {
			return nil
		}
		patch := model.ListingPatch{Approved: ptr(true), UpdatedAt: s.now()}
		if err := tx.UpdateListingFields(ctx, id, patch); err != nil {
			return err
		}
		patch.Apply(l)
		changed = true
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	if changed {
		slog.Info("listing approved", "id", id, "by", actor.ID)
		s.events.Emit(ctx, events.ListingApproved, actor.ID, listingKey(id), out)
	}
	return out, nil
}

// Reject moves an active listing to rejected and clears approved.
func (s *Service) Reject(ctx context.Context, actor model.Actor, id int64) (*model.Listing, error) {
	var out *model.Listing
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		change, err := lifecycle.Reject(actor, l, s.now())
		if err != nil {
			return err
		}
		if err := tx.UpdateListingState(ctx, id, []model.ListingStatus{model.StatusActive}, change); err != nil {
			return err
		}
		change.Apply(l)
		out = l
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	metrics.ListingTransitions.WithLabelValues(string(model.StatusRejected)).Inc()
	slog.Info("listing rejected", "id", id, "by", actor.ID)
	s.events.Emit(ctx, events.ListingRejected, actor.ID, listingKey(id), out)
	return out, nil
}

// Trending lists the most engaged active products. Admin only.
func (s *Service) Trending(ctx context.Context, actor model.Actor) ([]model.Listing, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin access required", lifecycle.ErrPermissionDenied)
	}
	kind, status := model.KindProduct, model.StatusActive
	items, _, err := s.store.ListListings(ctx, store.ListingFilter{
		Kind:          &kind,
		Status:        &status,
		Sort:          store.SortInterestCount,
		SecondarySort: store.SortViewCount,
		Limit:         TrendingLimit,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Listing{}
	}
	return items, nil
}

// AdminStats returns marketplace-wide counts. Admin only.
func (s *Service) AdminStats(ctx context.Context, actor model.Actor) (*model.AdminStats, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("%w: admin access required", lifecycle.ErrPermissionDenied)
	}
	return s.store.AdminStats(ctx)
}

// UserStats returns the caller's own counts.
func (s *Service) UserStats(ctx context.Context, actor model.Actor) (*model.UserStats, error) {
	return s.store.UserStats(ctx, actor.ID)
}

// Categories lists every non-empty category with its listing count, most
// used first.
func (s *Service) Categories(ctx context.Context) ([]model.CategoryCount, error) {
	st, err := s.store.AdminStats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.CategoryCount, 0, len(st.CategoryDistribution))
	for name, n := range st.CategoryDistribution {
		if strings.TrimSpace(name) == "" {
			continue
		}
		out = append(out, model.CategoryCount{Name: name, Count: n})
	}
	slices.SortFunc(out, func(a, b model.CategoryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// Sales returns the accepted interests on the caller's products that carry
// an offer quantity, valued at the listing price.
func (s *Service) Sales(ctx context.Context, actor model.Actor) ([]model.Sale, error) {
	kind := model.KindProduct
	products, _, err := s.store.ListListings(ctx, store.ListingFilter{OwnerID: actor.ID, Kind: &kind})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.Listing, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	accepted := model.InterestAccepted
	interests, err := s.store.ListInterests(ctx, store.InterestFilter{OwnerID: actor.ID, Status: &accepted})
	if err != nil {
		return nil, err
	}
	sales := make([]model.Sale, 0, len(interests))
	for _, in := range interests {
		l, ok := byID[in.ListingID]
		if !ok || l.Price == nil || in.OfferQuantity == nil {
			continue
		}
		sales = append(sales, model.Sale{
			InterestID:   in.ID,
			ListingID:    l.ID,
			ProductName:  l.Title,
			BuyerID:      in.UserID,
			Quantity:     *in.OfferQuantity,
			PricePerUnit: *l.Price,
			Amount:       l.Price.Mul(*in.OfferQuantity),
			Date:         in.UpdatedAt,
		})
	}
	return sales, nil
}

// History pages through the caller's sold listings, most recently sold
// first.
func (s *Service) History(ctx context.Context, actor model.Actor, page, perPage int) (*Page, error) {
	sold := model.StatusSold
	return s.List(ctx, Query{
		Filter:  store.ListingFilter{OwnerID: actor.ID, Status: &sold, Sort: store.SortUpdatedAt},
		Page:    page,
		PerPage: perPage,
	})
}

func (s *Service) storeImages(ctx context.Context, uploads []images.Upload) ([]string, error) {
	if len(uploads) == 0 {
		return []string{}, nil
	}
	if s.images == nil {
		return nil, fmt.Errorf("%w: image uploads are not enabled", lifecycle.ErrValidation)
	}
	if len(uploads) > s.maxImages {
		return nil, fmt.Errorf("%w: at most %d images per listing", lifecycle.ErrValidation, s.maxImages)
	}
	if err := images.Validate(uploads, s.maxImageBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}
	return images.PutAll(ctx, s.images, uploads)
}

func (s *Service) dropImages(ctx context.Context, refs []string) {
	if s.images == nil || len(refs) == 0 {
		return
	}
	images.DeleteAll(context.WithoutCancel(ctx), s.images, refs)
}

func imageSet(refs []string) []model.Image {
	out := make([]model.Image, 0, len(refs))
	for i, ref := range refs {
		out = append(out, model.Image{Position: i, Ref: ref})
	}
	return out
}

// translate maps storage sentinels onto the domain error taxonomy.
func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", lifecycle.ErrNotFound, err)
	case errors.Is(err, store.ErrStaleState):
		return fmt.Errorf("%w: %v", lifecycle.ErrInvalidState, err)
	}
	return err
}

func listingKey(id int64) string { return fmt.Sprintf("listing-%d", id) }

func ptr[T any](v T) *T { return &v }
