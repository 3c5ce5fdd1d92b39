// Package api exposes the listing and negotiation services over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agrolink/market-engine/internal/auth"
	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/listing"
	"github.com/agrolink/market-engine/internal/negotiation"
)

// DefaultMaxUpload caps a multipart request body.
const DefaultMaxUpload = 32 << 20

// Handler holds the services behind the HTTP surface.
type Handler struct {
	listings *listing.Service
	ledger   *negotiation.Ledger
	engine   *negotiation.Engine
	bridge   *negotiation.Bridge
	verifier *auth.Verifier

	maxUpload int64
}

// Config wires a Handler.
type Config struct {
	Listings  *listing.Service
	Ledger    *negotiation.Ledger
	Engine    *negotiation.Engine
	Bridge    *negotiation.Bridge
	Verifier  *auth.Verifier
	MaxUpload int64
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		listings:  cfg.Listings,
		ledger:    cfg.Ledger,
		engine:    cfg.Engine,
		bridge:    cfg.Bridge,
		verifier:  cfg.Verifier,
		maxUpload: cfg.MaxUpload,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = DefaultMaxUpload
	}
	return h
}

// Routes registers the /api/v1 surface on r.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.authenticate)

	// Public reads; an actor is attached when a token is sent.
	r.Get("/listings", h.ListListings)
	r.Get("/listings/{listingID}", h.GetListing)
	r.Get("/categories", h.Categories)

	r.Group(func(r chi.Router) {
		r.Use(requireActor)

		// Listings.
		r.Get("/listings/trending", h.Trending)
		r.Post("/listings", h.CreateListing)
		r.Put("/listings/{listingID}", h.UpdateListing)
		r.Delete("/listings/{listingID}", h.DeleteListing)
		r.Post("/listings/{listingID}/approve", h.ApproveListing)
		r.Post("/listings/{listingID}/reject", h.RejectListing)

		// Interests and negotiation.
		r.Post("/listings/{listingID}/interests", h.FileInterest)
		r.Get("/listings/{listingID}/interests", h.ListListingInterests)
		r.Post("/listings/{listingID}/admin-request", h.AdminRequest)
		r.Get("/interests/{interestID}", h.GetInterest)
		r.Post("/interests/{interestID}/respond", h.RespondToInterest)

		// Caller-scoped views.
		r.Get("/me/interests", h.MyInterests)
		r.Get("/me/sales", h.MySales)
		r.Get("/me/history", h.MyHistory)
		r.Get("/me/admin-requests", h.MyAdminRequests)
		r.Post("/me/admin-requests/{interestID}/respond", h.RespondToAdminRequest)
		r.Get("/stats", h.Stats)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrSelfDealing),
		errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, lifecycle.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}
