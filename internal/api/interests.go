package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/negotiation"
)

// FileInterest handles POST /api/v1/listings/{listingID}/interests
func (h *Handler) FileInterest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	var req negotiation.FileInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := h.ledger.FileInterest(r.Context(), mustActor(r), id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// ListListingInterests handles GET /api/v1/listings/{listingID}/interests
func (h *Handler) ListListingInterests(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	q, err := parseInterestQuery(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := h.ledger.ListForListing(r.Context(), mustActor(r), id, q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interests": items})
}

// AdminRequest handles POST /api/v1/listings/{listingID}/admin-request
func (h *Handler) AdminRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	var req negotiation.AdminRequestInput
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	out, err := h.bridge.AdminRequest(r.Context(), mustActor(r), id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GetInterest handles GET /api/v1/interests/{interestID}
func (h *Handler) GetInterest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "interestID")
	if !ok {
		writeError(w, "invalid interest id", http.StatusBadRequest)
		return
	}
	in, err := h.ledger.Get(r.Context(), mustActor(r), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// RespondToInterest handles POST /api/v1/interests/{interestID}/respond
// Body: {"action": "accept"|"decline"|"counter_offer", "counter_price", "counter_quantity"}
func (h *Handler) RespondToInterest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "interestID")
	if !ok {
		writeError(w, "invalid interest id", http.StatusBadRequest)
		return
	}
	var req negotiation.Response
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := h.engine.Respond(r.Context(), mustActor(r), id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// MyInterests handles GET /api/v1/me/interests
func (h *Handler) MyInterests(w http.ResponseWriter, r *http.Request) {
	q, err := parseInterestQuery(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := h.ledger.ListMine(r.Context(), mustActor(r), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interests": items})
}

// MyAdminRequests handles GET /api/v1/me/admin-requests
func (h *Handler) MyAdminRequests(w http.ResponseWriter, r *http.Request) {
	q, err := parseInterestQuery(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := h.bridge.ListAdminRequests(r.Context(), mustActor(r), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": items})
}

// RespondToAdminRequest handles POST /api/v1/me/admin-requests/{interestID}/respond
// Body: {"response": "accept"|"decline"}
func (h *Handler) RespondToAdminRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "interestID")
	if !ok {
		writeError(w, "invalid interest id", http.StatusBadRequest)
		return
	}
	var req struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := h.bridge.RespondToAdminRequest(r.Context(), mustActor(r), id, negotiation.Action(req.Response))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseInterestQuery(v url.Values) (negotiation.ListQuery, error) {
	var q negotiation.ListQuery
	if s := v.Get("status"); s != "" {
		st, err := model.ParseInterestStatus(s)
		if err != nil {
			return q, err
		}
		q.Status = &st
	}
	var err error
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(v, "offset"); err != nil {
		return q, err
	}
	return q, nil
}
