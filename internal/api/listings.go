package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrolink/market-engine/internal/images"
	"github.com/agrolink/market-engine/internal/listing"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

// listingRequest is the body of create and update. Every field is optional
// at decode time; create checks the required ones.
type listingRequest struct {
	Title        *string            `json:"title"`
	Description  *string            `json:"description"`
	Price        *decimal.Decimal   `json:"price"`
	Quantity     *decimal.Decimal   `json:"quantity"`
	Unit         *string            `json:"unit"`
	Category     *string            `json:"category"`
	Location     *string            `json:"location"`
	Region       *string            `json:"region"`
	Kind         *model.ListingKind `json:"kind"`
	Type         *model.ListingKind `json:"type"` // alias of kind
	Priority     *model.Priority    `json:"priority"`
	QualityGrade *string            `json:"quality_grade"`
	HarvestDate  *string            `json:"harvest_date"`
	ExpiryDate   *string            `json:"expiry_date"`
}

// readOnlyFields move only through lifecycle transitions or counters.
var readOnlyFields = []string{
	"id", "owner_id", "status", "approved", "accepted_by",
	"is_available", "view_count", "interest_count", "created_at", "updated_at",
}

func (req listingRequest) kind() *model.ListingKind {
	if req.Kind != nil {
		return req.Kind
	}
	return req.Type
}

func (req listingRequest) patch() (model.ListingPatch, error) {
	harvest, err := parseDate("harvest_date", req.HarvestDate)
	if err != nil {
		return model.ListingPatch{}, err
	}
	expiry, err := parseDate("expiry_date", req.ExpiryDate)
	if err != nil {
		return model.ListingPatch{}, err
	}
	return model.ListingPatch{
		Title:        req.Title,
		Description:  req.Description,
		Price:        req.Price,
		Quantity:     req.Quantity,
		Unit:         req.Unit,
		Category:     req.Category,
		Location:     req.Location,
		Region:       req.Region,
		Kind:         req.kind(),
		Priority:     req.Priority,
		QualityGrade: req.QualityGrade,
		HarvestDate:  harvest,
		ExpiryDate:   expiry,
	}, nil
}

func (req listingRequest) createInput(uploads []images.Upload) (listing.CreateInput, error) {
	p, err := req.patch()
	if err != nil {
		return listing.CreateInput{}, err
	}
	if p.Kind == nil {
		return listing.CreateInput{}, fmt.Errorf("kind is required")
	}
	in := listing.CreateInput{
		Title:        deref(p.Title),
		Description:  deref(p.Description),
		Price:        p.Price,
		Quantity:     p.Quantity,
		Unit:         deref(p.Unit),
		Category:     deref(p.Category),
		Location:     deref(p.Location),
		Region:       deref(p.Region),
		Kind:         *p.Kind,
		QualityGrade: deref(p.QualityGrade),
		HarvestDate:  p.HarvestDate,
		ExpiryDate:   p.ExpiryDate,
		Images:       uploads,
	}
	if p.Priority != nil {
		in.Priority = *p.Priority
	}
	return in, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseDate(field string, s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be YYYY-MM-DD or RFC 3339", field)
}

// decodeListing reads a JSON or multipart listing body. Uploads is nil when
// the request carried no image part at all.
func (h *Handler) decodeListing(w http.ResponseWriter, r *http.Request, forUpdate bool) (listingRequest, []images.Upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return h.decodeMultipart(w, r, forUpdate)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return listingRequest{}, nil, fmt.Errorf("invalid request body")
	}
	if forUpdate {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return listingRequest{}, nil, fmt.Errorf("invalid request body")
		}
		for _, f := range readOnlyFields {
			if _, ok := raw[f]; ok {
				return listingRequest{}, nil, fmt.Errorf("field %q cannot be updated", f)
			}
		}
	}
	var req listingRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return listingRequest{}, nil, fmt.Errorf("invalid request body: %v", err)
	}
	return req, nil, nil
}

func (h *Handler) decodeMultipart(w http.ResponseWriter, r *http.Request, forUpdate bool) (listingRequest, []images.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return listingRequest{}, nil, fmt.Errorf("invalid multipart body: %v", err)
	}
	form := r.MultipartForm.Value
	if forUpdate {
		for _, f := range readOnlyFields {
			if _, ok := form[f]; ok {
				return listingRequest{}, nil, fmt.Errorf("field %q cannot be updated", f)
			}
		}
	}

	var req listingRequest
	str := func(key string) *string {
		if v, ok := form[key]; ok && len(v) > 0 {
			return &v[0]
		}
		return nil
	}
	req.Title = str("title")
	req.Description = str("description")
	req.Unit = str("unit")
	req.Category = str("category")
	req.Location = str("location")
	req.Region = str("region")
	req.QualityGrade = str("quality_grade")
	req.HarvestDate = str("harvest_date")
	req.ExpiryDate = str("expiry_date")

	var err error
	if req.Price, err = formDecimal(form, "price"); err != nil {
		return listingRequest{}, nil, err
	}
	if req.Quantity, err = formDecimal(form, "quantity"); err != nil {
		return listingRequest{}, nil, err
	}
	for _, key := range []string{"kind", "type"} {
		if s := str(key); s != nil {
			k, err := model.ParseListingKind(*s)
			if err != nil {
				return listingRequest{}, nil, err
			}
			req.Kind = &k
			break
		}
	}
	if s := str("priority"); s != nil {
		p, err := model.ParsePriority(*s)
		if err != nil {
			return listingRequest{}, nil, err
		}
		req.Priority = &p
	}

	files, ok := r.MultipartForm.File["images"]
	if !ok {
		return req, nil, nil
	}
	uploads := make([]images.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return listingRequest{}, nil, fmt.Errorf("read image %q: %v", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return listingRequest{}, nil, fmt.Errorf("read image %q: %v", fh.Filename, err)
		}
		uploads = append(uploads, images.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return req, uploads, nil
}

func formDecimal(form url.Values, key string) (*decimal.Decimal, error) {
	v := form.Get(key)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &d, nil
}

// --- HTTP Handlers ---

// ListListings handles GET /api/v1/listings
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	q, err := parseListingQuery(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := h.listings.List(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseListingQuery(v url.Values) (listing.Query, error) {
	var q listing.Query
	f := &q.Filter
	f.Category = v.Get("category")
	f.Region = v.Get("region")
	f.OwnerID = v.Get("owner_id")
	f.Search = strings.TrimSpace(v.Get("search"))

	if s := v.Get("kind"); s != "" {
		k, err := model.ParseListingKind(s)
		if err != nil {
			return q, err
		}
		f.Kind = &k
	}
	if s := v.Get("status"); s != "" {
		st, err := model.ParseListingStatus(s)
		if err != nil {
			return q, err
		}
		f.Status = &st
	}
	if s := v.Get("priority"); s != "" {
		p, err := model.ParsePriority(s)
		if err != nil {
			return q, err
		}
		f.Priority = &p
	}
	if s := v.Get("approved_only"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, fmt.Errorf("approved_only must be a boolean")
		}
		f.ApprovedOnly = b
	}
	var err error
	if f.MinPrice, err = formDecimal(v, "min_price"); err != nil {
		return q, err
	}
	if f.MaxPrice, err = formDecimal(v, "max_price"); err != nil {
		return q, err
	}

	sort, ok := store.ParseSortField(v.Get("sort"))
	if !ok {
		return q, fmt.Errorf("sort must be one of created_at, updated_at, price, view_count, interest_count, priority")
	}
	f.Sort = sort
	switch v.Get("order") {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return q, fmt.Errorf("order must be asc or desc")
	}

	if q.Page, err = intParam(v, "page"); err != nil {
		return q, err
	}
	if q.PerPage, err = intParam(v, "per_page"); err != nil {
		return q, err
	}
	return q, nil
}

func intParam(v url.Values, key string) (int, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// Trending handles GET /api/v1/listings/trending
func (h *Handler) Trending(w http.ResponseWriter, r *http.Request) {
	items, err := h.listings.Trending(r.Context(), mustActor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": items})
}

// CreateListing handles POST /api/v1/listings
// Accepts JSON or multipart/form-data with repeated "images" parts.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	req, uploads, err := h.decodeListing(w, r, false)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	in, err := req.createInput(uploads)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, err := h.listings.Create(r.Context(), mustActor(r), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	l, err := h.listings.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// UpdateListing handles PUT /api/v1/listings/{listingID}
func (h *Handler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	req, uploads, err := h.decodeListing(w, r, true)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, err := h.listings.Update(r.Context(), mustActor(r), id, patch, uploads)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// DeleteListing handles DELETE /api/v1/listings/{listingID}
func (h *Handler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	if err := h.listings.Delete(r.Context(), mustActor(r), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApproveListing handles POST /api/v1/listings/{listingID}/approve
func (h *Handler) ApproveListing(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	l, err := h.listings.Approve(r.Context(), mustActor(r), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// RejectListing handles POST /api/v1/listings/{listingID}/reject
func (h *Handler) RejectListing(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "listingID")
	if !ok {
		writeError(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	l, err := h.listings.Reject(r.Context(), mustActor(r), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Stats handles GET /api/v1/stats
// Admins get marketplace-wide counts; everyone else their own.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var (
		stats any
		err   error
	)
	if actor.IsAdmin() {
		stats, err = h.listings.AdminStats(r.Context(), actor)
	} else {
		stats, err = h.listings.UserStats(r.Context(), actor)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Categories handles GET /api/v1/categories
func (h *Handler) Categories(w http.ResponseWriter, r *http.Request) {
	items, err := h.listings.Categories(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": items})
}

// MySales handles GET /api/v1/me/sales
func (h *Handler) MySales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.listings.Sales(r.Context(), mustActor(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

// MyHistory handles GET /api/v1/me/history
func (h *Handler) MyHistory(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	page, err := intParam(v, "page")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	perPage, err := intParam(v, "per_page")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.listings.History(r.Context(), mustActor(r), page, perPage)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
