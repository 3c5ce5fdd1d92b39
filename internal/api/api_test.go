package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agrolink/market-engine/internal/api"
	"github.com/agrolink/market-engine/internal/auth"
	"github.com/agrolink/market-engine/internal/counter"
	"github.com/agrolink/market-engine/internal/images"
	"github.com/agrolink/market-engine/internal/listing"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/negotiation"
	"github.com/agrolink/market-engine/internal/store"
)

var (
	farmer = model.Actor{ID: "farmer-1", Role: model.RoleFarmer}
	buyer  = model.Actor{ID: "buyer-1", Role: model.RoleUser}
	other  = model.Actor{ID: "buyer-2", Role: model.RoleAgent}
	admin  = model.Actor{ID: "admin-1", Role: model.RoleAdmin}
)

type testServer struct {
	t        *testing.T
	router   chi.Router
	verifier *auth.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	disk, err := images.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	counters := counter.NewService(ms)
	deps := negotiation.Deps{Store: ms, Counters: counters}
	ledger := negotiation.NewLedger(deps)
	engine := negotiation.NewEngine(deps)
	verifier := auth.NewVerifier("test-secret", "agrolink")

	h := api.NewHandler(api.Config{
		Listings: listing.NewService(ms, counters, listing.Options{Images: disk}),
		Ledger:   ledger,
		Engine:   engine,
		Bridge:   negotiation.NewBridge(deps, ledger, engine),
		Verifier: verifier,
	})
	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return &testServer{t: t, router: r, verifier: verifier}
}

func (s *testServer) token(a model.Actor) string {
	s.t.Helper()
	tok, err := s.verifier.Issue(a, time.Hour)
	if err != nil {
		s.t.Fatal(err)
	}
	return tok
}

// do sends a JSON request as actor; a zero actor sends no token.
func (s *testServer) do(actor model.Actor, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(actor))
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func path(format string, args ...any) string { return fmt.Sprintf(format, args...) }

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func expect(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
}

func (s *testServer) createListing(actor model.Actor, kind model.ListingKind) model.Listing {
	s.t.Helper()
	rr := s.do(actor, http.MethodPost, "/listings", map[string]any{
		"title":    "Irish potatoes",
		"kind":     kind,
		"price":    "45.50",
		"quantity": "200",
		"unit":     "kg",
		"category": "tubers",
	})
	expect(s.t, rr, http.StatusCreated)
	return decode[model.Listing](s.t, rr)
}

func (s *testServer) fileInterest(actor model.Actor, listingID int64) model.Interest {
	s.t.Helper()
	rr := s.do(actor, http.MethodPost, path("/listings/%d/interests", listingID), map[string]any{
		"message":     "I can collect on Friday",
		"offer_price": "40",
	})
	expect(s.t, rr, http.StatusCreated)
	return decode[model.Interest](s.t, rr)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(model.Actor{}, http.MethodPost, "/listings", map[string]any{"title": "x", "kind": "product"})
	expect(t, rr, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	expect(t, rr, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/listings", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	expect(t, rr, http.StatusUnauthorized)

	forged, err := auth.NewVerifier("other-secret", "agrolink").Issue(admin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	expect(t, rr, http.StatusUnauthorized)

	// Public reads work without a token.
	rr = s.do(model.Actor{}, http.MethodGet, "/listings", nil)
	expect(t, rr, http.StatusOK)
}

func TestCreateAndGetListing(t *testing.T) {
	s := newTestServer(t)

	product := s.createListing(farmer, model.KindProduct)
	if !product.Approved || product.Status != model.StatusActive || product.OwnerID != farmer.ID {
		t.Errorf("product = %+v", product)
	}
	need := s.createListing(buyer, model.KindNeed)
	if need.Approved {
		t.Error("need by a regular user must await approval")
	}

	rr := s.do(model.Actor{}, http.MethodGet, path("/listings/%d", product.ID), nil)
	expect(t, rr, http.StatusOK)
	got := decode[model.Listing](t, rr)
	if got.ViewCount != 1 || got.Price.String() != "45.5" {
		t.Errorf("listing = %+v", got)
	}

	rr = s.do(model.Actor{}, http.MethodGet, "/listings?approved_only=true", nil)
	expect(t, rr, http.StatusOK)
	page := decode[listing.Page](t, rr)
	if page.Total != 1 || page.Listings[0].ID != product.ID {
		t.Errorf("approved_only page = %+v", page)
	}

	expect(t, s.do(model.Actor{}, http.MethodGet, "/listings/999", nil), http.StatusNotFound)
	expect(t, s.do(model.Actor{}, http.MethodGet, "/listings/abc", nil), http.StatusBadRequest)
}

func TestCreateListing_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"title":`},
		{"missing kind", map[string]any{"title": "Beans"}},
		{"unknown kind", map[string]any{"title": "Beans", "kind": "service"}},
		{"missing title", map[string]any{"kind": "product"}},
		{"unknown field", map[string]any{"title": "Beans", "kind": "product", "colour": "red"}},
		{"negative price", map[string]any{"title": "Beans", "kind": "product", "price": "-3"}},
		{"bad date", map[string]any{"title": "Beans", "kind": "product", "harvest_date": "last week"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(farmer, http.MethodPost, "/listings", tt.body)
			expect(t, rr, http.StatusBadRequest)
			if msg := decode[map[string]string](t, rr)["error"]; msg == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestCreateListing_Multipart(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("title", "Avocados")
	mw.WriteField("type", "product")
	mw.WriteField("price", "12.75")
	mw.WriteField("priority", "high")
	for _, name := range []string{"a.png", "b.jpeg"} {
		fw, err := mw.CreateFormFile("images", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/listings", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token(farmer))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	expect(t, rr, http.StatusCreated)
	l := decode[model.Listing](t, rr)
	if len(l.Images) != 2 || l.Priority != model.PriorityHigh || l.Kind != model.KindProduct {
		t.Errorf("listing = %+v", l)
	}
	for i, img := range l.Images {
		if img.Position != i || !strings.HasPrefix(img.Ref, "listings/") {
			t.Errorf("image %d = %+v", i, img)
		}
	}
}

func TestUpdateListing(t *testing.T) {
	s := newTestServer(t)
	l := s.createListing(farmer, model.KindProduct)

	rr := s.do(farmer, http.MethodPut, path("/listings/%d", l.ID), map[string]any{"title": "Shangi potatoes", "quantity": "150"})
	expect(t, rr, http.StatusOK)
	if got := decode[model.Listing](t, rr); got.Title != "Shangi potatoes" || got.Quantity.String() != "150" {
		t.Errorf("listing = %+v", got)
	}

	for _, field := range []string{"status", "approved", "view_count", "interest_count", "owner_id"} {
		rr = s.do(farmer, http.MethodPut, path("/listings/%d", l.ID), map[string]any{field: "x"})
		expect(t, rr, http.StatusBadRequest)
	}

	expect(t, s.do(buyer, http.MethodPut, path("/listings/%d", l.ID), map[string]any{"title": "mine"}), http.StatusForbidden)
	expect(t, s.do(farmer, http.MethodPut, "/listings/999", map[string]any{"title": "x"}), http.StatusNotFound)
}

func TestDeleteListing(t *testing.T) {
	s := newTestServer(t)
	l := s.createListing(farmer, model.KindProduct)

	expect(t, s.do(buyer, http.MethodDelete, path("/listings/%d", l.ID), nil), http.StatusForbidden)
	expect(t, s.do(farmer, http.MethodDelete, path("/listings/%d", l.ID), nil), http.StatusNoContent)
	expect(t, s.do(farmer, http.MethodGet, path("/listings/%d", l.ID), nil), http.StatusNotFound)
}

func TestApproveAndReject(t *testing.T) {
	s := newTestServer(t)
	need := s.createListing(buyer, model.KindNeed)

	expect(t, s.do(farmer, http.MethodPost, path("/listings/%d/approve", need.ID), nil), http.StatusForbidden)

	rr := s.do(admin, http.MethodPost, path("/listings/%d/approve", need.ID), nil)
	expect(t, rr, http.StatusOK)
	if got := decode[model.Listing](t, rr); !got.Approved || got.Status != model.StatusActive {
		t.Errorf("approved listing = %+v", got)
	}

	rr = s.do(admin, http.MethodPost, path("/listings/%d/reject", need.ID), nil)
	expect(t, rr, http.StatusOK)
	if got := decode[model.Listing](t, rr); got.Status != model.StatusRejected || got.Approved {
		t.Errorf("rejected listing = %+v", got)
	}
	expect(t, s.do(admin, http.MethodPost, path("/listings/%d/reject", need.ID), nil), http.StatusBadRequest)
}

func TestNegotiationFlow(t *testing.T) {
	s := newTestServer(t)
	l := s.createListing(farmer, model.KindProduct)

	first := s.fileInterest(buyer, l.ID)
	if first.Status != model.InterestPending {
		t.Fatalf("interest = %+v", first)
	}
	second := s.fileInterest(other, l.ID)

	// Duplicate pending interest and self-dealing.
	expect(t, s.do(buyer, http.MethodPost, path("/listings/%d/interests", l.ID), map[string]any{"message": "again"}), http.StatusConflict)
	expect(t, s.do(farmer, http.MethodPost, path("/listings/%d/interests", l.ID), map[string]any{"message": "mine"}), http.StatusBadRequest)

	// Only the owner sees the listing's interests.
	expect(t, s.do(buyer, http.MethodGet, path("/listings/%d/interests", l.ID), nil), http.StatusForbidden)
	rr := s.do(farmer, http.MethodGet, path("/listings/%d/interests", l.ID), nil)
	expect(t, rr, http.StatusOK)
	if items := decode[map[string][]model.Interest](t, rr)["interests"]; len(items) != 2 {
		t.Errorf("got %d interests, want 2", len(items))
	}

	// Counter-offer, then accept.
	rr = s.do(farmer, http.MethodPost, path("/interests/%d/respond", first.ID), map[string]any{
		"action":        "counter_offer",
		"counter_price": "43",
	})
	expect(t, rr, http.StatusOK)
	out := decode[negotiation.Outcome](t, rr)
	if out.Interest.Status != model.InterestCounterOffered || out.Interest.CounterPrice.String() != "43" {
		t.Errorf("counter outcome = %+v", out.Interest)
	}

	expect(t, s.do(buyer, http.MethodPost, path("/interests/%d/respond", first.ID), map[string]any{"action": "accept"}), http.StatusForbidden)
	expect(t, s.do(farmer, http.MethodPost, path("/interests/%d/respond", first.ID), map[string]any{"action": "haggle"}), http.StatusBadRequest)

	rr = s.do(farmer, http.MethodPost, path("/interests/%d/respond", first.ID), map[string]any{"action": "accept"})
	expect(t, rr, http.StatusOK)
	out = decode[negotiation.Outcome](t, rr)
	if out.Interest.Status != model.InterestAccepted || out.Listing.Status != model.StatusSold || out.Listing.Available {
		t.Errorf("accept outcome = %+v / %+v", out.Interest, out.Listing)
	}

	// The listing is sold: the other interest can no longer be accepted.
	expect(t, s.do(farmer, http.MethodPost, path("/interests/%d/respond", second.ID), map[string]any{"action": "accept"}), http.StatusBadRequest)
	rr = s.do(farmer, http.MethodPost, path("/interests/%d/respond", second.ID), map[string]any{"action": "decline"})
	expect(t, rr, http.StatusOK)

	rr = s.do(buyer, http.MethodGet, "/me/interests?status=accepted", nil)
	expect(t, rr, http.StatusOK)
	if items := decode[map[string][]model.Interest](t, rr)["interests"]; len(items) != 1 || items[0].ID != first.ID {
		t.Errorf("my accepted interests = %+v", items)
	}

	rr = s.do(other, http.MethodGet, path("/interests/%d", second.ID), nil)
	expect(t, rr, http.StatusOK)
	if got := decode[model.Interest](t, rr); got.Status != model.InterestDeclined {
		t.Errorf("second interest = %+v", got)
	}
	expect(t, s.do(buyer, http.MethodGet, path("/interests/%d", second.ID), nil), http.StatusForbidden)
}

func TestAdminRequestFlow(t *testing.T) {
	s := newTestServer(t)
	need := s.createListing(admin, model.KindNeed)
	l := s.createListing(farmer, model.KindProduct)

	expect(t, s.do(buyer, http.MethodPost, path("/listings/%d/admin-request", l.ID), nil), http.StatusForbidden)
	expect(t, s.do(admin, http.MethodPost, path("/listings/%d/admin-request", need.ID), nil), http.StatusBadRequest)

	rr := s.do(admin, http.MethodPost, path("/listings/%d/admin-request", l.ID), map[string]any{"quantity": "50"})
	expect(t, rr, http.StatusCreated)
	out := decode[negotiation.Outcome](t, rr)
	if out.Listing.Status != model.StatusRequested || !out.Interest.AdminRequested || out.Interest.Message == "" {
		t.Fatalf("admin request outcome = %+v / %+v", out.Interest, out.Listing)
	}

	rr = s.do(farmer, http.MethodGet, "/me/admin-requests", nil)
	expect(t, rr, http.StatusOK)
	if items := decode[map[string][]model.Interest](t, rr)["requests"]; len(items) != 1 {
		t.Fatalf("got %d admin requests, want 1", len(items))
	}

	respond := path("/me/admin-requests/%d/respond", out.Interest.ID)
	expect(t, s.do(farmer, http.MethodPost, respond, map[string]any{"response": "counter_offer"}), http.StatusBadRequest)
	expect(t, s.do(buyer, http.MethodPost, respond, map[string]any{"response": "accept"}), http.StatusForbidden)

	rr = s.do(farmer, http.MethodPost, respond, map[string]any{"response": "accept"})
	expect(t, rr, http.StatusOK)
	out = decode[negotiation.Outcome](t, rr)
	if out.Interest.Status != model.InterestAccepted || out.Listing.Status != model.StatusSold {
		t.Errorf("accepted admin request = %+v / %+v", out.Interest, out.Listing)
	}
}

func TestTrendingAndStats(t *testing.T) {
	s := newTestServer(t)
	l := s.createListing(farmer, model.KindProduct)
	s.fileInterest(buyer, l.ID)

	expect(t, s.do(farmer, http.MethodGet, "/listings/trending", nil), http.StatusForbidden)
	expect(t, s.do(model.Actor{}, http.MethodGet, "/listings/trending", nil), http.StatusUnauthorized)

	rr := s.do(admin, http.MethodGet, "/listings/trending", nil)
	expect(t, rr, http.StatusOK)
	if items := decode[map[string][]model.Listing](t, rr)["listings"]; len(items) != 1 || items[0].InterestCount != 1 {
		t.Errorf("trending = %+v", items)
	}

	rr = s.do(admin, http.MethodGet, "/stats", nil)
	expect(t, rr, http.StatusOK)
	if st := decode[model.AdminStats](t, rr); st.TotalListings != 1 || st.TotalInterests != 1 {
		t.Errorf("admin stats = %+v", st)
	}

	rr = s.do(buyer, http.MethodGet, "/stats", nil)
	expect(t, rr, http.StatusOK)
	if st := decode[model.UserStats](t, rr); st.Interests != 1 || st.PendingInterests != 1 {
		t.Errorf("user stats = %+v", st)
	}
}

func TestQueryValidation(t *testing.T) {
	s := newTestServer(t)
	for _, q := range []string{
		"?kind=service",
		"?sort=popularity",
		"?order=sideways",
		"?page=-1",
		"?page=9223372036854775",
		"?page=184467440737095516&per_page=100",
		"?min_price=abc",
		"?min_price=10&max_price=5",
	} {
		if rr := s.do(model.Actor{}, http.MethodGet, "/listings"+q, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rr.Code)
		}
	}
	expect(t, s.do(buyer, http.MethodGet, "/me/interests?status=maybe", nil), http.StatusBadRequest)
}

func TestCategoriesAndSales(t *testing.T) {
	s := newTestServer(t)
	sold := s.createListing(farmer, model.KindProduct)
	s.createListing(farmer, model.KindProduct)
	s.createListing(buyer, model.KindNeed)

	rr := s.do(model.Actor{}, http.MethodGet, "/categories", nil)
	expect(t, rr, http.StatusOK)
	cats := decode[map[string][]model.CategoryCount](t, rr)["categories"]
	if len(cats) != 1 || cats[0].Name != "tubers" || cats[0].Count != 3 {
		t.Errorf("categories = %+v", cats)
	}

	rr = s.do(buyer, http.MethodPost, path("/listings/%d/interests", sold.ID), map[string]any{
		"message":        "Two bags please",
		"offer_quantity": "2",
	})
	expect(t, rr, http.StatusCreated)
	in := decode[model.Interest](t, rr)
	expect(t, s.do(farmer, http.MethodPost, path("/interests/%d/respond", in.ID), map[string]any{"action": "accept"}), http.StatusOK)

	expect(t, s.do(model.Actor{}, http.MethodGet, "/me/sales", nil), http.StatusUnauthorized)
	rr = s.do(farmer, http.MethodGet, "/me/sales", nil)
	expect(t, rr, http.StatusOK)
	sales := decode[map[string][]model.Sale](t, rr)["sales"]
	if len(sales) != 1 || sales[0].InterestID != in.ID || sales[0].Amount.String() != "91" {
		t.Errorf("sales = %+v", sales)
	}

	rr = s.do(farmer, http.MethodGet, "/me/history", nil)
	expect(t, rr, http.StatusOK)
	hist := decode[listing.Page](t, rr)
	if hist.Total != 1 || len(hist.Listings) != 1 || hist.Listings[0].ID != sold.ID {
		t.Errorf("history = %+v", hist)
	}
	expect(t, s.do(farmer, http.MethodGet, "/me/history?page=x", nil), http.StatusBadRequest)

	rr = s.do(buyer, http.MethodGet, "/me/sales", nil)
	expect(t, rr, http.StatusOK)
	if got := decode[map[string][]model.Sale](t, rr)["sales"]; len(got) != 0 {
		t.Errorf("buyer sales = %+v", got)
	}
}
