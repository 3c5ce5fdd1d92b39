package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/agrolink/market-engine/internal/model"
)

type ctxKey struct{}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, actor)
}

// ActorFrom returns the authenticated caller, if any.
func ActorFrom(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(model.Actor)
	return a, ok
}

// authenticate attaches the bearer token's actor to the request. Requests
// without a token pass through anonymously; a bad token is rejected.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, "authorization header must be a bearer token", http.StatusUnauthorized)
			return
		}
		actor, err := h.verifier.ParseActor(token)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFrom(r.Context()); !ok {
			writeError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mustActor is used behind requireActor.
func mustActor(r *http.Request) model.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}
