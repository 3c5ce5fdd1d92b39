// Package negotiation files interests against listings and moves them
// through pending, counter_offered, accepted and declined.
//
// Ledger creates interests, Engine is the only writer of interest status
// and of the listing side effects of an accept, and Bridge is the admin
// intermediary path built from the two.
//
// Lock order is always listing first, then interest.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"github.com/agrolink/market-engine/internal/counter"
	"github.com/agrolink/market-engine/internal/events"
	"github.com/agrolink/market-engine/internal/lifecycle"
	"github.com/agrolink/market-engine/internal/model"
	"github.com/agrolink/market-engine/internal/store"
)

// Deps are the collaborators shared by Ledger, Engine and Bridge.
type Deps struct {
	Store    store.Store
	Counters *counter.Service
	Events   *events.Emitter
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Outcome is the committed result of a negotiation response.
type Outcome struct {
	Interest *model.Interest `json:"interest"`
	Listing  *model.Listing  `json:"listing"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", lifecycle.ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicatePending):
		return fmt.Errorf("%w: a pending interest already exists for this listing", lifecycle.ErrConflict)
	case errors.Is(err, store.ErrStaleState):
		return fmt.Errorf("%w: %v", lifecycle.ErrInvalidState, err)
	}
	return err
}

func listingKey(id int64) string { return fmt.Sprintf("listing-%d", id) }
