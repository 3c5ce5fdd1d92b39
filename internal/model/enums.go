package model

import (
	"errors"
	"fmt"
)

// ErrUnknownValue is returned when a closed enum receives a value outside
// its set.
var ErrUnknownValue = errors.New("model: unknown enum value")

// ListingKind distinguishes offers from demands.
type ListingKind string

const (
	KindProduct ListingKind = "product"
	KindNeed    ListingKind = "need"
)

// ParseListingKind validates s.
func ParseListingKind(s string) (ListingKind, error) {
	switch k := ListingKind(s); k {
	case KindProduct, KindNeed:
		return k, nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrUnknownValue, s)
}

func (k *ListingKind) UnmarshalText(b []byte) error {
	v, err := ParseListingKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ListingStatus is a state of the listing state machine.
type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusRequested ListingStatus = "requested"
	StatusSold      ListingStatus = "sold"
	StatusClosed    ListingStatus = "closed"
	StatusRejected  ListingStatus = "rejected"
)

// ParseListingStatus validates s.
func ParseListingStatus(s string) (ListingStatus, error) {
	switch st := ListingStatus(s); st {
	case StatusActive, StatusRequested, StatusSold, StatusClosed, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("%w: status %q", ErrUnknownValue, s)
}

func (s *ListingStatus) UnmarshalText(b []byte) error {
	v, err := ParseListingStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition may leave s.
func (s ListingStatus) Terminal() bool {
	switch s {
	case StatusSold, StatusClosed, StatusRejected:
		return true
	}
	return false
}

// Open reports whether a listing in s may receive new interests.
func (s ListingStatus) Open() bool {
	return s == StatusActive || s == StatusRequested
}

// InterestStatus is a state of the negotiation sub-machine.
type InterestStatus string

const (
	InterestPending        InterestStatus = "pending"
	InterestAccepted       InterestStatus = "accepted"
	InterestDeclined       InterestStatus = "declined"
	InterestCounterOffered InterestStatus = "counter_offered"
)

// ParseInterestStatus validates s.
func ParseInterestStatus(s string) (InterestStatus, error) {
	switch st := InterestStatus(s); st {
	case InterestPending, InterestAccepted, InterestDeclined, InterestCounterOffered:
		return st, nil
	}
	return "", fmt.Errorf("%w: interest status %q", ErrUnknownValue, s)
}

func (s *InterestStatus) UnmarshalText(b []byte) error {
	v, err := ParseInterestStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether s is accepted or declined.
func (s InterestStatus) Terminal() bool {
	return s == InterestAccepted || s == InterestDeclined
}

// Priority orders needs for buyers and admins.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority validates s.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("%w: priority %q", ErrUnknownValue, s)
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Rank maps priority to a sortable integer; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Role is the actor's account type.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleFarmer Role = "farmer"
	RoleAgent  Role = "agent"
	RoleUser   Role = "user"
)

// ParseRole validates s.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleFarmer, RoleAgent, RoleUser:
		return r, nil
	}
	return "", fmt.Errorf("%w: role %q", ErrUnknownValue, s)
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
