// Package keys defines api key records and the short-TTL cache fronting the
// key store.
package keys

import (
	"math/big"
	"time"
)

// Status of an api key.
type Status string

// Possible key statuses.
const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Plan is a pricing plan. Price is an integer of up to 78 decimal digits and
// must never be promoted to floating point.
type Plan struct {
	ID                int64
	Name              string
	RequestsPerSecond int32
	RequestsPerDay    int32
	Price             *big.Int
}

// Record is a persisted api key. A key is usable iff its status is active,
// a pricing plan is assigned, and ActiveUntil is unset or in the future.
type Record struct {
	ID            int64
	APIKey        string
	Description   string
	Status        Status
	PricingPlanID *int64
	ActiveUntil   *time.Time
	CreatedAt     time.Time
}

// Usable reports whether the key grants access at the given instant.
func (r *Record) Usable(now time.Time) bool {
	if r.Status != StatusActive || r.PricingPlanID == nil {
		return false
	}
	return r.ActiveUntil == nil || r.ActiveUntil.After(now)
}

// Info is the cached projection of a usable key joined with its plan limits.
// Equality over all fields decides whether rate limit buckets are kept.
type Info struct {
	APIKey        string
	RPS           int32
	RPD           int32
	PricingPlanID int64
	ActiveUntil   *time.Time
}

// Equal reports field-wise equality of two cached infos.
func (i *Info) Equal(o *Info) bool {
	if i == nil || o == nil {
		return i == o
	}
	if i.APIKey != o.APIKey || i.RPS != o.RPS || i.RPD != o.RPD || i.PricingPlanID != o.PricingPlanID {
		return false
	}
	switch {
	case i.ActiveUntil == nil && o.ActiveUntil == nil:
		return true
	case i.ActiveUntil == nil || o.ActiveUntil == nil:
		return false
	default:
		return i.ActiveUntil.Equal(*o.ActiveUntil)
	}
}

// ExpiredAt reports whether the key's active period has lapsed at the given
// instant. A nil ActiveUntil never expires.
func (i *Info) ExpiredAt(now time.Time) bool {
	return i.ActiveUntil != nil && !i.ActiveUntil.After(now)
}
