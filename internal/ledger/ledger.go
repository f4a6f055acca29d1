// Package ledger holds the pure credit-bucket rules: the lazy daily reset,
// decrement and increment of a bucket, and the bounded request audit trail.
//
// Nothing here touches storage. Callers load a domain.User inside their own
// transaction, pass it through these functions, and persist the result. Every
// function returns a copy and leaves its input untouched, so a transaction body
// built from them can be re-run safely after an optimistic-concurrency conflict.
package ledger

import (
	"errors"
	"time"

	"github.com/tbourn/go-credit-ledger/internal/domain"
)

// DateLayout is the calendar-date format stored in User.LastResetDate.
const DateLayout = "2006-01-02"

// DefaultRecentCapacity bounds User.RecentRequests.
const DefaultRecentCapacity = 50

var (
	// ErrUnknownBucket is returned when a bucket is not present in the user's
	// credit map.
	ErrUnknownBucket = errors.New("unknown credit bucket")

	// ErrInsufficientCredits is returned when a bucket holds fewer units than
	// the requested amount.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Policy is the configured allotment and the time zone that defines "today".
type Policy struct {
	// Defaults is the allotment a user receives on every reset.
	Defaults domain.Credits
	// Location fixes the day boundary; nil means UTC.
	Location *time.Location
	// Costs optionally prices buckets; missing buckets cost 1.
	Costs map[string]int
}

// Today returns now's calendar date in the policy location.
func (p Policy) Today(now time.Time) string {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(DateLayout)
}

// Cost returns the per-job price of bucket.
func (p Policy) Cost(bucket string) int {
	if c, ok := p.Costs[bucket]; ok && c > 0 {
		return c
	}
	return 1
}

// Reset applies the policy's lazy reset for the instant now.
func (p Policy) Reset(u domain.User, now time.Time) domain.User {
	return ApplyLazyReset(u, p.Today(now), p.Defaults)
}

// ApplyLazyReset refills credits with defaults when u was last reset on an
// earlier day than today. It is a no-op when the dates match, and also when
// today sorts before the stored date, so LastResetDate never moves backwards.
func ApplyLazyReset(u domain.User, today string, defaults domain.Credits) domain.User {
	out := clone(u)
	if out.LastResetDate != "" && today <= out.LastResetDate {
		return out
	}
	out.Credits = defaults.Clone()
	out.LastResetDate = today
	return out
}

// Decrement spends amount units from bucket.
func Decrement(u domain.User, bucket string, amount int) (domain.User, error) {
	bal, ok := u.Credits[bucket]
	if !ok {
		return u, ErrUnknownBucket
	}
	if bal < amount {
		return u, ErrInsufficientCredits
	}
	out := clone(u)
	out.Credits[bucket] = bal - amount
	return out, nil
}

// Increment restores amount units to bucket. There is no upper cap: a refund
// that lands after a reset stacks on top of the fresh allotment.
func Increment(u domain.User, bucket string, amount int) (domain.User, error) {
	bal, ok := u.Credits[bucket]
	if !ok {
		return u, ErrUnknownBucket
	}
	out := clone(u)
	out.Credits[bucket] = bal + amount
	return out, nil
}

// AppendRecent appends requestID to the audit trail and keeps only the last
// capacity entries. capacity <= 0 falls back to DefaultRecentCapacity.
func AppendRecent(u domain.User, requestID string, capacity int) domain.User {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	out := clone(u)
	log := append(domain.RequestLog(nil), u.RecentRequests...)
	log = append(log, requestID)
	if n := len(log); n > capacity {
		log = log[n-capacity:]
	}
	out.RecentRequests = log
	return out
}

// AddUsage moves the lifetime usage counter of bucket by delta, never below 0.
func AddUsage(u domain.User, bucket string, delta int) domain.User {
	out := clone(u)
	out.Usage = u.Usage.Clone()
	next := out.Usage[bucket] + delta
	if next < 0 {
		next = 0
	}
	out.Usage[bucket] = next
	return out
}

func clone(u domain.User) domain.User {
	out := u
	out.Credits = u.Credits.Clone()
	if u.Usage != nil {
		out.Usage = u.Usage.Clone()
	}
	if u.RecentRequests != nil {
		out.RecentRequests = append(domain.RequestLog(nil), u.RecentRequests...)
	}
	return out
}
