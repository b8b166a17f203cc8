// Package ratelimit enforces per-user request budgets on the mutating API.
//
// Each user gets a token bucket. Buckets live in a bounded LRU so idle users
// are forgotten instead of accumulating for the life of the process.
package ratelimit

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has spent their budget.
var ErrRateLimited = errors.New("ratelimit: request budget exhausted")

// DefaultMaxUsers bounds how many user buckets are tracked at once.
const DefaultMaxUsers = 10000

// UserLimiter enforces a token bucket per user id.
type UserLimiter struct {
	// RPS is the steady refill rate in requests per second.
	RPS rate.Limit

	// Burst is the bucket size: how many requests may arrive at once.
	Burst int

	mu      sync.Mutex
	buckets *lru.Cache[int64, *rate.Limiter]
}

// NewUserLimiter creates a limiter. maxUsers <= 0 means DefaultMaxUsers.
func NewUserLimiter(rps float64, burst, maxUsers int) *UserLimiter {
	if burst < 1 {
		burst = 1
	}
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	// Only fails on a non-positive size.
	buckets, _ := lru.New[int64, *rate.Limiter](maxUsers)
	return &UserLimiter{
		RPS:     rate.Limit(rps),
		Burst:   burst,
		buckets: buckets,
	}
}

// Allow spends one token from the user's bucket.
//
// Returns nil if the request may proceed, or ErrRateLimited.
func (l *UserLimiter) Allow(userID int64) error {
	if !l.bucket(userID).Allow() {
		return ErrRateLimited
	}
	return nil
}

func (l *UserLimiter) bucket(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets.Get(userID); ok {
		return b
	}
	b := rate.NewLimiter(l.RPS, l.Burst)
	l.buckets.Add(userID, b)
	return b
}
