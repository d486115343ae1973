// Package ratelimit admits requests through a token bucket (burst) and a
// sliding-window log (sustained rate). A request passes only when both agree.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Policy is one admission profile.
type Policy struct {
	BurstCapacity     float64
	BurstRefillPerSec float64
	SustainedLimit    int
	SustainedWindow   time.Duration
}

// Decision is the outcome of one admission check. RetryAfter is zero when
// Allowed and at least one millisecond otherwise.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

// Limiter checks and records one request for key under policy.
type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
}

func normalizePolicy(p Policy) Policy {
	if p.BurstCapacity < 1 {
		p.BurstCapacity = 1
	}
	if p.BurstRefillPerSec <= 0 {
		p.BurstRefillPerSec = 1
	}
	if p.SustainedLimit < 1 {
		p.SustainedLimit = 1
	}
	if p.SustainedWindow <= 0 {
		p.SustainedWindow = time.Minute
	}
	return p
}

// retention is how long untouched state must survive. Dropping it sooner
// would hand the caller a full bucket or an empty window early.
func retention(p Policy, idle time.Duration) time.Duration {
	fill := time.Duration(math.Ceil(p.BurstCapacity/p.BurstRefillPerSec*1000)) * time.Millisecond
	return max(idle, fill, p.SustainedWindow)
}

// FailureMode decides what happens when the limiter backend errors.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// Admitter applies the authenticated and anonymous profiles on top of a Limiter.
type Admitter struct {
	limiter       Limiter
	authenticated Policy
	anonymous     Policy
	mode          FailureMode
	logger        *slog.Logger
}

func NewAdmitter(limiter Limiter, authenticated, anonymous Policy, mode FailureMode, logger *slog.Logger) *Admitter {
	if mode != FailOpen {
		mode = FailClosed
	}
	return &Admitter{
		limiter:       limiter,
		authenticated: normalizePolicy(authenticated),
		anonymous:     normalizePolicy(anonymous),
		mode:          mode,
		logger:        logger,
	}
}

// AdmitCaller charges the authenticated profile for a credential fingerprint.
func (a *Admitter) AdmitCaller(ctx context.Context, fingerprint string) Decision {
	return a.admit(ctx, "key:"+fingerprint, a.authenticated)
}

// AdmitAnonymous charges the anonymous profile for a client address.
func (a *Admitter) AdmitAnonymous(ctx context.Context, clientIP string) Decision {
	return a.admit(ctx, "ip:"+clientIP, a.anonymous)
}

func (a *Admitter) admit(ctx context.Context, key string, p Policy) Decision {
	d, err := a.limiter.Allow(ctx, key, p)
	if err == nil {
		return d
	}
	if a.mode == FailOpen {
		a.logger.Warn("rate limiter backend unavailable, allowing request", "mode", string(a.mode), "error", err)
		return Decision{Allowed: true, Remaining: 0}
	}
	a.logger.Error("rate limiter backend unavailable, rejecting request", "mode", string(a.mode), "error", err)
	return Decision{Allowed: false, RetryAfter: time.Second, ResetAt: time.Now().Add(time.Second)}
}
