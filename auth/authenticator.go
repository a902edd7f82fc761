// Package auth verifies caller passphrases against the store's verifier and throttles guessing.
package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/plan-systems/plan-keyagent/ski"
)

// Config bounds how fast and how often a passphrase can be guessed.
type Config struct {
	MaxFailures       int           // failures before a session is closed
	BaseBackoff       time.Duration // delay after the first failure, doubled per further failure
	MaxBackoff        time.Duration
	AttemptsPerSecond float64 // process-wide verification rate
	Burst             int
}

// DefaultConfig is used for any zero field handed to New.
var DefaultConfig = Config{
	MaxFailures:       3,
	BaseBackoff:       250 * time.Millisecond,
	MaxBackoff:        5 * time.Second,
	AttemptsPerSecond: 4,
	Burst:             4,
}

// VerifierSource hands out the current passphrase verifier.
type VerifierSource interface {
	Verifier() *ski.Verifier
}

type staticSource struct {
	verifier *ski.Verifier
}

func (src staticSource) Verifier() *ski.Verifier { return src.verifier }

// Static wraps a fixed verifier as a VerifierSource.
func Static(v *ski.Verifier) VerifierSource {
	return staticSource{v}
}

// Authenticator is shared by all sessions.  It holds a reference to the verifier, never a passphrase.
type Authenticator struct {
	src     VerifierSource
	cfg     Config
	limiter *rate.Limiter
}

// New returns an Authenticator checking candidates against src.
func New(src VerifierSource, cfg Config) *Authenticator {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig.MaxFailures
	}
	if cfg.BaseBackoff < 0 {
		cfg.BaseBackoff = 0
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.AttemptsPerSecond <= 0 {
		cfg.AttemptsPerSecond = DefaultConfig.AttemptsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig.Burst
	}

	return &Authenticator{
		src:     src,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.AttemptsPerSecond), cfg.Burst),
	}
}

// Config returns the effective config.
func (a *Authenticator) Config() Config {
	return a.cfg
}

// Verify reports whether inCandidate matches the stored verifier.
// inCandidate is zeroed before returning.
func (a *Authenticator) Verify(inCandidate []byte) bool {
	defer ski.Zero(inCandidate)

	return a.src.Verifier().Check(inCandidate)
}

// Authenticate waits out the session's backoff and the process-wide limiter, then verifies inCandidate.
//
// Returns nil on success, ErrCode_AuthenticationFailed on a mismatch (after recording the failure in att),
// or ErrCode_SessionClosed if att was already exhausted.  inCandidate is always zeroed.
func (a *Authenticator) Authenticate(ctx context.Context, att *Attempts, inCandidate []byte) error {
	if att.Exhausted() {
		ski.Zero(inCandidate)
		return ski.ErrCode_SessionClosed.ErrWithMsg("too many failed attempts")
	}

	if delay := att.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			ski.Zero(inCandidate)
			return ski.ErrCode_SessionClosed.Wrap(ctx.Err())
		}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		ski.Zero(inCandidate)
		return ski.ErrCode_SessionClosed.Wrap(err)
	}

	if !a.Verify(inCandidate) {
		failures := att.RecordFailure()
		return ski.ErrCode_AuthenticationFailed.ErrWithMsgf("incorrect passphrase (%d of %d)", failures, att.max)
	}
	return nil
}

// NewAttempts returns a fresh per-session failure tracker.
func (a *Authenticator) NewAttempts() *Attempts {
	return &Attempts{
		max:        a.cfg.MaxFailures,
		base:       a.cfg.BaseBackoff,
		maxBackoff: a.cfg.MaxBackoff,
		now:        time.Now,
	}
}

// Attempts tracks one session's failed authentications.
type Attempts struct {
	mu          sync.Mutex
	failures    int
	nextAllowed time.Time

	max        int
	base       time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

// Failures returns the number of failures so far.
func (att *Attempts) Failures() int {
	att.mu.Lock()
	defer att.mu.Unlock()
	return att.failures
}

// Exhausted returns true once the failure cap has been reached.
func (att *Attempts) Exhausted() bool {
	att.mu.Lock()
	defer att.mu.Unlock()
	return att.failures >= att.max
}

// Delay returns how long until another attempt is permitted.
func (att *Attempts) Delay() time.Duration {
	att.mu.Lock()
	defer att.mu.Unlock()

	if att.nextAllowed.IsZero() {
		return 0
	}
	if d := att.nextAllowed.Sub(att.now()); d > 0 {
		return d
	}
	return 0
}

// RecordFailure counts a failure, schedules the backoff, and returns the new failure count.
func (att *Attempts) RecordFailure() int {
	att.mu.Lock()
	defer att.mu.Unlock()

	att.failures++
	att.nextAllowed = att.now().Add(backoff(att.base, att.maxBackoff, att.failures))
	return att.failures
}

// backoff returns base * 2^(n-1), capped at max.
func backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 || n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
