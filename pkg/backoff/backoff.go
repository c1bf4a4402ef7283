// Package backoff computes retry delays for failed task executions.
//
// The policy is deliberately deterministic: the delay for a given attempt
// number is a pure function of the policy, so retry eligibility times can be
// asserted in tests without running a scheduling loop.
package backoff

import "time"

// Policy is a capped exponential backoff.
type Policy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration
	// Cap bounds the delay; 0 means no cap.
	Cap time.Duration
}

// Default matches the engine's stock retry behavior: 1s, 2s, 4s, ... capped
// at 5 minutes.
var Default = Policy{Base: time.Second, Cap: 5 * time.Minute}

// Delay returns the wait before retrying after the given number of completed
// attempts. Attempt 1 (first failure) yields Base; each further attempt
// doubles it up to Cap. Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// DelayMs is Delay in milliseconds, for callers that track time as unix ms.
func (p Policy) DelayMs(attempt int) int64 {
	return p.Delay(attempt).Milliseconds()
}
