// Copyright (c) 2025 BVK Chaitanya

package feed

import "time"

type Options struct {
	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration

	// BackoffBase seeds the exponential reconnect backoff: base × 2^attempt.
	BackoffBase time.Duration

	// MaxAttempts is the attempt ceiling before the long cooldown applies and
	// the attempt counter resets.
	MaxAttempts int

	// Cooldown is the fixed pause after MaxAttempts consecutive failures.
	Cooldown time.Duration

	// HeartbeatInterval is the period between liveness pings while open.
	HeartbeatInterval time.Duration

	// StateHook, when non-nil, is invoked on every state transition. The
	// hook runs on the supervisor goroutine and must not block.
	StateHook func(State)
}

func (v *Options) setDefaults() {
	if v.ConnectTimeout == 0 {
		v.ConnectTimeout = 10 * time.Second
	}
	if v.BackoffBase == 0 {
		v.BackoffBase = time.Second
	}
	if v.MaxAttempts == 0 {
		v.MaxAttempts = 6
	}
	if v.Cooldown == 0 {
		v.Cooldown = 5 * time.Minute
	}
	if v.HeartbeatInterval == 0 {
		v.HeartbeatInterval = 30 * time.Second
	}
}

// backoff returns the reconnect delay for the given attempt number.
func (v *Options) backoff(attempt int) time.Duration {
	return v.BackoffBase << uint(attempt)
}
