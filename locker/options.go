// Copyright (c) 2025 BVK Chaitanya

package locker

import "time"

type Options struct {
	// WaiterTimeout is the maximum time an Acquire call waits behind the
	// current holder before giving up.
	WaiterTimeout time.Duration

	// StaleTimeout is the maximum time a key may stay held. The sweep
	// force-releases keys older than this.
	StaleTimeout time.Duration

	// SweepInterval is the period between stale-lock sweeps.
	SweepInterval time.Duration
}

func (v *Options) setDefaults() {
	if v.WaiterTimeout == 0 {
		v.WaiterTimeout = 30 * time.Second
	}
	if v.StaleTimeout == 0 {
		v.StaleTimeout = 2 * time.Minute
	}
	if v.SweepInterval == 0 {
		v.SweepInterval = 15 * time.Second
	}
}
