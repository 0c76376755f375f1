// Copyright (c) 2025 BVK Chaitanya

package pacer

import "time"

type Options struct {
	// Window is the rolling-window span for the aggregate bid budget.
	Window time.Duration

	// Limit is the maximum number of bids within a window.
	Limit int

	// SafetyBuffer pads the window wait so a slot is never charged before the
	// marketplace's own accounting has expired the oldest bid.
	SafetyBuffer time.Duration

	// MinInterval is the minimum spacing between granted slots. Zero
	// disables the spacing gate; wallet.Groups.MinInterval is the usual
	// source.
	MinInterval time.Duration

	// WaitTimeout bounds a single WaitForSlot call.
	WaitTimeout time.Duration
}

func (v *Options) setDefaults() {
	if v.Window == 0 {
		v.Window = time.Minute
	}
	if v.Limit == 0 {
		v.Limit = 60
	}
	if v.SafetyBuffer == 0 {
		v.SafetyBuffer = 250 * time.Millisecond
	}
	if v.WaitTimeout == 0 {
		v.WaitTimeout = 2 * v.Window
	}
}
