// Copyright (c) 2025 BVK Chaitanya

package engine

import (
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	// QueueSize bounds the push-event queue. When the queue is full the
	// oldest event is evicted.
	QueueSize int

	// CycleWait bounds how long push processing waits for an active poll
	// cycle on the same collection (and vice versa) before giving up.
	CycleWait time.Duration

	// FetchRate and FetchBurst throttle market snapshot fetches.
	FetchRate  rate.Limit
	FetchBurst int

	// ReconcileInterval is the period of the GetMyOffers reconciliation
	// sweep.
	ReconcileInterval time.Duration

	// TransientRetries is how many times a transient marketplace failure is
	// retried within one call before it counts as failed.
	TransientRetries int

	// TransientRetryInterval is the pause between transient retries.
	TransientRetryInterval time.Duration

	// FillDedupTTL is how long fill dedup keys are remembered.
	FillDedupTTL time.Duration
}

func (v *Options) setDefaults() {
	if v.QueueSize == 0 {
		v.QueueSize = 256
	}
	if v.CycleWait == 0 {
		v.CycleWait = 5 * time.Second
	}
	if v.FetchRate == 0 {
		v.FetchRate = 5
	}
	if v.FetchBurst == 0 {
		v.FetchBurst = 5
	}
	if v.ReconcileInterval == 0 {
		v.ReconcileInterval = 5 * time.Minute
	}
	if v.TransientRetries == 0 {
		v.TransientRetries = 2
	}
	if v.TransientRetryInterval == 0 {
		v.TransientRetryInterval = time.Second
	}
	if v.FillDedupTTL == 0 {
		v.FillDedupTTL = time.Hour
	}
}
