// Copyright (c) 2025 BVK Chaitanya

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidbot_outcomes_total",
			Help: "Decision outcomes per collection",
		},
		[]string{"collection", "outcome"},
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidbot_fills_total",
			Help: "Confirmed fills per collection",
		},
		[]string{"collection"},
	)

	mtxEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bidbot_queue_evictions_total",
			Help: "Push events evicted from the full queue",
		},
	)

	mtxMarketErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bidbot_marketplace_errors_total",
			Help: "Marketplace failures by classification",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(mtxOutcomes, mtxFills, mtxEvictions, mtxMarketErrors)
}
