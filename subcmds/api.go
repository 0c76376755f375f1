// Copyright (c) 2025 BVK Chaitanya

// Package subcmds implements the bidbot command-line subcommands.
package subcmds

import "time"

// CollectionStatus summarizes one collection for the /status endpoint.
type CollectionStatus struct {
	Symbol string `json:"symbol"`

	Mode string `json:"mode"`

	NumBids int `json:"num_bids"`

	NumLeading int `json:"num_leading"`

	Quantity int64 `json:"quantity"`

	CollectionOfferPrice int64 `json:"collection_offer_price,omitempty"`

	LastActivity time.Time `json:"last_activity"`
}

// StatusResponse is the /status endpoint payload.
type StatusResponse struct {
	Pid int `json:"pid"`

	StartedAt time.Time `json:"started_at"`

	FeedState string `json:"feed_state"`

	FeedReconnects int64 `json:"feed_reconnects"`

	QueueEvictions int64 `json:"queue_evictions"`

	Collections []*CollectionStatus `json:"collections"`
}
