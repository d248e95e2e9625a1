// SPDX-License-Identifier: MIT

package model

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter    = nostr.Filter
	Filters   = nostr.Filters

	Subscription struct {
		Filters Filters
	}

	CountSource string

	// CountResponse is the result of a COUNT request, either answered
	// natively by a relay or computed client side from fetched events.
	CountResponse struct {
		Count       int64       `json:"count"`
		Approximate bool        `json:"approximate"`
		Source      CountSource `json:"source"`
	}

	RelayStatus string

	RelayStatusUpdate struct {
		URL    string
		Status RelayStatus
	}
)

const (
	CountSourceWebsocket  CountSource = "websocket"
	CountSourceClientSide CountSource = "clientSide"

	RelayStatusConnected    RelayStatus = "connected"
	RelayStatusConnecting   RelayStatus = "connecting"
	RelayStatusDisconnected RelayStatus = "disconnected"
)

var (
	ErrCountNotSupported = errors.New("COUNT is not supported by the relay")
	ErrNoConnectedRelays = errors.New("no connected relays")
	ErrNoKeys            = errors.New("no signing key configured")
)
