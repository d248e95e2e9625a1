// SPDX-License-Identifier: MIT

package relay

import (
	"context"

	"github.com/openvine/divine-nostr/model"
)

type (
	// Connection is a single relay connection. The production implementation
	// adapts a go-nostr relay, tests substitute fakes.
	Connection interface {
		IsConnected() bool
		Publish(ctx context.Context, event *model.Event) error
		QueryEvents(ctx context.Context, filter model.Filter) (<-chan *model.Event, error)
		Subscribe(ctx context.Context, filters model.Filters) (Subscription, error)
		Count(ctx context.Context, filters model.Filters) (int64, error)
		Close() error
	}

	// Subscription is a live relay-side registration producing events until
	// Unsub is called or the subscribing context ends.
	Subscription interface {
		Events() <-chan *model.Event
		Unsub()
	}

	// DialFunc establishes a Connection to the relay at the given url.
	DialFunc func(ctx context.Context, url string) (Connection, error)
)
