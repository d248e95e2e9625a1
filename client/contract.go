// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"time"

	"github.com/openvine/divine-nostr/model"
)

type (
	// ProtocolClient is the underlying protocol layer: signing and the
	// relay wire operations. Substitutable so the wrapper is testable
	// without a network.
	ProtocolClient interface {
		SendEvent(ctx context.Context, event *model.Event, targetRelays ...string) (*model.Event, error)
		QueryEvents(ctx context.Context, filters model.Filters, targetRelays ...string) ([]*model.Event, error)
		Subscribe(ctx context.Context, filters model.Filters, id string) (<-chan *model.Event, error)
		Unsubscribe(ctx context.Context, id string) error
		CountEvents(ctx context.Context, filters model.Filters, timeout time.Duration) (int64, error)
		SignEvent(event *model.Event) error
		PublicKey() string
		HasKeys() bool
		Close() error
	}

	// RelayManager reports and alters relay connectivity.
	RelayManager interface {
		ConnectedRelays() []string
		ConfiguredRelays() []string
		ConnectedRelayCount() int
		RetryDisconnectedRelays(ctx context.Context) error
		ForceReconnectAll(ctx context.Context) error
		AddRelay(ctx context.Context, url string) error
		RemoveRelay(url string) error
		CurrentStatuses() map[string]model.RelayStatus
		StatusStream() <-chan model.RelayStatusUpdate
	}

	// EventCache is the local row-level event store used for optimistic
	// writes and cache-first reads. Must be safe for concurrent use, the
	// wrapper performs no locking of its own.
	EventCache interface {
		UpsertEvent(ctx context.Context, event *model.Event) error
		UpsertEventsBatch(ctx context.Context, events []*model.Event) error
		DeleteEventsByIDs(ctx context.Context, ids []string) error
		GetEventsByFilter(ctx context.Context, filter model.Filter) ([]*model.Event, error)
		GetEventByID(ctx context.Context, id string) (*model.Event, error)
		GetProfileByPubkey(ctx context.Context, pubkey string) (*model.Event, error)
	}
)
