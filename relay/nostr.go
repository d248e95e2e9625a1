// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/openvine/divine-nostr/model"
)

type (
	nostrConnection struct {
		relay *nostr.Relay
	}
	nostrSubscription struct {
		sub    *nostr.Subscription
		events chan *model.Event
	}
)

// DialNostrRelay is the production DialFunc, connecting over websocket via
// go-nostr.
func DialNostrRelay(ctx context.Context, url string) (Connection, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to relay %q", url)
	}

	return &nostrConnection{relay: relay}, nil
}

func (c *nostrConnection) IsConnected() bool {
	return c.relay.IsConnected()
}

func (c *nostrConnection) Publish(ctx context.Context, event *model.Event) error {
	return errors.Wrapf(c.relay.Publish(ctx, event.Event), "failed to publish event %v to %v", event.ID, c.relay.URL)
}

func (c *nostrConnection) QueryEvents(ctx context.Context, filter model.Filter) (<-chan *model.Event, error) {
	evs, err := c.relay.QueryEvents(ctx, filter)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query events from %v", c.relay.URL)
	}

	out := make(chan *model.Event)
	go func() {
		defer close(out)
		for ev := range evs {
			select {
			case out <- &model.Event{Event: *ev}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *nostrConnection) Subscribe(ctx context.Context, filters model.Filters) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe on %v", c.relay.URL)
	}

	wrapped := &nostrSubscription{sub: sub, events: make(chan *model.Event)}
	go func() {
		defer close(wrapped.events)
		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case wrapped.events <- &model.Event{Event: *ev}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrapped, nil
}

func (c *nostrConnection) Count(ctx context.Context, filters model.Filters) (int64, error) {
	count, err := c.relay.Count(ctx, filters)
	if err != nil {
		// Relays reject NIP-45 with a CLOSED carrying an "unsupported"
		// reason, which is the only capability signal available here.
		if strings.Contains(strings.ToLower(err.Error()), "unsupported") {
			return 0, model.ErrCountNotSupported
		}

		return 0, errors.Wrapf(err, "failed to count events on %v", c.relay.URL)
	}

	return count, nil
}

func (c *nostrConnection) Close() error {
	return errors.Wrapf(c.relay.Close(), "failed to close relay %v", c.relay.URL)
}

func (s *nostrSubscription) Events() <-chan *model.Event {
	return s.events
}

func (s *nostrSubscription) Unsub() {
	s.sub.Unsub()
}
