// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/openvine/divine-nostr/database/cache"
	"github.com/openvine/divine-nostr/model"
	"github.com/openvine/divine-nostr/relay"
)

// The production implementations must keep satisfying the wrapper contracts.
var (
	_ ProtocolClient = (*relay.Client)(nil)
	_ RelayManager   = (*relay.Manager)(nil)
	_ EventCache     = (*cache.Cache)(nil)
)

type (
	// Client composes the protocol layer, the relay connection manager and
	// an optional local event cache into the publish/read/subscribe surface
	// used by the application.
	Client struct {
		protocol ProtocolClient
		relays   RelayManager
		cache    EventCache

		subs     *xsync.MapOf[string, context.CancelFunc]
		disposed atomic.Bool
	}

	Option func(*Client)
)

// WithCache enables optimistic caching and cache-first reads. Without it the
// wrapper degrades to connectivity-check-and-send with identical observable
// results, cache reads are a latency optimization only.
func WithCache(eventCache EventCache) Option {
	return func(c *Client) { c.cache = eventCache }
}

func New(protocol ProtocolClient, relays RelayManager, opts ...Option) *Client {
	c := &Client{
		protocol: protocol,
		relays:   relays,
		subs:     xsync.NewMapOf[string, context.CancelFunc](),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// PublishEvent writes regular-kind events into the cache before the network
// round trip, so the local UI sees them immediately, then checks
// connectivity, reconnecting once when no relay is connected. When no relay
// is available even after the reconnect attempt, the optimistic entry is
// rolled back by the event's own id and ErrNoConnectedRelays is returned.
//
// A protocol-level send failure after a successful connectivity check does
// NOT roll the cache entry back: the event may have reached some relay, so
// evicting it locally could hide a published event. Only the provably-unsent
// path rolls back.
func (c *Client) PublishEvent(ctx context.Context, event *model.Event, targetRelays ...string) (*model.Event, error) {
	cached := false
	if c.cache != nil && model.IsRegularKind(event.Kind) {
		if err := c.cache.UpsertEvent(ctx, event); err != nil {
			log.Printf("failed to optimistically cache event %v: %v", event.ID, err)
		} else {
			cached = true
		}
	}

	if len(c.relays.ConnectedRelays()) == 0 {
		if err := c.relays.RetryDisconnectedRelays(ctx); err != nil {
			log.Printf("relay reconnect attempt failed: %v", err)
		}
		if len(c.relays.ConnectedRelays()) == 0 {
			if cached {
				if err := c.cache.DeleteEventsByIDs(ctx, []string{event.ID}); err != nil {
					log.Printf("failed to roll back cached event %v: %v", event.ID, err)
				}
			}

			return nil, model.ErrNoConnectedRelays
		}
	}

	return c.protocol.SendEvent(ctx, event, targetRelays...)
}

// QueryEvents is cache-first for single-filter queries: the cached result is
// merged with the relay result by id (the cache may be stale or incomplete)
// and relay results are persisted back. Multi-filter queries bypass the
// cache entirely, merge semantics across filters are ambiguous.
func (c *Client) QueryEvents(ctx context.Context, filters model.Filters, targetRelays ...string) ([]*model.Event, error) {
	var cached []*model.Event
	if c.cache != nil && len(filters) == 1 {
		var err error
		if cached, err = c.cache.GetEventsByFilter(ctx, filters[0]); err != nil {
			log.Printf("cache lookup failed for filter %+v: %v", filters[0], err)
			cached = nil
		}
	}

	relayEvents, err := c.protocol.QueryEvents(ctx, filters, targetRelays...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}

	if c.cache != nil && len(relayEvents) > 0 {
		if err = c.cache.UpsertEventsBatch(ctx, relayEvents); err != nil {
			log.Printf("failed to persist %d queried events: %v", len(relayEvents), err)
		}
	}
	if len(cached) == 0 {
		return relayEvents, nil
	}

	seen := make(map[string]*model.Event, len(cached)+len(relayEvents))
	for _, ev := range cached {
		seen[ev.ID] = ev
	}
	for _, ev := range relayEvents {
		seen[ev.ID] = ev
	}
	merged := make([]*model.Event, 0, len(seen))
	for _, ev := range seen {
		merged = append(merged, ev)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt > merged[j].CreatedAt })

	return merged, nil
}

// FetchEventByID returns the cached copy when one exists, otherwise fetches
// from the relays and stores the result before returning it.
func (c *Client) FetchEventByID(ctx context.Context, id string) (*model.Event, error) {
	if c.cache != nil {
		if event, err := c.cache.GetEventByID(ctx, id); err != nil {
			log.Printf("cache lookup failed for event %v: %v", id, err)
		} else if event != nil {
			return event, nil
		}
	}

	return c.fetchAndStoreOne(ctx, model.Filter{IDs: []string{id}, Limit: 1})
}

// FetchProfile returns the cached profile metadata event of the author when
// one exists, otherwise fetches and stores it.
func (c *Client) FetchProfile(ctx context.Context, pubkey string) (*model.Event, error) {
	if c.cache != nil {
		if event, err := c.cache.GetProfileByPubkey(ctx, pubkey); err != nil {
			log.Printf("cache lookup failed for profile %v: %v", pubkey, err)
		} else if event != nil {
			return event, nil
		}
	}

	return c.fetchAndStoreOne(ctx, model.Filter{
		Kinds:   []int{0},
		Authors: []string{pubkey},
		Limit:   1,
	})
}

func (c *Client) fetchAndStoreOne(ctx context.Context, filter model.Filter) (*model.Event, error) {
	events, err := c.protocol.QueryEvents(ctx, model.Filters{filter})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch event")
	}
	if len(events) == 0 {
		return nil, nil
	}

	if c.cache != nil {
		if err = c.cache.UpsertEvent(ctx, events[0]); err != nil {
			log.Printf("failed to cache fetched event %v: %v", events[0].ID, err)
		}
	}

	return events[0], nil
}

// CountEvents asks the relays for a native COUNT first. When the relays do
// not support the operation it falls back to fetching and counting client
// side. Any other COUNT failure propagates, it may indicate a real problem
// rather than a missing capability.
func (c *Client) CountEvents(ctx context.Context, filters model.Filters, timeout time.Duration) (*model.CountResponse, error) {
	count, err := c.protocol.CountEvents(ctx, filters, timeout)
	switch {
	case err == nil:
		// A native count is one relay's view of the network and NIP-45
		// lets relays answer with estimates, so it is flagged approximate.
		// The client-side fallback counts exactly what it fetched.
		return &model.CountResponse{Count: count, Approximate: true, Source: model.CountSourceWebsocket}, nil

	case errors.Is(err, model.ErrCountNotSupported):
		events, qErr := c.QueryEvents(ctx, filters)
		if qErr != nil {
			return nil, errors.Wrap(qErr, "failed to count events client side")
		}

		return &model.CountResponse{Count: int64(len(events)), Approximate: false, Source: model.CountSourceClientSide}, nil

	default:
		return nil, errors.Wrap(err, "failed to count events")
	}
}

// Subscribe registers the filters with the relay layer and returns a live
// event stream plus the effective subscription id. Every delivered event is
// opportunistically written to the cache, a caching failure never suppresses
// or delays delivery.
func (c *Client) Subscribe(ctx context.Context, filters model.Filters, subscriptionID string) (<-chan *model.Event, string, error) {
	if subscriptionID == "" {
		subscriptionID = uuid.NewString()
	}

	subCtx, cancel := context.WithCancel(ctx)
	upstream, err := c.protocol.Subscribe(subCtx, filters, subscriptionID)
	if err != nil {
		cancel()

		return nil, "", errors.Wrapf(err, "failed to subscribe %q", subscriptionID)
	}
	c.subs.Store(subscriptionID, cancel)

	out := make(chan *model.Event)
	go func() {
		defer close(out)
		for event := range upstream {
			select {
			case out <- event:
			case <-subCtx.Done():
				return
			}
			if c.cache != nil {
				if cacheErr := c.cache.UpsertEvent(subCtx, event); cacheErr != nil {
					log.Printf("failed to cache subscription event %v: %v", event.ID, cacheErr)
				}
			}
		}
	}()

	return out, subscriptionID, nil
}

// Unsubscribe tears down the relay registration and completes the stream.
// Unknown or already-closed ids are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	cancel, found := c.subs.LoadAndDelete(subscriptionID)
	if !found {
		return nil
	}
	cancel()

	return errors.Wrapf(c.protocol.Unsubscribe(ctx, subscriptionID), "failed to unsubscribe %q", subscriptionID)
}

// CloseAllSubscriptions tears down every active subscription.
func (c *Client) CloseAllSubscriptions(ctx context.Context) error {
	var lastErr error
	c.subs.Range(func(id string, _ context.CancelFunc) bool {
		if err := c.Unsubscribe(ctx, id); err != nil {
			lastErr = err
		}

		return true
	})

	return lastErr
}

// SignEvent signs with the configured key, see Event.Sign for the stamping
// rules.
func (c *Client) SignEvent(event *model.Event) error {
	return c.protocol.SignEvent(event)
}

func (c *Client) CurrentStatuses() map[string]model.RelayStatus {
	return c.relays.CurrentStatuses()
}

// AddRelay registers and dials a relay at runtime, existing subscriptions
// are unaffected.
func (c *Client) AddRelay(ctx context.Context, url string) error {
	return c.relays.AddRelay(ctx, url)
}

func (c *Client) PublicKey() string          { return c.protocol.PublicKey() }
func (c *Client) HasKeys() bool              { return c.protocol.HasKeys() }
func (c *Client) ConnectedRelayCount() int   { return c.relays.ConnectedRelayCount() }
func (c *Client) ConfiguredRelays() []string { return c.relays.ConfiguredRelays() }
func (c *Client) IsInitialized() bool        { return c.protocol != nil && c.relays != nil }
func (c *Client) IsDisposed() bool           { return c.disposed.Load() }

// Dispose closes all active subscriptions and releases the protocol client.
// Further calls on a disposed client are undefined.
func (c *Client) Dispose(ctx context.Context) error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.CloseAllSubscriptions(ctx); err != nil {
		log.Printf("failed to close subscriptions on dispose: %v", err)
	}

	return errors.Wrap(c.protocol.Close(), "failed to close protocol client")
}
