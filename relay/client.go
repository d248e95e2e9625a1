// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"

	"github.com/openvine/divine-nostr/model"
)

type (
	// Client is the protocol layer: it signs events and fans operations out
	// over the manager's connected relays.
	Client struct {
		manager    *Manager
		privateKey string
		publicKey  string
		subs       *xsync.MapOf[string, *relaySubscription]
	}

	relaySubscription struct {
		cancel context.CancelFunc
		subs   []Subscription
	}

	ClientOption func(*Client) error
)

// WithPrivateKey configures the hex-encoded secp256k1 signing key.
func WithPrivateKey(privateKey string) ClientOption {
	return func(c *Client) error {
		publicKey, err := nostr.GetPublicKey(privateKey)
		if err != nil {
			return errors.Wrap(err, "invalid private key")
		}
		c.privateKey, c.publicKey = privateKey, publicKey

		return nil
	}
}

func NewClient(manager *Manager, opts ...ClientOption) (*Client, error) {
	c := &Client{
		manager: manager,
		subs:    xsync.NewMapOf[string, *relaySubscription](),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) PublicKey() string { return c.publicKey }
func (c *Client) HasKeys() bool     { return c.privateKey != "" }

// SignEvent stamps the configured identity onto the event.
func (c *Client) SignEvent(event *model.Event) error {
	if !c.HasKeys() {
		return model.ErrNoKeys
	}

	return event.Sign(c.privateKey)
}

// SendEvent publishes to every connected relay, optionally scoped to
// targetRelays. The send is considered successful when at least one relay
// accepted the event.
func (c *Client) SendEvent(ctx context.Context, event *model.Event, targetRelays ...string) (*model.Event, error) {
	conns := c.manager.connections(targetRelays...)
	if len(conns) == 0 {
		return nil, model.ErrNoConnectedRelays
	}

	var (
		wg       sync.WaitGroup
		errsMx   sync.Mutex
		mErr     *multierror.Error
		accepted int
	)
	for url, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.GetOrRegisterCounter(metricPublishAttempts, c.manager.reg).Inc(1)
			err := conn.Publish(ctx, event)
			errsMx.Lock()
			defer errsMx.Unlock()
			if err != nil {
				metrics.GetOrRegisterCounter(metricPublishFailures, c.manager.reg).Inc(1)
				mErr = multierror.Append(mErr, errors.Wrapf(err, "relay %q", url))

				return
			}
			accepted++
		}()
	}
	wg.Wait()

	if accepted == 0 {
		return nil, errors.Wrapf(mErr.ErrorOrNil(), "event %v rejected by all relays", event.ID)
	}

	return event, nil
}

// QueryEvents runs every filter against every connected relay and returns
// the deduplicated union, newest first.
func (c *Client) QueryEvents(ctx context.Context, filters model.Filters, targetRelays ...string) ([]*model.Event, error) {
	conns := c.manager.connections(targetRelays...)
	if len(conns) == 0 {
		return nil, model.ErrNoConnectedRelays
	}

	started := time.Now()
	var mErr *multierror.Error
	seen := make(map[string]*model.Event)
	for url, conn := range conns {
		for i := range filters {
			evs, err := conn.QueryEvents(ctx, filters[i])
			if err != nil {
				mErr = multierror.Append(mErr, errors.Wrapf(err, "relay %q", url))

				continue
			}
			for ev := range evs {
				seen[ev.ID] = ev
			}
		}
	}
	metrics.GetOrRegisterHistogram(metricQueryLatencyMs, c.manager.reg, metrics.NewExpDecaySample(1028, 0.015)).
		Update(time.Since(started).Milliseconds())

	if len(seen) == 0 && mErr.ErrorOrNil() != nil {
		return nil, errors.Wrap(mErr, "failed to query events from all relays")
	}
	metrics.GetOrRegisterCounter(metricQueryEvents, c.manager.reg).Inc(int64(len(seen)))

	events := make([]*model.Event, 0, len(seen))
	for _, ev := range seen {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })

	return events, nil
}

// Subscribe registers the filters on every connected relay and multiplexes
// their live events onto a single channel. The channel closes after
// Unsubscribe(id) or when ctx ends.
func (c *Client) Subscribe(ctx context.Context, filters model.Filters, id string) (<-chan *model.Event, error) {
	conns := c.manager.connections()
	if len(conns) == 0 {
		return nil, model.ErrNoConnectedRelays
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan *model.Event)

	var wg sync.WaitGroup
	subs := make([]Subscription, 0, len(conns))
	for url, conn := range conns {
		sub, err := conn.Subscribe(subCtx, filters)
		if err != nil {
			log.Printf("failed to subscribe %q on relay %q: %v", id, url, err)

			continue
		}
		subs = append(subs, sub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range sub.Events() {
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}()
	}
	if len(subs) == 0 {
		cancel()

		return nil, errors.Newf("subscription %q failed on all relays", id)
	}

	c.subs.Store(id, &relaySubscription{cancel: cancel, subs: subs})
	go func() {
		<-subCtx.Done()
		for _, sub := range subs {
			sub.Unsub()
		}
	}()
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// Unsubscribe tears down the relay registrations of the given subscription.
// Unknown or already-closed ids are not an error.
func (c *Client) Unsubscribe(_ context.Context, id string) error {
	if sub, found := c.subs.LoadAndDelete(id); found {
		sub.cancel()
	}

	return nil
}

// CountEvents asks connected relays for a native COUNT. Relays that do not
// support the operation are skipped; when none does, ErrCountNotSupported is
// returned to let the caller fall back. Any other failure propagates.
func (c *Client) CountEvents(ctx context.Context, filters model.Filters, timeout time.Duration) (int64, error) {
	conns := c.manager.connections()
	if len(conns) == 0 {
		return 0, model.ErrNoConnectedRelays
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for url, conn := range conns {
		count, err := conn.Count(ctx, filters)
		if err == nil {
			return count, nil
		}
		if errors.Is(err, model.ErrCountNotSupported) {
			continue
		}

		return 0, errors.Wrapf(err, "failed to count events on relay %q", url)
	}

	return 0, model.ErrCountNotSupported
}

// Close cancels all live subscriptions and the underlying connections.
func (c *Client) Close() error {
	c.subs.Range(func(id string, sub *relaySubscription) bool {
		sub.cancel()
		c.subs.Delete(id)

		return true
	})

	return errors.Wrap(c.manager.Close(), "failed to close relay manager")
}
