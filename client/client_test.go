// SPDX-License-Identifier: MIT

package client

import (
	"context"
	"sync"
	"testing"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rand"

	"github.com/openvine/divine-nostr/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProtocol struct {
	mx           sync.Mutex
	privateKey   string
	publicKey    string
	sendCalls    []*model.Event
	sendErr      error
	queryCalls   []model.Filters
	queryResults []*model.Event
	queryErr     error
	subs         map[string]chan *model.Event
	subErr       error
	unsubCalls   []string
	count        int64
	countErr     error
	closed       bool
}

func (f *fakeProtocol) SendEvent(_ context.Context, event *model.Event, _ ...string) (*model.Event, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.sendCalls = append(f.sendCalls, event)
	if f.sendErr != nil {
		return nil, f.sendErr
	}

	return event, nil
}

func (f *fakeProtocol) QueryEvents(_ context.Context, filters model.Filters, _ ...string) ([]*model.Event, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.queryCalls = append(f.queryCalls, filters)

	return f.queryResults, f.queryErr
}

func (f *fakeProtocol) Subscribe(_ context.Context, _ model.Filters, id string) (<-chan *model.Event, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	if f.subs == nil {
		f.subs = make(map[string]chan *model.Event)
	}
	ch := make(chan *model.Event, 16)
	f.subs[id] = ch

	return ch, nil
}

func (f *fakeProtocol) Unsubscribe(_ context.Context, id string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.unsubCalls = append(f.unsubCalls, id)
	if ch, found := f.subs[id]; found {
		close(ch)
		delete(f.subs, id)
	}

	return nil
}

func (f *fakeProtocol) emit(id string, event *model.Event) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if ch, found := f.subs[id]; found {
		ch <- event
	}
}

func (f *fakeProtocol) CountEvents(_ context.Context, _ model.Filters, _ stdlibtime.Duration) (int64, error) {
	return f.count, f.countErr
}

func (f *fakeProtocol) SignEvent(event *model.Event) error {
	if f.privateKey == "" {
		return model.ErrNoKeys
	}

	return event.Sign(f.privateKey)
}

func (f *fakeProtocol) PublicKey() string { return f.publicKey }
func (f *fakeProtocol) HasKeys() bool     { return f.privateKey != "" }
func (f *fakeProtocol) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.closed = true

	return nil
}

type fakeRelays struct {
	mx         sync.Mutex
	connected  []string
	configured []string
	added      []string
	retryCalls int
	retryErr   error
	onRetry    func(*fakeRelays)
}

func (f *fakeRelays) ConnectedRelays() []string {
	f.mx.Lock()
	defer f.mx.Unlock()

	return f.connected
}

func (f *fakeRelays) ConfiguredRelays() []string { return f.configured }
func (f *fakeRelays) ConnectedRelayCount() int {
	f.mx.Lock()
	defer f.mx.Unlock()

	return len(f.connected)
}

func (f *fakeRelays) RetryDisconnectedRelays(_ context.Context) error {
	f.mx.Lock()
	f.retryCalls++
	onRetry := f.onRetry
	f.mx.Unlock()
	if onRetry != nil {
		onRetry(f)
	}

	return f.retryErr
}

func (f *fakeRelays) setConnected(urls ...string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.connected = urls
}

func (f *fakeRelays) ForceReconnectAll(_ context.Context) error { return nil }

func (f *fakeRelays) AddRelay(_ context.Context, url string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.added = append(f.added, url)
	f.configured = append(f.configured, url)

	return nil
}
func (f *fakeRelays) RemoveRelay(_ string) error                    { return nil }
func (f *fakeRelays) CurrentStatuses() map[string]model.RelayStatus { return nil }
func (f *fakeRelays) StatusStream() <-chan model.RelayStatusUpdate  { return nil }

type fakeCache struct {
	mx          sync.Mutex
	upserts     []*model.Event
	upsertErr   error
	batches     [][]*model.Event
	batchErr    error
	deletes     [][]string
	deleteErr   error
	byFilter    []*model.Event
	byFilterErr error
	byID        map[string]*model.Event
	byIDErr     error
	profiles    map[string]*model.Event
	profilesErr error
	filterCalls []model.Filter
}

func (f *fakeCache) UpsertEvent(_ context.Context, event *model.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.upserts = append(f.upserts, event)

	return f.upsertErr
}

func (f *fakeCache) UpsertEventsBatch(_ context.Context, events []*model.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.batches = append(f.batches, events)

	return f.batchErr
}

func (f *fakeCache) DeleteEventsByIDs(_ context.Context, ids []string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.deletes = append(f.deletes, ids)

	return f.deleteErr
}

func (f *fakeCache) GetEventsByFilter(_ context.Context, filter model.Filter) ([]*model.Event, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.filterCalls = append(f.filterCalls, filter)

	return f.byFilter, f.byFilterErr
}

func (f *fakeCache) GetEventByID(_ context.Context, id string) (*model.Event, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	return f.byID[id], f.byIDErr
}

func (f *fakeCache) GetProfileByPubkey(_ context.Context, pubkey string) (*model.Event, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	return f.profiles[pubkey], f.profilesErr
}

func (f *fakeCache) upsertCount() int {
	f.mx.Lock()
	defer f.mx.Unlock()

	return len(f.upserts)
}

func helperSignedEvent(t *testing.T, kind int, content string) *model.Event {
	t.Helper()
	event := &model.Event{Event: nostr.Event{
		Kind:      kind,
		Content:   content,
		CreatedAt: nostr.Timestamp(rand.Int63n(1_000_000) + 1),
	}}
	require.NoError(t, event.Sign(nostr.GeneratePrivateKey()))

	return event
}

func TestPublishEventRegularKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("ConnectedRelaysSendImmediately", func(t *testing.T) {
		protocol, relays, eventCache := &fakeProtocol{}, &fakeRelays{connected: []string{"wss://a"}}, &fakeCache{}
		c := New(protocol, relays, WithCache(eventCache))
		event := helperSignedEvent(t, 1, "hello")

		published, err := c.PublishEvent(ctx, event)
		require.NoError(t, err)
		require.Equal(t, event.ID, published.ID)
		require.Equal(t, []*model.Event{event}, eventCache.upserts)
		require.Empty(t, eventCache.deletes)
		require.Len(t, protocol.sendCalls, 1)
		require.Zero(t, relays.retryCalls)
	})
	t.Run("RollbackWhenNoRelayEvenAfterReconnect", func(t *testing.T) {
		protocol, relays, eventCache := &fakeProtocol{}, &fakeRelays{}, &fakeCache{}
		c := New(protocol, relays, WithCache(eventCache))
		event := helperSignedEvent(t, 1, "stranded")

		published, err := c.PublishEvent(ctx, event)
		require.ErrorIs(t, err, model.ErrNoConnectedRelays)
		require.Nil(t, published)
		require.Equal(t, 1, relays.retryCalls)
		require.Len(t, eventCache.upserts, 1)
		require.Equal(t, [][]string{{event.ID}}, eventCache.deletes)
		require.Empty(t, protocol.sendCalls)
	})
	t.Run("ReconnectRecoversAndSends", func(t *testing.T) {
		protocol, eventCache := &fakeProtocol{}, &fakeCache{}
		relays := &fakeRelays{onRetry: func(f *fakeRelays) { f.setConnected("wss://a") }}
		c := New(protocol, relays, WithCache(eventCache))
		event := helperSignedEvent(t, 1, "recovered")

		published, err := c.PublishEvent(ctx, event)
		require.NoError(t, err)
		require.Equal(t, event.ID, published.ID)
		require.Equal(t, 1, relays.retryCalls)
		require.Empty(t, eventCache.deletes)
	})
	t.Run("SendFailureDoesNotRollBack", func(t *testing.T) {
		protocol := &fakeProtocol{sendErr: errors.New("all relays rejected")}
		relays, eventCache := &fakeRelays{connected: []string{"wss://a"}}, &fakeCache{}
		c := New(protocol, relays, WithCache(eventCache))
		event := helperSignedEvent(t, 1, "rejected")

		published, err := c.PublishEvent(ctx, event)
		require.Error(t, err)
		require.Nil(t, published)
		require.Len(t, eventCache.upserts, 1)
		require.Empty(t, eventCache.deletes)
	})
}

func TestPublishEventCachingByKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("ReplaceableKindSkipsOptimisticCache", func(t *testing.T) {
		protocol, relays, eventCache := &fakeProtocol{}, &fakeRelays{}, &fakeCache{}
		c := New(protocol, relays, WithCache(eventCache))
		event := helperSignedEvent(t, 0, `{"name":"alice"}`)

		published, err := c.PublishEvent(ctx, event)
		require.ErrorIs(t, err, model.ErrNoConnectedRelays)
		require.Nil(t, published)
		require.Empty(t, eventCache.upserts)
		require.Empty(t, eventCache.deletes)
	})
	t.Run("EphemeralKindCachedAndRolledBackLikeRegular", func(t *testing.T) {
		protocol, relays, eventCache := &fakeProtocol{}, &fakeRelays{}, &fakeCache{}
		c := New(protocol, relays, WithCache(eventCache))
		event := helperSignedEvent(t, 22242, "ephemeral auth")

		published, err := c.PublishEvent(ctx, event)
		require.ErrorIs(t, err, model.ErrNoConnectedRelays)
		require.Nil(t, published)
		require.Len(t, eventCache.upserts, 1)
		require.Equal(t, [][]string{{event.ID}}, eventCache.deletes)
	})
}

func TestPublishEventWithoutCache(t *testing.T) {
	t.Parallel()
	protocol, relays := &fakeProtocol{}, &fakeRelays{}
	c := New(protocol, relays)

	published, err := c.PublishEvent(context.Background(), helperSignedEvent(t, 1, "no cache"))
	require.ErrorIs(t, err, model.ErrNoConnectedRelays)
	require.Nil(t, published)
}

func TestQueryEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("SingleFilterMergesCacheAndRelayResults", func(t *testing.T) {
		cachedOnly := helperSignedEvent(t, 1, "cached only")
		shared := helperSignedEvent(t, 1, "on both sides")
		relayOnly := helperSignedEvent(t, 1, "relay only")
		protocol := &fakeProtocol{queryResults: []*model.Event{shared, relayOnly}}
		eventCache := &fakeCache{byFilter: []*model.Event{cachedOnly, shared}}
		c := New(protocol, &fakeRelays{connected: []string{"wss://a"}}, WithCache(eventCache))

		events, err := c.QueryEvents(ctx, model.Filters{{Kinds: []int{1}}})
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i := 1; i < len(events); i++ {
			require.GreaterOrEqual(t, events[i-1].CreatedAt, events[i].CreatedAt)
		}
		require.Len(t, eventCache.filterCalls, 1)
		require.Equal(t, [][]*model.Event{{shared, relayOnly}}, eventCache.batches)
	})
	t.Run("MultiFilterBypassesCache", func(t *testing.T) {
		event := helperSignedEvent(t, 1, "multi")
		protocol := &fakeProtocol{queryResults: []*model.Event{event}}
		eventCache := &fakeCache{byFilter: []*model.Event{helperSignedEvent(t, 1, "stale")}}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		events, err := c.QueryEvents(ctx, model.Filters{{Kinds: []int{1}}, {Kinds: []int{7}}})
		require.NoError(t, err)
		require.Equal(t, []*model.Event{event}, events)
		require.Empty(t, eventCache.filterCalls)
	})
	t.Run("RelayErrorPropagatesDespiteCacheHit", func(t *testing.T) {
		protocol := &fakeProtocol{queryErr: errors.New("relay query failed")}
		eventCache := &fakeCache{byFilter: []*model.Event{helperSignedEvent(t, 1, "hit")}}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		events, err := c.QueryEvents(ctx, model.Filters{{Kinds: []int{1}}})
		require.Error(t, err)
		require.Nil(t, events)
	})
	t.Run("CacheLookupFailureIsIgnored", func(t *testing.T) {
		event := helperSignedEvent(t, 1, "still served")
		protocol := &fakeProtocol{queryResults: []*model.Event{event}}
		eventCache := &fakeCache{byFilterErr: errors.New("disk on fire")}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		events, err := c.QueryEvents(ctx, model.Filters{{Kinds: []int{1}}})
		require.NoError(t, err)
		require.Equal(t, []*model.Event{event}, events)
	})
}

func TestFetchEventByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("CacheHitShortCircuits", func(t *testing.T) {
		event := helperSignedEvent(t, 1, "cached")
		protocol := &fakeProtocol{}
		c := New(protocol, &fakeRelays{}, WithCache(&fakeCache{byID: map[string]*model.Event{event.ID: event}}))

		fetched, err := c.FetchEventByID(ctx, event.ID)
		require.NoError(t, err)
		require.Equal(t, event, fetched)
		require.Empty(t, protocol.queryCalls)
	})
	t.Run("CacheMissFetchesAndStores", func(t *testing.T) {
		event := helperSignedEvent(t, 1, "remote")
		protocol := &fakeProtocol{queryResults: []*model.Event{event}}
		eventCache := &fakeCache{}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		fetched, err := c.FetchEventByID(ctx, event.ID)
		require.NoError(t, err)
		require.Equal(t, event, fetched)
		require.Len(t, protocol.queryCalls, 1)
		require.Equal(t, model.Filters{{IDs: []string{event.ID}, Limit: 1}}, protocol.queryCalls[0])
		require.Equal(t, []*model.Event{event}, eventCache.upserts)
	})
	t.Run("NotFoundAnywhereReturnsNil", func(t *testing.T) {
		c := New(&fakeProtocol{}, &fakeRelays{}, WithCache(&fakeCache{}))

		fetched, err := c.FetchEventByID(ctx, "deadbeef")
		require.NoError(t, err)
		require.Nil(t, fetched)
	})
}

func TestFetchProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("CacheHitShortCircuits", func(t *testing.T) {
		profile := helperSignedEvent(t, 0, `{"name":"bob"}`)
		protocol := &fakeProtocol{}
		c := New(protocol, &fakeRelays{}, WithCache(&fakeCache{profiles: map[string]*model.Event{profile.PubKey: profile}}))

		fetched, err := c.FetchProfile(ctx, profile.PubKey)
		require.NoError(t, err)
		require.Equal(t, profile, fetched)
		require.Empty(t, protocol.queryCalls)
	})
	t.Run("CacheMissFetchesKind0ByAuthor", func(t *testing.T) {
		profile := helperSignedEvent(t, 0, `{"name":"carol"}`)
		protocol := &fakeProtocol{queryResults: []*model.Event{profile}}
		eventCache := &fakeCache{}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		fetched, err := c.FetchProfile(ctx, profile.PubKey)
		require.NoError(t, err)
		require.Equal(t, profile, fetched)
		require.Equal(t, model.Filters{{Kinds: []int{0}, Authors: []string{profile.PubKey}, Limit: 1}}, protocol.queryCalls[0])
		require.Equal(t, 1, eventCache.upsertCount())
	})
}

func TestCountEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	filters := model.Filters{{Kinds: []int{1}}}

	t.Run("NativeCount", func(t *testing.T) {
		c := New(&fakeProtocol{count: 42}, &fakeRelays{})

		resp, err := c.CountEvents(ctx, filters, stdlibtime.Second)
		require.NoError(t, err)
		require.Equal(t, &model.CountResponse{Count: 42, Approximate: true, Source: model.CountSourceWebsocket}, resp)
	})
	t.Run("ClientSideFallback", func(t *testing.T) {
		events := []*model.Event{helperSignedEvent(t, 1, "a"), helperSignedEvent(t, 1, "b")}
		protocol := &fakeProtocol{countErr: model.ErrCountNotSupported, queryResults: events}
		c := New(protocol, &fakeRelays{})

		resp, err := c.CountEvents(ctx, filters, stdlibtime.Second)
		require.NoError(t, err)
		require.Equal(t, &model.CountResponse{Count: 2, Approximate: false, Source: model.CountSourceClientSide}, resp)
		require.Len(t, protocol.queryCalls, 1)
	})
	t.Run("GenericErrorPropagates", func(t *testing.T) {
		protocol := &fakeProtocol{countErr: errors.New("relay imploded")}
		c := New(protocol, &fakeRelays{})

		resp, err := c.CountEvents(ctx, filters, stdlibtime.Second)
		require.Error(t, err)
		require.NotErrorIs(t, err, model.ErrCountNotSupported)
		require.Nil(t, resp)
		require.Empty(t, protocol.queryCalls)
	})
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("DeliversAndCachesEvents", func(t *testing.T) {
		protocol, eventCache := &fakeProtocol{}, &fakeCache{}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		stream, id, err := c.Subscribe(ctx, model.Filters{{Kinds: []int{1}}}, "feed")
		require.NoError(t, err)
		require.Equal(t, "feed", id)

		event := helperSignedEvent(t, 1, "live")
		protocol.emit("feed", event)
		select {
		case received := <-stream:
			require.Equal(t, event.ID, received.ID)
		case <-stdlibtime.After(stdlibtime.Second):
			t.Fatal("timed out waiting for subscription event")
		}
		require.Eventually(t, func() bool { return eventCache.upsertCount() == 1 }, stdlibtime.Second, 10*stdlibtime.Millisecond)

		require.NoError(t, c.Unsubscribe(ctx, "feed"))
		select {
		case _, open := <-stream:
			require.False(t, open)
		case <-stdlibtime.After(stdlibtime.Second):
			t.Fatal("timed out waiting for stream to complete")
		}
	})
	t.Run("GeneratesIDWhenEmpty", func(t *testing.T) {
		protocol := &fakeProtocol{}
		c := New(protocol, &fakeRelays{})

		stream, id, err := c.Subscribe(ctx, model.Filters{{Kinds: []int{7}}}, "")
		require.NoError(t, err)
		require.NotEmpty(t, id)
		require.NoError(t, c.Unsubscribe(ctx, id))
		for range stream { //nolint:revive // Drain until the forwarder completes.
		}
	})
	t.Run("UnsubscribeUnknownIDIsNoop", func(t *testing.T) {
		protocol := &fakeProtocol{}
		c := New(protocol, &fakeRelays{})

		require.NoError(t, c.Unsubscribe(ctx, "never existed"))
		require.Empty(t, protocol.unsubCalls)
	})
	t.Run("CachingFailureDoesNotStopDelivery", func(t *testing.T) {
		protocol := &fakeProtocol{}
		eventCache := &fakeCache{upsertErr: errors.New("cache write failed")}
		c := New(protocol, &fakeRelays{}, WithCache(eventCache))

		stream, id, err := c.Subscribe(ctx, model.Filters{{Kinds: []int{1}}}, "flaky")
		require.NoError(t, err)
		protocol.emit(id, helperSignedEvent(t, 1, "first"))
		protocol.emit(id, helperSignedEvent(t, 1, "second"))
		for i := 0; i < 2; i++ {
			select {
			case <-stream:
			case <-stdlibtime.After(stdlibtime.Second):
				t.Fatal("timed out waiting for subscription event")
			}
		}
		require.NoError(t, c.Unsubscribe(ctx, id))
		for range stream { //nolint:revive // Drain until the forwarder completes.
		}
	})
}

func TestDispose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	protocol := &fakeProtocol{}
	c := New(protocol, &fakeRelays{})

	stream, id, err := c.Subscribe(ctx, model.Filters{{Kinds: []int{1}}}, "")
	require.NoError(t, err)
	require.False(t, c.IsDisposed())

	require.NoError(t, c.Dispose(ctx))
	require.True(t, c.IsDisposed())
	require.True(t, protocol.closed)
	require.Equal(t, []string{id}, protocol.unsubCalls)
	for range stream { //nolint:revive // Drain until the forwarder completes.
	}

	require.NoError(t, c.Dispose(ctx))
}

func TestAccessors(t *testing.T) {
	t.Parallel()
	protocol := &fakeProtocol{privateKey: nostr.GeneratePrivateKey(), publicKey: "abc"}
	relays := &fakeRelays{connected: []string{"wss://a", "wss://b"}, configured: []string{"wss://a", "wss://b", "wss://c"}}
	c := New(protocol, relays)

	require.True(t, c.IsInitialized())
	require.True(t, c.HasKeys())
	require.Equal(t, "abc", c.PublicKey())
	require.Equal(t, 2, c.ConnectedRelayCount())
	require.Equal(t, []string{"wss://a", "wss://b", "wss://c"}, c.ConfiguredRelays())

	require.NoError(t, c.AddRelay(context.Background(), "wss://d"))
	require.Equal(t, []string{"wss://d"}, relays.added)
	require.Equal(t, []string{"wss://a", "wss://b", "wss://c", "wss://d"}, c.ConfiguredRelays())
}
