// SPDX-License-Identifier: MIT

package relay

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/openvine/divine-nostr/model"
)

const (
	statusStreamBuffer = 64

	metricPublishAttempts = "publish.attempts"
	metricPublishFailures = "publish.failures"
	metricQueryEvents     = "query.events"
	metricQueryLatencyMs  = "query.latency.ms"
)

type (
	// Manager tracks the set of configured relay endpoints and their
	// connections. The connected set may change concurrently with callers'
	// connectivity checks, the manager only guarantees that each retry call
	// makes at most one dial attempt per disconnected relay.
	Manager struct {
		dial DialFunc
		reg  metrics.Registry

		mx       sync.RWMutex
		conns    map[string]Connection
		statuses map[string]model.RelayStatus
		statusCh chan model.RelayStatusUpdate
		closed   bool
	}

	ManagerOption func(*Manager)
)

// WithDialFunc overrides how the manager establishes connections. Tests use
// it to substitute fake relays.
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *Manager) { m.dial = dial }
}

func NewManager(urls []string, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:     DialNostrRelay,
		reg:      metrics.NewRegistry(),
		conns:    make(map[string]Connection, len(urls)),
		statuses: make(map[string]model.RelayStatus, len(urls)),
		statusCh: make(chan model.RelayStatusUpdate, statusStreamBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, url := range urls {
		m.statuses[url] = model.RelayStatusDisconnected
	}

	return m
}

// Connect dials every configured relay, in parallel. Individual failures are
// aggregated, a relay that cannot be reached stays configured and
// disconnected.
func (m *Manager) Connect(ctx context.Context) error {
	return m.redial(ctx, m.ConfiguredRelays())
}

func (m *Manager) redial(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	errs := make([]error, len(urls))
	for i, url := range urls {
		m.setStatus(url, model.RelayStatusConnecting)
		g.Go(func() error {
			errs[i] = m.dialAndStore(gCtx, url)

			return nil
		})
	}
	_ = g.Wait()

	var mErr *multierror.Error
	for _, err := range errs {
		if err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}

	return mErr.ErrorOrNil()
}

func (m *Manager) dialAndStore(ctx context.Context, url string) error {
	conn, err := m.dial(ctx, url)
	if err != nil {
		m.setStatus(url, model.RelayStatusDisconnected)

		return errors.Wrapf(err, "failed to dial relay %q", url)
	}

	m.mx.Lock()
	if prev := m.conns[url]; prev != nil {
		_ = prev.Close()
	}
	m.conns[url] = conn
	m.mx.Unlock()
	m.setStatus(url, model.RelayStatusConnected)

	return nil
}

func (m *Manager) setStatus(url string, status model.RelayStatus) {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()

		return
	}
	m.statuses[url] = status
	select {
	case m.statusCh <- model.RelayStatusUpdate{URL: url, Status: status}:
	default: // Stream subscribers lagging behind lose updates.
	}
	m.mx.Unlock()
}

// AddRelay registers the url and attempts an initial dial. The url stays
// configured even when the dial fails.
func (m *Manager) AddRelay(ctx context.Context, url string) error {
	m.mx.Lock()
	if _, found := m.statuses[url]; !found {
		m.statuses[url] = model.RelayStatusDisconnected
	}
	m.mx.Unlock()

	return m.dialAndStore(ctx, url)
}

// RemoveRelay drops the url from the configured set and closes its
// connection, if any. Removing an unknown url is not an error.
func (m *Manager) RemoveRelay(url string) error {
	m.mx.Lock()
	conn := m.conns[url]
	delete(m.conns, url)
	delete(m.statuses, url)
	m.mx.Unlock()

	if conn != nil {
		return errors.Wrapf(conn.Close(), "failed to close relay %q", url)
	}

	return nil
}

func (m *Manager) ConfiguredRelays() []string {
	m.mx.RLock()
	defer m.mx.RUnlock()

	urls := make([]string, 0, len(m.statuses))
	for url := range m.statuses {
		urls = append(urls, url)
	}

	return urls
}

func (m *Manager) ConnectedRelays() []string {
	m.mx.RLock()
	defer m.mx.RUnlock()

	urls := make([]string, 0, len(m.conns))
	for url, conn := range m.conns {
		if conn.IsConnected() {
			urls = append(urls, url)
		}
	}

	return urls
}

func (m *Manager) ConnectedRelayCount() int {
	return len(m.ConnectedRelays())
}

// connections returns the currently connected subset, optionally scoped to
// the given target urls.
func (m *Manager) connections(targetRelays ...string) map[string]Connection {
	m.mx.RLock()
	defer m.mx.RUnlock()

	conns := make(map[string]Connection, len(m.conns))
	for url, conn := range m.conns {
		if !conn.IsConnected() {
			continue
		}
		if len(targetRelays) > 0 {
			found := false
			for _, target := range targetRelays {
				if target == url {
					found = true

					break
				}
			}
			if !found {
				continue
			}
		}
		conns[url] = conn
	}

	return conns
}

// RetryDisconnectedRelays redials only the relays that are currently not
// connected, one attempt each.
func (m *Manager) RetryDisconnectedRelays(ctx context.Context) error {
	m.mx.RLock()
	disconnected := make([]string, 0, len(m.statuses))
	for url := range m.statuses {
		if conn, found := m.conns[url]; !found || !conn.IsConnected() {
			disconnected = append(disconnected, url)
		}
	}
	m.mx.RUnlock()

	return m.redial(ctx, disconnected)
}

// ForceReconnectAll tears down every connection and dials the whole
// configured set from scratch.
func (m *Manager) ForceReconnectAll(ctx context.Context) error {
	m.mx.Lock()
	for url, conn := range m.conns {
		_ = conn.Close()
		delete(m.conns, url)
	}
	m.mx.Unlock()

	return m.redial(ctx, m.ConfiguredRelays())
}

func (m *Manager) CurrentStatuses() map[string]model.RelayStatus {
	m.mx.RLock()
	defer m.mx.RUnlock()

	statuses := make(map[string]model.RelayStatus, len(m.statuses))
	for url, status := range m.statuses {
		statuses[url] = status
	}

	return statuses
}

// StatusStream delivers best-effort connectivity updates. The channel is
// closed by Close.
func (m *Manager) StatusStream() <-chan model.RelayStatusUpdate {
	return m.statusCh
}

// Metrics exposes the manager's runtime counters registry.
func (m *Manager) Metrics() metrics.Registry {
	return m.reg
}

func (m *Manager) Close() error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var mErr *multierror.Error
	for url, conn := range m.conns {
		mErr = multierror.Append(mErr, errors.Wrapf(conn.Close(), "failed to close relay %q", url))
		delete(m.conns, url)
	}
	close(m.statusCh)

	return mErr.ErrorOrNil()
}
