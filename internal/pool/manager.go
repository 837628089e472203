// Package pool multiplexes a venue's market subscriptions over a bounded set of sockets.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/fushengyk/marketstream/internal/venue"
	"go.uber.org/zap"
)

var (
	ErrClosed     = errors.New("pool: manager closed")
	ErrNoURL      = errors.New("pool: no socket url configured")
	ErrSuperseded = errors.New("pool: unsubscribed before the request was sent")
)

// Config holds the per-instance pool limits. Zero limits mean unbounded.
type Config struct {
	Name                 string
	URL                  string
	WatcherInterval      time.Duration
	MaxSocketSubs        int
	MaxRequestsPerSecond int
	// RequestWindow is the rolling window MaxRequestsPerSecond applies to.
	RequestWindow   time.Duration
	URLWaitAttempts int
	URLWaitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestWindow <= 0 {
		c.RequestWindow = time.Second
	}
	if c.URLWaitAttempts <= 0 {
		c.URLWaitAttempts = 5
	}
	if c.URLWaitInterval <= 0 {
		c.URLWaitInterval = time.Second
	}
	return c
}

// Or fills every zero field of c from def.
func (c Config) Or(def Config) Config {
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.WatcherInterval == 0 {
		c.WatcherInterval = def.WatcherInterval
	}
	if c.MaxSocketSubs == 0 {
		c.MaxSocketSubs = def.MaxSocketSubs
	}
	if c.MaxRequestsPerSecond == 0 {
		c.MaxRequestsPerSecond = def.MaxRequestsPerSecond
	}
	if c.RequestWindow == 0 {
		c.RequestWindow = def.RequestWindow
	}
	if c.URLWaitAttempts == 0 {
		c.URLWaitAttempts = def.URLWaitAttempts
	}
	if c.URLWaitInterval == 0 {
		c.URLWaitInterval = def.URLWaitInterval
	}
	return c
}

type assignment struct {
	market domain.Market
	typ    domain.SubscriptionType
	sock   *socket
	ack    *venue.Ack
	sent   bool
}

func (a *assignment) key() domain.Subscription {
	return domain.Subscription{Type: a.typ, MarketID: a.market.ID}
}

func (a *assignment) assigned() domain.AssignedMarket {
	am := domain.AssignedMarket{Market: a.market, Type: a.typ, Socket: -1}
	if a.sock != nil {
		am.Socket = a.sock.serial
	}
	return am
}

// reissue copies a into a fresh, unsent record that keeps the caller's acknowledgment.
func (a *assignment) reissue(s *socket) *assignment {
	return &assignment{market: a.market, typ: a.typ, sock: s, ack: a.ack}
}

type action struct {
	a    *assignment
	sock *socket
}

// Manager is the socket pool for one venue.
type Manager struct {
	cfg     Config
	adapter venue.Adapter
	feeds   venue.Feeds
	pinger  venue.Pinger
	dial    transport.Factory
	logger  *zap.SugaredLogger
	metrics *metrics
	now     func() time.Time

	listeners domain.Listeners

	ctx    context.Context
	cancel context.CancelFunc

	loops   sync.Once
	watcher sync.Once

	mu          sync.Mutex
	url         string
	sockets     []*socket
	serial      int
	subs        map[domain.SubscriptionType]map[string]*assignment
	unassigned  []*assignment
	deferred    []action
	lastMessage time.Time
	closed      bool
}

var _ venue.Client = (*Manager)(nil)

// New builds a pool manager for adapter. The adapter's advertised feeds are checked up front.
func New(cfg Config, adapter venue.Adapter, dial transport.Factory, logger *zap.SugaredLogger) (*Manager, error) {
	feeds, err := venue.Resolve(adapter)
	if err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, fmt.Errorf("pool %s: nil transport factory", adapter.Name())
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		cfg.Name = adapter.Name()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		adapter: adapter,
		feeds:   feeds,
		dial:    dial,
		logger:  logger.With("venue", cfg.Name),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		url:     cfg.URL,
		subs:    make(map[domain.SubscriptionType]map[string]*assignment),
	}
	if p, ok := adapter.(venue.Pinger); ok && p.PingInterval() > 0 {
		m.pinger = p
	}
	for typ := range feeds {
		m.subs[typ] = make(map[string]*assignment)
	}
	m.metrics = newMetrics(m)
	return m, nil
}

func (m *Manager) Name() string { return m.cfg.Name }

func (m *Manager) Capabilities() domain.Capabilities { return m.adapter.Capabilities() }

// AddHandler registers h for every event the manager emits.
func (m *Manager) AddHandler(h domain.Handler) { m.listeners.Add(h) }

// SetURL supplies the socket url after construction. Callers waiting in socket creation
// pick it up on their next poll.
func (m *Manager) SetURL(url string) {
	m.mu.Lock()
	m.url = url
	m.mu.Unlock()
}

func (m *Manager) emit(ev domain.Event) {
	ev.Venue = m.cfg.Name
	m.listeners.Emit(ev)
}

func (m *Manager) emitError(market *domain.Market, err error) {
	m.emit(domain.Event{Kind: domain.EventError, Market: market, Err: err})
}

// Connect opens the first socket and waits for its session.
func (m *Manager) Connect(ctx context.Context) error {
	return m.ensureSocket(ctx)
}

// Subscribe records the intent to receive typ for market and returns its acknowledgment.
// Unsupported types are a no-op. Failures are reported as error events and on the Ack.
func (m *Manager) Subscribe(ctx context.Context, typ domain.SubscriptionType, market domain.Market) *venue.Ack {
	if !m.feeds.Supports(typ) {
		return venue.Rejected()
	}
	if err := m.ensureSocket(ctx); err != nil {
		m.emitError(&market, err)
		return venue.Failed(err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return venue.Failed(ErrClosed)
	}
	if _, ok := m.subs[typ][market.ID]; ok {
		m.mu.Unlock()
		return venue.Rejected()
	}
	a := &assignment{market: market, typ: typ, ack: venue.NewAck(true)}
	m.subs[typ][market.ID] = a
	s := m.freeSocketLocked()
	if s == nil {
		s = m.spawnLocked()
	}
	failed := m.assignLocked(a, s)
	m.mu.Unlock()

	m.logger.Debugw("subscribed", "type", typ, "market", market.ID, "socket", s.serial)
	m.report(failed)
	return a.ack
}

// Unsubscribe removes the subscription and, when its request already went out on a live
// socket, sends the unsubscribe immediately. Unsubscribes are not rate limited.
func (m *Manager) Unsubscribe(typ domain.SubscriptionType, market domain.Market) bool {
	if !m.feeds.Supports(typ) {
		return false
	}

	m.mu.Lock()
	a, ok := m.subs[typ][market.ID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.subs[typ], market.ID)
	if a.sock != nil {
		a.sock.remove(a.key())
	}
	var err error
	if a.sent && a.sock != nil && a.sock.connected {
		err = m.feeds[typ].Unsubscribe(a.sock, market.ID, a.assigned())
	}
	if !a.sent {
		a.ack.Resolve(ErrSuperseded)
	}
	m.mu.Unlock()

	if err != nil {
		m.emitError(&market, fmt.Errorf("unsubscribe %s %s: %w", typ, market.ID, err))
	}
	return true
}

// Subscribed reports whether typ for market is currently held.
func (m *Manager) Subscribed(typ domain.SubscriptionType, market domain.Market) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[typ][market.ID]
	return ok
}

// Assigned returns the current binding of typ for market.
func (m *Manager) Assigned(typ domain.SubscriptionType, market domain.Market) (domain.AssignedMarket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.subs[typ][market.ID]
	if !ok {
		return domain.AssignedMarket{}, false
	}
	return a.assigned(), true
}

// SocketInfo is a snapshot of one socket.
type SocketInfo struct {
	Index         int
	Serial        int
	ID            string
	Connected     bool
	Subscriptions []domain.Subscription
	// Requests is the number of sends inside the current rate window.
	Requests int
}

// Sockets lists the pool's sockets in creation order.
func (m *Manager) Sockets() []SocketInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]SocketInfo, 0, len(m.sockets))
	for i, s := range m.sockets {
		out = append(out, SocketInfo{
			Index:         i,
			Serial:        s.serial,
			ID:            s.id.String(),
			Connected:     s.connected,
			Subscriptions: append([]domain.Subscription(nil), s.order...),
			Requests:      s.prune(now, m.cfg.RequestWindow),
		})
	}
	return out
}

// Reconnect closes every socket, waits for each to report closed, and redistributes all
// subscriptions over fresh sockets. It returns once the first new socket is connected.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.emit(domain.Event{Kind: domain.EventReconnecting})
	m.logger.Info("reconnecting")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.sockets
	m.sockets = nil
	m.deferred = nil
	for _, s := range old {
		s.haltPing()
		for _, key := range s.order {
			if a, ok := m.subs[key.Type][key.MarketID]; ok {
				fresh := a.reissue(nil)
				m.subs[key.Type][key.MarketID] = fresh
				m.unassigned = append(m.unassigned, fresh)
			}
		}
		s.order = nil
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range old {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.emitError(nil, fmt.Errorf("close sockets: %w", err))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	failed := m.drainLocked()
	// Every parked entry may have been unsubscribed while the old sockets closed.
	if len(m.sockets) == 0 {
		m.spawnLocked()
	}
	first := m.sockets[0]
	m.mu.Unlock()
	m.report(failed)

	return m.waitReady(ctx, first)
}

// Close shuts every socket down. Pending acknowledgments resolve with ErrClosed. A closed
// manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	socks := m.sockets
	m.sockets = nil
	for _, s := range socks {
		s.haltPing()
		s.markReady(ErrClosed)
	}
	for _, byID := range m.subs {
		for id, a := range byID {
			a.ack.Resolve(ErrClosed)
			delete(byID, id)
		}
	}
	m.unassigned = nil
	m.deferred = nil
	m.mu.Unlock()

	m.logger.Info("closing")
	m.cancel()
	m.metrics.unregister()

	var errs []error
	for _, s := range socks {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureSocket makes sure the pool has a socket and waits for the first one to connect.
func (m *Manager) ensureSocket(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var first *socket
	if len(m.sockets) > 0 {
		if s := m.sockets[0]; !s.everConnected {
			first = s
		}
		m.mu.Unlock()
		if first == nil {
			return nil
		}
		return m.waitReady(ctx, first)
	}
	url := m.url
	m.mu.Unlock()

	if strings.TrimSpace(url) == "" {
		if err := m.waitURL(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if len(m.sockets) == 0 {
		m.spawnLocked()
	}
	first = m.sockets[0]
	m.mu.Unlock()
	return m.waitReady(ctx, first)
}

func (m *Manager) waitReady(ctx context.Context, s *socket) error {
	select {
	case <-s.ready:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitURL polls for a url supplied through SetURL and gives up after URLWaitAttempts.
func (m *Manager) waitURL(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.URLWaitInterval)
	defer ticker.Stop()
	for i := 0; i < m.cfg.URLWaitAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
		m.mu.Lock()
		url := m.url
		m.mu.Unlock()
		if strings.TrimSpace(url) != "" {
			return nil
		}
	}
	m.logger.Errorw("no socket url configured", "attempts", m.cfg.URLWaitAttempts)
	return ErrNoURL
}

func (m *Manager) freeSocketLocked() *socket {
	for _, s := range m.sockets {
		if s.available(m.cfg.MaxSocketSubs) {
			return s
		}
	}
	return nil
}

// spawnLocked reserves a new socket and connects it in the background.
func (m *Manager) spawnLocked() *socket {
	s := newSocket(m.serial)
	m.serial++
	s.conn = m.dial(m.url, func(ev transport.Event) { m.onTransport(s, ev) })
	m.sockets = append(m.sockets, s)
	m.startLoops()

	m.logger.Infow("creating socket", "socket", s.serial, "id", s.id, "url", m.url)
	go m.connectSocket(s)
	return s
}

func (m *Manager) connectSocket(s *socket) {
	err := s.conn.Connect(m.ctx)
	if err == nil {
		return
	}

	m.mu.Lock()
	s.markReady(err)
	live := m.detachLocked(s)
	m.mu.Unlock()
	if live {
		m.logger.Warnw("socket connect failed", "socket", s.serial, "error", err)
		m.emitError(nil, fmt.Errorf("connect socket %d: %w", s.serial, err))
	}
}

// detachLocked removes s from the pool and parks its subscriptions until another socket
// connects. It reports whether s was still part of the pool.
func (m *Manager) detachLocked(s *socket) bool {
	idx := -1
	for i, o := range m.sockets {
		if o == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	m.sockets = append(m.sockets[:idx], m.sockets[idx+1:]...)
	s.haltPing()
	s.connected = false
	for _, key := range s.order {
		if a, ok := m.subs[key.Type][key.MarketID]; ok {
			fresh := a.reissue(nil)
			m.subs[key.Type][key.MarketID] = fresh
			m.unassigned = append(m.unassigned, fresh)
		}
	}
	s.order = nil
	return true
}

// assignLocked binds a to s and sends right away when s is live. Failed sends are
// returned for reporting outside the lock.
func (m *Manager) assignLocked(a *assignment, s *socket) []failure {
	a.sock = s
	s.order = append(s.order, a.key())
	if !s.connected {
		return nil
	}
	return m.processActionLocked(a, s)
}

// drainLocked places parked subscriptions, growing the pool as caps require.
func (m *Manager) drainLocked() []failure {
	parked := m.unassigned
	m.unassigned = nil
	var failed []failure
	for _, a := range parked {
		if m.subs[a.typ][a.market.ID] != a {
			continue
		}
		s := m.freeSocketLocked()
		if s == nil {
			s = m.spawnLocked()
		}
		failed = append(failed, m.assignLocked(a, s)...)
	}
	return failed
}

func (m *Manager) onTransport(s *socket, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnecting:
		m.emit(domain.Event{Kind: domain.EventConnecting})
	case transport.EventConnected:
		m.onConnected(s)
	case transport.EventDisconnected:
		m.onDisconnected(s, ev.Err)
	case transport.EventClosing:
		m.emit(domain.Event{Kind: domain.EventClosing})
	case transport.EventClosed:
		m.onClosed(s)
	case transport.EventError:
		m.emitError(nil, ev.Err)
	case transport.EventMessage:
		m.onMessage(s, ev.Data)
	}
}

// onConnected sends everything the socket owes the venue. On a session after the first,
// every subscription of the socket is reissued exactly once. Parked subscriptions are
// then placed.
func (m *Manager) onConnected(s *socket) {
	m.mu.Lock()
	if m.closed || !m.ownsLocked(s) {
		m.mu.Unlock()
		return
	}
	resumed := s.everConnected
	s.everConnected = true
	s.connected = true
	s.sent = nil
	s.deferred = 0
	m.lastMessage = m.now()

	var failed []failure
	resubscribed := 0
	for _, key := range s.order {
		a, ok := m.subs[key.Type][key.MarketID]
		if !ok {
			continue
		}
		if resumed {
			a = a.reissue(s)
			m.subs[key.Type][key.MarketID] = a
			resubscribed++
		}
		failed = append(failed, m.processActionLocked(a, s)...)
	}
	failed = append(failed, m.drainLocked()...)
	m.startPingLocked(s)
	s.markReady(nil)
	m.mu.Unlock()

	if resubscribed > 0 {
		m.metrics.resubscribed(resubscribed)
		m.logger.Infow("socket resumed", "socket", s.serial, "resubscribed", resubscribed)
	} else {
		m.logger.Infow("socket connected", "socket", s.serial)
	}
	m.report(failed)
	m.emit(domain.Event{Kind: domain.EventConnected})
	m.startWatcher()
}

func (m *Manager) onDisconnected(s *socket, err error) {
	m.mu.Lock()
	s.connected = false
	s.haltPing()
	m.mu.Unlock()

	m.logger.Warnw("socket disconnected", "socket", s.serial, "error", err)
	m.emit(domain.Event{Kind: domain.EventDisconnected, Err: err})
}

// onClosed handles a socket that closed without the manager asking for it.
func (m *Manager) onClosed(s *socket) {
	m.mu.Lock()
	var failed []failure
	if !m.closed && m.detachLocked(s) && len(m.unassigned) > 0 && len(m.sockets) > 0 {
		failed = m.drainLocked()
	}
	m.mu.Unlock()

	m.report(failed)
	m.emit(domain.Event{Kind: domain.EventClosed})
}

func (m *Manager) ownsLocked(s *socket) bool {
	for _, o := range m.sockets {
		if o == s {
			return true
		}
	}
	return false
}

func (m *Manager) onMessage(s *socket, raw []byte) {
	m.mu.Lock()
	m.lastMessage = m.now()
	m.mu.Unlock()

	if err := m.adapter.OnMessage(&session{m: m, s: s}, raw); err != nil {
		m.emit(domain.Event{Kind: domain.EventError, Err: fmt.Errorf("parse message: %w", err), Raw: raw})
	}
}

// session is the adapter's handle on one socket while parsing.
type session struct {
	m *Manager
	s *socket
}

func (ss *session) Send(data []byte) error { return ss.s.Send(data) }

func (ss *session) Market(typ domain.SubscriptionType, remoteID string) (domain.Market, bool) {
	ss.m.mu.Lock()
	defer ss.m.mu.Unlock()
	a, ok := ss.m.subs[typ][remoteID]
	if !ok {
		return domain.Market{}, false
	}
	return a.market, true
}

func (ss *session) Emit(ev domain.Event) { ss.m.emit(ev) }

type failure struct {
	market domain.Market
	err    error
}

func (m *Manager) report(failed []failure) {
	for _, f := range failed {
		market := f.market
		m.emitError(&market, f.err)
	}
}

// startLoops starts the rate window flusher once the pool owns a socket.
func (m *Manager) startLoops() {
	if m.cfg.MaxRequestsPerSecond <= 0 {
		return
	}
	m.loops.Do(func() { go m.runFlusher() })
}

func (m *Manager) startWatcher() {
	if m.cfg.WatcherInterval <= 0 {
		return
	}
	m.watcher.Do(func() { go m.runWatcher() })
}

// runWatcher forces a reconnect when no frame arrived on any live socket for a full interval.
func (m *Manager) runWatcher() {
	ticker := time.NewTicker(m.cfg.WatcherInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.stale() {
				continue
			}
			m.logger.Warnw("no messages received, reconnecting", "interval", m.cfg.WatcherInterval)
			if err := m.Reconnect(m.ctx); err != nil && !errors.Is(err, ErrClosed) && m.ctx.Err() == nil {
				m.emitError(nil, fmt.Errorf("watcher reconnect: %w", err))
			}
		}
	}
}

func (m *Manager) stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := false
	for _, s := range m.sockets {
		if s.connected {
			live = true
			break
		}
	}
	return live && m.now().Sub(m.lastMessage) >= m.cfg.WatcherInterval
}

// startPingLocked runs the venue keepalive for one socket session.
func (m *Manager) startPingLocked(s *socket) {
	if m.pinger == nil {
		return
	}
	s.haltPing()
	stop := make(chan struct{})
	s.stopPing = stop
	interval := m.pinger.PingInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.pinger.Ping(s); err != nil {
					m.logger.Debugw("ping failed", "socket", s.serial, "error", err)
				}
			}
		}
	}()
}
