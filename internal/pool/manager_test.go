package pool

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/transport/transporttest"
	"github.com/fushengyk/marketstream/internal/venue"
	"github.com/fushengyk/marketstream/internal/venue/venuetest"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type events struct {
	mu  sync.Mutex
	all []domain.Event
}

func (e *events) handle(ev domain.Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) of(kind domain.EventKind) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, ev := range e.all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m       *Manager
	dialer  *transporttest.Dialer
	adapter *venuetest.Adapter
	events  *events
}

func newHarness(t *testing.T, cfg Config, adapter *venuetest.Adapter) *harness {
	t.Helper()
	if adapter == nil {
		adapter = venuetest.New()
	}
	if cfg.URL == "" && cfg.URLWaitAttempts == 0 {
		cfg.URL = "wss://stub.test/ws"
	}
	dialer := &transporttest.Dialer{}
	m, err := New(cfg, adapter, dialer.Factory(), nil)
	require.NoError(t, err)
	ev := &events{}
	m.AddHandler(ev.handle)
	t.Cleanup(func() { m.Close() })
	return &harness{m: m, dialer: dialer, adapter: adapter, events: ev}
}

func market(id string) domain.Market {
	return domain.Market{ID: id, Base: strings.TrimSuffix(id, "USDT"), Quote: "USDT"}
}

func subFrames(conn *transporttest.Conn) []string {
	var out []string
	for _, f := range conn.Sent() {
		if strings.HasPrefix(f, "sub:") {
			out = append(out, f)
		}
	}
	return out
}

func marketIDs(subs []domain.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.MarketID)
	}
	return out
}

func TestSubscribeReturnsTrueOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	first := h.m.SubscribeTicker(ctx, market("BTCUSDT"))
	require.True(t, first.Accepted())
	require.NoError(t, first.Wait(ctx))

	for i := 0; i < 3; i++ {
		again := h.m.SubscribeTicker(ctx, market("BTCUSDT"))
		require.False(t, again.Accepted())
	}
	require.Equal(t, 1, h.adapter.Subscribes(domain.SubTicker, "BTCUSDT"))

	// a different feed for the same market is its own subscription
	require.True(t, h.m.SubscribeTrades(ctx, market("BTCUSDT")).Accepted())

	require.True(t, h.m.UnsubscribeTicker(market("BTCUSDT")))
	require.False(t, h.m.UnsubscribeTicker(market("BTCUSDT")))
	require.True(t, h.m.SubscribeTicker(ctx, market("BTCUSDT")).Accepted())
}

func TestSocketCountFollowsCap(t *testing.T) {
	h := newHarness(t, Config{MaxSocketSubs: 3}, nil)
	ctx := context.Background()

	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	for _, id := range ids {
		require.True(t, h.m.SubscribeTicker(ctx, market(id)).Accepted())
	}

	socks := h.m.Sockets()
	require.Len(t, socks, 4)
	total := 0
	for _, s := range socks {
		require.LessOrEqual(t, len(s.Subscriptions), 3)
		total += len(s.Subscriptions)
	}
	require.Equal(t, len(ids), total)
	require.Len(t, h.dialer.Conns(), 4)

	require.Eventually(t, func() bool {
		sent := 0
		for _, c := range h.dialer.Conns() {
			sent += len(subFrames(c))
		}
		return sent == len(ids)
	}, waitFor, 5*time.Millisecond)
}

func TestFreedSlotIsReused(t *testing.T) {
	h := newHarness(t, Config{MaxSocketSubs: 2}, nil)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, h.m.SubscribeTicker(ctx, market(id)).Accepted())
	}
	socks := h.m.Sockets()
	require.Len(t, socks, 2)
	require.Equal(t, []string{"A", "B"}, marketIDs(socks[0].Subscriptions))
	require.Equal(t, []string{"C"}, marketIDs(socks[1].Subscriptions))

	require.True(t, h.m.UnsubscribeTicker(market("A")))
	require.True(t, h.m.SubscribeTicker(ctx, market("D")).Accepted())

	socks = h.m.Sockets()
	require.Len(t, socks, 2)
	require.Equal(t, []string{"B", "D"}, marketIDs(socks[0].Subscriptions))
	require.Len(t, h.dialer.Conns(), 2)

	am, ok := h.m.Assigned(domain.SubTicker, market("D"))
	require.True(t, ok)
	require.Equal(t, socks[0].Serial, am.Socket)
	require.Contains(t, h.dialer.Conn(0).Sent(), "unsub:ticker:A")
}

func TestRateLimitedSendsUseRollingWindow(t *testing.T) {
	h := newHarness(t, Config{MaxRequestsPerSecond: 2, RequestWindow: time.Hour}, nil)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	h.m.now = clk.Now
	ctx := context.Background()

	var acks []*venue.Ack
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		ack := h.m.SubscribeTicker(ctx, market(id))
		require.True(t, ack.Accepted())
		acks = append(acks, ack)
	}
	conn := h.dialer.Conn(0)
	require.Equal(t, []string{"sub:ticker:A", "sub:ticker:B"}, subFrames(conn))
	require.NoError(t, acks[1].Err())
	select {
	case <-acks[2].Done():
		t.Fatal("third request should wait for the next window")
	default:
	}

	// still inside the window
	clk.Advance(30 * time.Minute)
	h.m.flush()
	require.Len(t, subFrames(conn), 2)

	clk.Advance(30 * time.Minute)
	h.m.flush()
	require.Equal(t, []string{"sub:ticker:A", "sub:ticker:B", "sub:ticker:C", "sub:ticker:D"}, subFrames(conn))
	require.NoError(t, acks[3].Wait(ctx))

	// a new subscription queues behind the one still deferred
	require.True(t, h.m.SubscribeTicker(ctx, market("F")).Accepted())
	require.Len(t, subFrames(conn), 4)

	clk.Advance(time.Hour)
	h.m.flush()
	require.Equal(t, []string{"sub:ticker:A", "sub:ticker:B", "sub:ticker:C", "sub:ticker:D", "sub:ticker:E", "sub:ticker:F"}, subFrames(conn))
	for _, ack := range acks {
		require.NoError(t, ack.Wait(ctx))
	}
	require.Equal(t, 2, h.m.Sockets()[0].Requests)
}

func TestUnsubscribeBeforeSendSupersedes(t *testing.T) {
	h := newHarness(t, Config{MaxRequestsPerSecond: 1, RequestWindow: time.Hour}, nil)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	h.m.now = clk.Now
	ctx := context.Background()

	a := h.m.SubscribeTicker(ctx, market("A"))
	b := h.m.SubscribeTicker(ctx, market("B"))
	require.NoError(t, a.Wait(ctx))

	require.True(t, h.m.UnsubscribeTicker(market("B")))
	require.ErrorIs(t, b.Wait(ctx), ErrSuperseded)

	// unsubscribes bypass the limiter
	require.True(t, h.m.UnsubscribeTicker(market("A")))
	conn := h.dialer.Conn(0)
	require.Equal(t, []string{"sub:ticker:A", "unsub:ticker:A"}, conn.Sent())

	clk.Advance(time.Hour)
	h.m.flush()
	require.Equal(t, []string{"sub:ticker:A", "unsub:ticker:A"}, conn.Sent())
}

func TestReconnectResubscribesEveryMarketOnce(t *testing.T) {
	h := newHarness(t, Config{MaxSocketSubs: 2}, nil)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, h.m.SubscribeTicker(ctx, market(id)).Accepted())
	}
	require.True(t, h.m.SubscribeLevel2Updates(ctx, market("A")).Accepted())
	require.Eventually(t, func() bool {
		return len(h.adapter.Calls()) == 4
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.m.Reconnect(ctx))
	require.Len(t, h.events.of(domain.EventReconnecting), 1)

	old := h.dialer.Conns()[:2]
	for _, c := range old {
		require.True(t, c.Closed())
	}

	require.Eventually(t, func() bool {
		return len(h.adapter.Calls()) == 8
	}, waitFor, 5*time.Millisecond)
	for _, id := range []string{"A", "B", "C"} {
		require.Equal(t, 2, h.adapter.Subscribes(domain.SubTicker, id), id)
	}
	require.Equal(t, 2, h.adapter.Subscribes(domain.SubLevel2Update, "A"))

	socks := h.m.Sockets()
	require.Len(t, socks, 2)
	total := 0
	for _, s := range socks {
		require.LessOrEqual(t, len(s.Subscriptions), 2)
		total += len(s.Subscriptions)
	}
	require.Equal(t, 4, total)

	// nothing is sent twice once things have settled
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.adapter.Calls(), 8)
}

func TestReconnectAfterUnsubscribeDuringClose(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.True(t, h.m.SubscribeTicker(ctx, market("A")).Accepted())
	require.Eventually(t, func() bool {
		return len(h.adapter.Calls()) == 1
	}, waitFor, 5*time.Millisecond)

	var once sync.Once
	h.m.AddHandler(func(ev domain.Event) {
		if ev.Kind == domain.EventClosed {
			once.Do(func() { h.m.UnsubscribeTicker(market("A")) })
		}
	})

	require.NoError(t, h.m.Reconnect(ctx))
	require.Len(t, h.m.Sockets(), 1)
	require.True(t, h.m.Sockets()[0].Connected)
	_, ok := h.m.Assigned(domain.SubTicker, market("A"))
	require.False(t, ok)

	// the manager stays usable
	require.True(t, h.m.SubscribeTicker(ctx, market("B")).Accepted())
	require.NoError(t, h.m.Close())
}

func TestTransportReconnectResendsOnlyThatSocket(t *testing.T) {
	h := newHarness(t, Config{MaxSocketSubs: 2}, nil)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, h.m.SubscribeTicker(ctx, market(id)).Accepted())
	}
	require.Eventually(t, func() bool {
		return len(h.adapter.Calls()) == 3
	}, waitFor, 5*time.Millisecond)

	first := h.dialer.Conn(0)
	first.Drop()
	require.Len(t, h.events.of(domain.EventDisconnected), 1)
	require.False(t, h.m.Sockets()[0].Connected)

	// a disconnected socket takes no new markets
	require.True(t, h.m.SubscribeTicker(ctx, market("D")).Accepted())
	am, ok := h.m.Assigned(domain.SubTicker, market("D"))
	require.True(t, ok)
	require.Equal(t, 1, am.Socket)

	first.Restore()
	require.Equal(t, 2, h.adapter.Subscribes(domain.SubTicker, "A"))
	require.Equal(t, 2, h.adapter.Subscribes(domain.SubTicker, "B"))
	require.Equal(t, 1, h.adapter.Subscribes(domain.SubTicker, "C"))
	require.Len(t, h.dialer.Conns(), 2)
}

func TestMessagesAndParseErrors(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.m.SubscribeTicker(ctx, market("BTCUSDT")).Wait(ctx))

	conn := h.dialer.Conn(0)
	conn.Deliver([]byte("ticker:BTCUSDT"))
	conn.Deliver([]byte("ticker:ETHUSDT"))
	conn.Deliver([]byte("bad"))

	tickers := h.events.of(domain.EventTicker)
	require.Len(t, tickers, 1)
	require.Equal(t, "BTCUSDT", tickers[0].Market.ID)
	require.Equal(t, "Stub", tickers[0].Venue)
	require.IsType(t, &domain.Ticker{}, tickers[0].Data)

	errs := h.events.of(domain.EventError)
	require.Len(t, errs, 1)
	require.Equal(t, []byte("bad"), errs[0].Raw)
	require.True(t, conn.IsConnected())
}

func TestUnsupportedTypeIsNoop(t *testing.T) {
	adapter := venuetest.New()
	adapter.Caps = domain.Capabilities{Tickers: true}
	h := newHarness(t, Config{}, adapter)

	ack := h.m.SubscribeTrades(context.Background(), market("A"))
	require.False(t, ack.Accepted())
	require.NoError(t, ack.Err())
	require.False(t, h.m.UnsubscribeTrades(market("A")))
	require.Empty(t, h.dialer.Conns())
	require.Empty(t, h.events.of(domain.EventError))
}

func TestMissingURLFailsAfterBoundedWait(t *testing.T) {
	h := newHarness(t, Config{URLWaitAttempts: 2, URLWaitInterval: 5 * time.Millisecond}, nil)

	ack := h.m.SubscribeTicker(context.Background(), market("A"))
	require.False(t, ack.Accepted())
	require.ErrorIs(t, ack.Err(), ErrNoURL)

	errs := h.events.of(domain.EventError)
	require.Len(t, errs, 1)
	require.Equal(t, "A", errs[0].Market.ID)
	require.Empty(t, h.dialer.Conns())
}

func TestLateURLIsPickedUp(t *testing.T) {
	h := newHarness(t, Config{URLWaitAttempts: 50, URLWaitInterval: 5 * time.Millisecond}, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.m.SetURL("wss://late.test/ws")
	}()

	ack := h.m.SubscribeTicker(context.Background(), market("A"))
	require.True(t, ack.Accepted())
	require.Equal(t, "wss://late.test/ws", h.dialer.Conn(0).URL)
}

func TestCloseResolvesPendingAcks(t *testing.T) {
	h := newHarness(t, Config{MaxRequestsPerSecond: 1, RequestWindow: time.Hour}, nil)
	ctx := context.Background()

	require.NoError(t, h.m.SubscribeTicker(ctx, market("A")).Wait(ctx))
	pending := h.m.SubscribeTicker(ctx, market("B"))

	require.NoError(t, h.m.Close())
	require.ErrorIs(t, pending.Wait(ctx), ErrClosed)
	require.True(t, h.dialer.Conn(0).Closed())
	require.Len(t, h.events.of(domain.EventClosed), 1)
	require.Empty(t, h.m.Sockets())

	require.ErrorIs(t, h.m.SubscribeTicker(ctx, market("C")).Err(), ErrClosed)
	require.ErrorIs(t, h.m.Reconnect(ctx), ErrClosed)
	require.NoError(t, h.m.Close())
}

func TestConnectFailureIsReported(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.dialer.Prepare = func(c *transporttest.Conn) {
		c.ConnectErr = context.DeadlineExceeded
	}

	ack := h.m.SubscribeTicker(context.Background(), market("A"))
	require.ErrorIs(t, ack.Err(), context.DeadlineExceeded)
	require.NotEmpty(t, h.events.of(domain.EventError))
	require.Empty(t, h.m.Sockets())
}

func TestWatcherReconnectsIdlePool(t *testing.T) {
	h := newHarness(t, Config{WatcherInterval: 20 * time.Millisecond}, nil)
	ctx := context.Background()
	require.NoError(t, h.m.SubscribeTicker(ctx, market("A")).Wait(ctx))

	require.Eventually(t, func() bool {
		return len(h.events.of(domain.EventReconnecting)) > 0
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.adapter.Subscribes(domain.SubTicker, "A") >= 2
	}, waitFor, 5*time.Millisecond)
}

func TestPingLoopPerSocket(t *testing.T) {
	adapter := venuetest.New()
	adapter.Interval = 5 * time.Millisecond
	h := newHarness(t, Config{MaxSocketSubs: 1}, adapter)
	ctx := context.Background()

	require.True(t, h.m.SubscribeTicker(ctx, market("A")).Accepted())
	require.True(t, h.m.SubscribeTicker(ctx, market("B")).Accepted())

	require.Eventually(t, func() bool {
		for _, c := range h.dialer.Conns() {
			pinged := false
			for _, f := range c.Sent() {
				if f == "ping" {
					pinged = true
				}
			}
			if !pinged {
				return false
			}
		}
		return len(h.dialer.Conns()) == 2
	}, waitFor, 5*time.Millisecond)
}
