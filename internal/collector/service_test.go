package collector

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fushengyk/marketstream/internal/config"
	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/multi"
	"github.com/fushengyk/marketstream/internal/pool"
	"github.com/fushengyk/marketstream/internal/transport/transporttest"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return &nats.PubAck{Stream: domain.StreamMarket}, nil
}

func (f *fakePublisher) find(subject string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.subject == subject {
			return m, true
		}
	}
	return published{}, false
}

func testConfig(venues map[string]config.VenueConfig) *config.Config {
	return &config.Config{
		NATS:   config.NATSConfig{URL: "nats://test"},
		Stats:  config.StatsConfig{Interval: time.Hour},
		Venues: venues,
	}
}

var btc = domain.Market{ID: "BTCUSDT", Base: "BTC", Quote: "USDT"}

func TestServicePublishesMarketData(t *testing.T) {
	d := &transporttest.Dialer{}
	pub := &fakePublisher{}
	cfg := testConfig(map[string]config.VenueConfig{
		config.VenueBinance: {
			Enabled:       true,
			Markets:       []domain.Market{btc},
			Subscriptions: []string{"ticker", "level3update"},
		},
	})

	svc, err := NewService(cfg, pub, d.Factory(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		c := d.Conn(0)
		return c != nil && len(c.Sent()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, d.Conn(0).Sent()[0], `"btcusdt@ticker"`)

	d.Conn(0).Deliver([]byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"40000.5","o":"39000"}}`))

	var msg published
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = pub.find("market.binance.ticker.btcusdt")
		return ok
	}, time.Second, 5*time.Millisecond)

	var ticker domain.Ticker
	require.NoError(t, json.Unmarshal(msg.data, &ticker))
	require.Equal(t, "Binance", ticker.Exchange)
	require.Equal(t, "40000.5", ticker.Last.String())

	_, ok := pub.find("status.binance.connected")
	require.True(t, ok)
	require.Equal(t, uint64(1), svc.Stats().Events)
}

func TestServiceReportsParseErrors(t *testing.T) {
	d := &transporttest.Dialer{}
	pub := &fakePublisher{}
	cfg := testConfig(map[string]config.VenueConfig{
		config.VenueBybit: {Enabled: true, Markets: []domain.Market{btc}, Subscriptions: []string{"trade"}},
	})

	svc, err := NewService(cfg, pub, d.Factory(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		c := d.Conn(0)
		return c != nil && len(c.Sent()) == 1
	}, time.Second, 5*time.Millisecond)

	d.Conn(0).Deliver([]byte(`{not json`))

	require.Eventually(t, func() bool {
		m, ok := pub.find("status.bybit.error")
		return ok && strings.Contains(string(m.data), "parse message")
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), svc.Stats().Errors)
	require.True(t, d.Conn(0).IsConnected())
}

func TestServiceCountsPublishFailures(t *testing.T) {
	d := &transporttest.Dialer{}
	pub := &fakePublisher{err: errors.New("nats: timeout")}
	cfg := testConfig(map[string]config.VenueConfig{
		config.VenuePoloniex: {Enabled: true, Markets: []domain.Market{{ID: "BTC_USDT", Base: "BTC", Quote: "USDT"}}, Subscriptions: []string{"ticker"}},
	})

	svc, err := NewService(cfg, pub, d.Factory(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	require.Eventually(t, func() bool { return svc.Stats().Failed > 0 }, time.Second, 5*time.Millisecond)
	require.Zero(t, svc.Stats().Published)
}

func TestServiceUsesOrchestratorWhenInstanceLimitSet(t *testing.T) {
	d := &transporttest.Dialer{}
	cfg := testConfig(map[string]config.VenueConfig{
		config.VenueBinance: {
			Enabled:             true,
			InstanceMarketLimit: 1,
			InstanceSettleDelay: time.Millisecond,
			Markets: []domain.Market{
				btc,
				{ID: "ETHUSDT", Base: "ETH", Quote: "USDT"},
			},
			Subscriptions: []string{"trade"},
		},
		config.VenueHuobi: {Enabled: true, Markets: []domain.Market{{ID: "btcusdt"}}, Subscriptions: []string{"ticker"}},
	})

	svc, err := NewService(cfg, &fakePublisher{}, d.Factory(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	c, ok := svc.Client(config.VenueBinance)
	require.True(t, ok)
	o, ok := c.(*multi.Orchestrator)
	require.True(t, ok)

	require.Eventually(t, func() bool { return len(o.Instances()) == 2 }, time.Second, 5*time.Millisecond)

	h, ok := svc.Client(config.VenueHuobi)
	require.True(t, ok)
	_, isPool := h.(*pool.Manager)
	require.True(t, isPool)
}

func TestServiceStopClosesClients(t *testing.T) {
	d := &transporttest.Dialer{}
	cfg := testConfig(map[string]config.VenueConfig{
		config.VenueBinance: {Enabled: true, Markets: []domain.Market{btc}, Subscriptions: []string{"ticker"}},
	})

	svc, err := NewService(cfg, &fakePublisher{}, d.Factory(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	require.Eventually(t, func() bool { return d.Conn(0) != nil && d.Conn(0).IsConnected() }, time.Second, 5*time.Millisecond)

	svc.Stop()

	require.True(t, d.Conn(0).Closed())
	_, ok := svc.Client(config.VenueBinance)
	require.False(t, ok)
}

func TestNewClientUnknownVenue(t *testing.T) {
	_, err := newClient("kraken", config.VenueConfig{}, (&transporttest.Dialer{}).Factory(), nil)
	require.ErrorContains(t, err, "unknown venue")
}
