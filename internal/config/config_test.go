package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	require.Equal(t, time.Minute, cfg.Stats.Interval)
	require.Equal(t, []string{VenueBinance}, cfg.EnabledVenues())
	require.Equal(t, "btcusdt", cfg.Venues[VenueHuobi].Markets[0].ID)
	require.Equal(t, "BTC_USDT", cfg.Venues[VenuePoloniex].Markets[0].ID)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
nats:
  url: nats://nats:4222
transport:
  send_buffer: 64
  write_timeout: 2s
venues:
  binance:
    enabled: true
    max_socket_subs: 100
    max_requests_per_second: 4
    request_window: 1500ms
    instance_market_limit: 500
    instance_settle_delay: 250ms
    markets:
      - {id: SOLUSDT, base: SOL, quote: USDT}
    subscriptions: [ticker, candles, level2update]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	require.Equal(t, 64, cfg.Transport.SendBuffer)
	require.Equal(t, 2*time.Second, cfg.Transport.WriteTimeout)

	b := cfg.Venues[VenueBinance]
	require.Equal(t, 100, b.MaxSocketSubs)
	require.Equal(t, 1500*time.Millisecond, b.RequestWindow)
	require.Equal(t, 500, b.InstanceMarketLimit)
	require.Equal(t, []domain.Market{{ID: "SOLUSDT", Base: "SOL", Quote: "USDT"}}, b.Markets)

	types, err := b.SubscriptionTypes()
	require.NoError(t, err)
	require.Equal(t, []domain.SubscriptionType{domain.SubTicker, domain.SubCandle, domain.SubLevel2Update}, types)

	// venues absent from the file keep their defaults
	require.NotEmpty(t, cfg.Venues[VenueBybit].Markets)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("OTLP_ENDPOINT", "collector:4318")
	t.Setenv("MARKETSTREAM_VENUES", " bybit, huobi ")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "nats://env:4222", cfg.NATS.URL)
	require.Equal(t, "collector:4318", cfg.Telemetry.OTLPEndpoint)
	require.Equal(t, []string{VenueBybit, VenueHuobi}, cfg.EnabledVenues())
}

func TestEnvEnablesUnknownVenueFailsValidation(t *testing.T) {
	t.Setenv("MARKETSTREAM_VENUES", "kraken")

	_, err := Load("")
	require.ErrorContains(t, err, "venues.kraken: unknown venue")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(c *Config)
		want string
	}{
		{"nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url is required"},
		{"negative limit", func(c *Config) {
			v := c.Venues[VenueBinance]
			v.MaxSocketSubs = -1
			c.Venues[VenueBinance] = v
		}, "limits must not be negative"},
		{"negative duration", func(c *Config) {
			v := c.Venues[VenueBybit]
			v.WatcherInterval = -time.Second
			c.Venues[VenueBybit] = v
		}, "durations must not be negative"},
		{"bad subscription", func(c *Config) {
			v := c.Venues[VenueBinance]
			v.Subscriptions = []string{"ticker", "orders"}
			c.Venues[VenueBinance] = v
		}, `unknown subscription type "orders"`},
		{"no markets", func(c *Config) {
			v := c.Venues[VenueHuobi]
			v.Enabled = true
			v.Markets = nil
			c.Venues[VenueHuobi] = v
		}, "venues.huobi: enabled without markets"},
		{"empty market id", func(c *Config) {
			v := c.Venues[VenueBinance]
			v.Markets = []domain.Market{{Base: "BTC", Quote: "USDT"}}
			c.Venues[VenueBinance] = v
		}, "markets[0]: id is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			require.NoError(t, cfg.Validate())
			tc.edit(cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "venues: [not, a, map]"))
	require.ErrorContains(t, err, "parse config")
}
