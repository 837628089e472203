package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"gopkg.in/yaml.v3"
)

// Venue keys accepted under `venues:`.
const (
	VenueBinance  = "binance"
	VenueBybit    = "bybit"
	VenuePoloniex = "poloniex"
	VenueHuobi    = "huobi"
)

// KnownVenues lists every venue with an adapter.
var KnownVenues = []string{VenueBinance, VenueBybit, VenuePoloniex, VenueHuobi}

// Config is the root configuration structure
type Config struct {
	NATS      NATSConfig             `yaml:"nats"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Transport TransportConfig        `yaml:"transport"`
	Stats     StatsConfig            `yaml:"stats"`
	Venues    map[string]VenueConfig `yaml:"venues"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL           string        `yaml:"url"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
	// StreamMaxAge bounds how long market data is retained in JetStream.
	StreamMaxAge time.Duration `yaml:"stream_max_age"`
}

// TelemetryConfig holds the OTLP metrics exporter settings. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ExportInterval time.Duration `yaml:"export_interval"`
	ServiceName    string        `yaml:"service_name"`
}

// TransportConfig holds WebSocket connection settings
type TransportConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	SendBuffer        int           `yaml:"send_buffer"`
}

// StatsConfig controls the periodic throughput log.
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// VenueConfig holds one venue's pool and orchestrator limits plus what to subscribe.
// Zero limits take the venue adapter's defaults.
type VenueConfig struct {
	Enabled              bool          `yaml:"enabled"`
	WSURL                string        `yaml:"ws_url"`
	WatcherInterval      time.Duration `yaml:"watcher_interval"`
	MaxSocketSubs        int           `yaml:"max_socket_subs"`
	MaxRequestsPerSecond int           `yaml:"max_requests_per_second"`
	RequestWindow        time.Duration `yaml:"request_window"`

	// InstanceMarketLimit > 0 runs the venue through the multi-instance orchestrator.
	InstanceMarketLimit int           `yaml:"instance_market_limit"`
	InstanceSettleDelay time.Duration `yaml:"instance_settle_delay"`
	ReconnectDelay      time.Duration `yaml:"reconnect_delay"`

	Markets       []domain.Market `yaml:"markets"`
	Subscriptions []string        `yaml:"subscriptions"` // ticker, trade, candle, level2update, ...
}

// SubscriptionTypes parses Subscriptions.
func (v VenueConfig) SubscriptionTypes() ([]domain.SubscriptionType, error) {
	out := make([]domain.SubscriptionType, 0, len(v.Subscriptions))
	for _, name := range v.Subscriptions {
		t, err := domain.ParseSubscriptionType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Load reads configuration from YAML file and environment variables
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	// Read YAML file if exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnabledVenues returns the enabled venue keys in sorted order.
func (c *Config) EnabledVenues() []string {
	var out []string
	for name, v := range c.Venues {
		if v.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Validate rejects configurations no venue client could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.Transport.SendBuffer < 0 {
		errs = append(errs, errors.New("transport.send_buffer must not be negative"))
	}
	for name, v := range c.Venues {
		if !known(name) {
			errs = append(errs, fmt.Errorf("venues.%s: unknown venue", name))
			continue
		}
		if v.MaxSocketSubs < 0 || v.MaxRequestsPerSecond < 0 || v.InstanceMarketLimit < 0 {
			errs = append(errs, fmt.Errorf("venues.%s: limits must not be negative", name))
		}
		if v.WatcherInterval < 0 || v.RequestWindow < 0 || v.InstanceSettleDelay < 0 || v.ReconnectDelay < 0 {
			errs = append(errs, fmt.Errorf("venues.%s: durations must not be negative", name))
		}
		if _, err := v.SubscriptionTypes(); err != nil {
			errs = append(errs, fmt.Errorf("venues.%s: %w", name, err))
		}
		if !v.Enabled {
			continue
		}
		if len(v.Markets) == 0 {
			errs = append(errs, fmt.Errorf("venues.%s: enabled without markets", name))
		}
		for i, m := range v.Markets {
			if strings.TrimSpace(m.ID) == "" {
				errs = append(errs, fmt.Errorf("venues.%s.markets[%d]: id is required", name, i))
			}
		}
	}
	return errors.Join(errs...)
}

func known(name string) bool {
	for _, v := range KnownVenues {
		if v == name {
			return true
		}
	}
	return false
}

// defaultConfig returns configuration with sensible defaults
func defaultConfig() *Config {
	majors := func(sep string, lower bool) []domain.Market {
		id := func(base, quote string) string {
			s := base + sep + quote
			if lower {
				return strings.ToLower(s)
			}
			return s
		}
		return []domain.Market{
			{ID: id("BTC", "USDT"), Base: "BTC", Quote: "USDT"},
			{ID: id("ETH", "USDT"), Base: "ETH", Quote: "USDT"},
		}
	}
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 10,
			StreamMaxAge:  6 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ExportInterval: 30 * time.Second,
			ServiceName:    "marketstream",
		},
		Transport: TransportConfig{
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			SendBuffer:        256,
		},
		Stats: StatsConfig{Interval: time.Minute},
		Venues: map[string]VenueConfig{
			VenueBinance: {
				Enabled:       true,
				Markets:       majors("", false),
				Subscriptions: []string{"ticker", "trade"},
			},
			VenueBybit: {
				Markets:       majors("", false),
				Subscriptions: []string{"ticker", "trade"},
			},
			VenuePoloniex: {
				Markets:       majors("_", false),
				Subscriptions: []string{"ticker", "trade"},
			},
			VenueHuobi: {
				Markets:       majors("", true),
				Subscriptions: []string{"ticker", "trade"},
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	// MARKETSTREAM_VENUES=binance,huobi enables exactly the listed venues
	if v := os.Getenv("MARKETSTREAM_VENUES"); v != "" {
		enable := make(map[string]bool)
		for _, name := range strings.Split(v, ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				enable[name] = true
			}
		}
		if c.Venues == nil {
			c.Venues = make(map[string]VenueConfig)
		}
		for name, vc := range c.Venues {
			vc.Enabled = enable[name]
			c.Venues[name] = vc
		}
		for name := range enable {
			if _, ok := c.Venues[name]; !ok {
				c.Venues[name] = VenueConfig{Enabled: true}
			}
		}
	}
}
