package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fushengyk/marketstream/internal/config"
	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/fushengyk/marketstream/internal/venue"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const queueSize = 4096

// Publisher is the JetStream publish call the service writes through.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Service subscribes every enabled venue and forwards its market data to NATS
type Service struct {
	cfg    *config.Config
	pub    Publisher
	dial   transport.Factory
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	queue chan message

	mu      sync.RWMutex
	clients map[string]venue.Client

	// Statistics (per interval)
	stats serviceStats
}

type message struct {
	subject string
	data    []byte
}

// serviceStats tracks message statistics
type serviceStats struct {
	events    atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64

	lastEvents    uint64
	lastPublished uint64
	lastFailed    uint64
	lastDropped   uint64
	lastErrors    uint64

	mu      sync.Mutex
	markets map[string]bool
}

// Stats is a cumulative snapshot of the service counters.
type Stats struct {
	Events    uint64
	Published uint64
	Failed    uint64
	Dropped   uint64
	Errors    uint64
}

type statusMessage struct {
	Venue     string `json:"venue"`
	Kind      string `json:"kind"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewService creates a new collector service. A nil dial uses the websocket transport
// configured by cfg.Transport.
func NewService(cfg *config.Config, pub Publisher, dial transport.Factory, logger *zap.SugaredLogger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if dial == nil {
		dial = transport.NewFactory(transport.Options{
			HandshakeTimeout:  cfg.Transport.HandshakeTimeout,
			WriteTimeout:      cfg.Transport.WriteTimeout,
			ReconnectDelay:    cfg.Transport.ReconnectDelay,
			MaxReconnectDelay: cfg.Transport.MaxReconnectDelay,
			SendBuffer:        cfg.Transport.SendBuffer,
			Logger:            logger,
		})
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:     cfg,
		pub:     pub,
		dial:    dial,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan message, queueSize),
		clients: make(map[string]venue.Client),
	}
	s.stats.markets = make(map[string]bool)
	return s, nil
}

// Start builds a client per enabled venue and subscribes its markets in the background
func (s *Service) Start() error {
	s.logger.Info("📊 Starting Collector Service...")

	for _, key := range s.cfg.EnabledVenues() {
		vc := s.cfg.Venues[key]
		client, err := newClient(key, vc, s.dial, s.logger)
		if err != nil {
			s.closeClients()
			return err
		}
		client.AddHandler(s.handle)

		s.mu.Lock()
		s.clients[key] = client
		s.mu.Unlock()

		s.wg.Go(func() { s.subscribeVenue(client, vc) })
	}

	s.wg.Go(s.runPublisher)
	s.wg.Go(s.runStatsLogger)

	s.logger.Infof("✅ Started %d venue clients", len(s.cfg.EnabledVenues()))
	return nil
}

// Stop gracefully shuts down every venue client
func (s *Service) Stop() {
	s.logger.Info("🛑 Stopping Collector Service...")
	s.cancel()
	if err := s.closeClients(); err != nil {
		s.logger.Errorf("Error stopping clients: %v", err)
	}
	s.wg.Wait()
	s.logStats()
}

// Client returns the running client for a venue key.
func (s *Service) Client(key string) (venue.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[key]
	return c, ok
}

// Stats returns cumulative counters.
func (s *Service) Stats() Stats {
	return Stats{
		Events:    s.stats.events.Load(),
		Published: s.stats.published.Load(),
		Failed:    s.stats.failed.Load(),
		Dropped:   s.stats.dropped.Load(),
		Errors:    s.stats.errors.Load(),
	}
}

func (s *Service) closeClients() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]venue.Client)
	s.mu.Unlock()

	p := concpool.New().WithErrors()
	for _, c := range clients {
		p.Go(c.Close)
	}
	return p.Wait()
}

func (s *Service) subscribeVenue(client venue.Client, vc config.VenueConfig) {
	name := client.Name()
	types, err := vc.SubscriptionTypes()
	if err != nil {
		s.logger.Errorf("[%s] %v", name, err)
		return
	}
	if err := client.Connect(s.ctx); err != nil {
		if s.ctx.Err() == nil {
			s.logger.Errorf("[%s] Connect failed: %v", name, err)
		}
		return
	}

	accepted, skipped := 0, 0
	for _, m := range vc.Markets {
		for _, typ := range types {
			if s.ctx.Err() != nil {
				return
			}
			if !client.Capabilities().Has(typ) {
				skipped++
				continue
			}
			if client.Subscribe(s.ctx, typ, m).Accepted() {
				accepted++
			}
		}
	}
	s.logger.Infof("[%s] Subscribed %d feeds over %d markets (%d unsupported skipped)", name, accepted, len(vc.Markets), skipped)
}

// handle runs on the venue client's goroutine and never blocks
func (s *Service) handle(ev domain.Event) {
	switch {
	case ev.Kind.IsMarketData():
		s.stats.events.Add(1)
		if ev.Market == nil {
			return
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			s.stats.failed.Add(1)
			return
		}
		s.stats.mu.Lock()
		s.stats.markets[ev.Venue+":"+ev.Market.ID] = true
		s.stats.mu.Unlock()
		s.enqueue(domain.SubjectMarketData(ev.Venue, ev.Kind, ev.Market.ID), data)

	case ev.Kind == domain.EventError:
		s.stats.errors.Add(1)
		if ev.Market != nil {
			s.logger.Warnf("[%s] %s: %v", ev.Venue, ev.Market.ID, ev.Err)
		} else {
			s.logger.Warnf("[%s] %v", ev.Venue, ev.Err)
		}
		s.publishStatus(ev)

	default:
		s.logger.Infof("[%s] %s", ev.Venue, ev.Kind)
		s.publishStatus(ev)
	}
}

func (s *Service) publishStatus(ev domain.Event) {
	msg := statusMessage{Venue: ev.Venue, Kind: ev.Kind.String(), Timestamp: time.Now().UnixMilli()}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(domain.SubjectStatus(ev.Venue, ev.Kind), data)
}

func (s *Service) enqueue(subject string, data []byte) {
	select {
	case s.queue <- message{subject: subject, data: data}:
	default:
		s.stats.dropped.Add(1)
	}
}

func (s *Service) runPublisher() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if _, err := s.pub.Publish(msg.subject, msg.data); err != nil {
				s.stats.failed.Add(1)
				s.logger.Debugf("Publish %s failed: %v", msg.subject, err)
				continue
			}
			s.stats.published.Add(1)
		}
	}
}

func (s *Service) runStatsLogger() {
	interval := s.cfg.Stats.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	// Calculate deltas
	events := s.stats.events.Load()
	published := s.stats.published.Load()
	failed := s.stats.failed.Load()
	dropped := s.stats.dropped.Load()
	errs := s.stats.errors.Load()

	s.stats.mu.Lock()
	deltaEvents := events - s.stats.lastEvents
	deltaPublished := published - s.stats.lastPublished
	deltaFailed := failed - s.stats.lastFailed
	deltaDropped := dropped - s.stats.lastDropped
	deltaErrors := errs - s.stats.lastErrors

	s.stats.lastEvents = events
	s.stats.lastPublished = published
	s.stats.lastFailed = failed
	s.stats.lastDropped = dropped
	s.stats.lastErrors = errs

	// Get market count and reset
	markets := len(s.stats.markets)
	s.stats.markets = make(map[string]bool)
	s.stats.mu.Unlock()

	s.mu.RLock()
	venues := len(s.clients)
	s.mu.RUnlock()

	s.logger.Infof("[Collector] Venues:%d | Events:%d Pub:%d Fail:%d Drop:%d Err:%d | Markets:%d",
		venues, deltaEvents, deltaPublished, deltaFailed, deltaDropped, deltaErrors, markets)
}
