// Package multi fronts several pool instances for venues that cap subscriptions per account.
package multi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/syncx"
	"github.com/fushengyk/marketstream/internal/venue"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed       = errors.New("multi: orchestrator closed")
	ErrInstanceFull = errors.New("multi: bound instance is full")
)

// Config sizes the orchestrator. PerInstanceLimit is the number of subscriptions one
// instance admits; zero means one instance takes everything.
type Config struct {
	Name             string
	Capabilities     domain.Capabilities
	PerInstanceLimit int
	// SettleDelay is waited after an instance connects before the next one may be created.
	SettleDelay    time.Duration
	ReconnectDelay time.Duration
}

// Factory builds the index-th underlying instance.
type Factory func(index int) (venue.Client, error)

type clientStore struct {
	index  int
	client venue.Client
	count  *syncx.Counter
	ready  chan struct{}
	err    error
	failed atomic.Bool

	// inflight counts admitted subscribes per market not yet settled. Guarded by the
	// orchestrator lock.
	inflight map[string]int
}

// Orchestrator routes each market to one instance and keeps it there.
type Orchestrator struct {
	cfg     Config
	factory Factory
	logger  *zap.SugaredLogger

	listeners domain.Listeners

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	// lock guards stores and bindings. It is held for allocation decisions only.
	lock     *syncx.Mutex
	stores   []*clientStore
	bindings map[string]*clientStore
	next     int

	create       *semaphore.Weighted
	registration metric.Registration
}

var _ venue.Client = (*Orchestrator)(nil)

// New returns an orchestrator that creates instances through factory on demand.
func New(cfg Config, factory Factory, logger *zap.SugaredLogger) (*Orchestrator, error) {
	if factory == nil {
		return nil, fmt.Errorf("multi %s: nil factory", cfg.Name)
	}
	if cfg.PerInstanceLimit < 0 {
		return nil, fmt.Errorf("multi %s: negative instance limit %d", cfg.Name, cfg.PerInstanceLimit)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		factory:  factory,
		logger:   logger.With("venue", cfg.Name),
		ctx:      ctx,
		cancel:   cancel,
		lock:     syncx.NewMutex(),
		bindings: make(map[string]*clientStore),
		create:   semaphore.NewWeighted(1),
	}
	o.registerMetrics()
	return o, nil
}

func (o *Orchestrator) Name() string { return o.cfg.Name }

func (o *Orchestrator) Capabilities() domain.Capabilities { return o.cfg.Capabilities }

func (o *Orchestrator) AddHandler(h domain.Handler) { o.listeners.Add(h) }

func (o *Orchestrator) forward(ev domain.Event) {
	ev.Venue = o.cfg.Name
	o.listeners.Emit(ev)
}

func (o *Orchestrator) emitError(market *domain.Market, err error) {
	o.forward(domain.Event{Kind: domain.EventError, Market: market, Err: err})
}

func (o *Orchestrator) limit() int {
	if o.cfg.PerInstanceLimit <= 0 {
		return math.MaxInt
	}
	return o.cfg.PerInstanceLimit
}

// Connect makes sure at least one instance exists and waits for it.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if err := o.lock.Lock(ctx); err != nil {
		return err
	}
	var st *clientStore
	for _, s := range o.stores {
		if !s.failed.Load() {
			st = s
			break
		}
	}
	if st == nil {
		var err error
		if st, err = o.newStoreLocked(0); err != nil {
			o.lock.Unlock()
			return err
		}
	}
	o.lock.Unlock()
	return o.waitStore(ctx, st)
}

// freeClient picks the instance for marketID and reports whether its counter admitted one
// more subscription. A bound market never moves.
func (o *Orchestrator) freeClient(ctx context.Context, marketID string) (*clientStore, bool, error) {
	if err := o.lock.Lock(ctx); err != nil {
		return nil, false, err
	}
	defer o.lock.Unlock()

	if st, ok := o.bindings[marketID]; ok {
		if !st.count.CompareInc(o.limit()) {
			return st, false, nil
		}
		st.inflight[marketID]++
		return st, true, nil
	}
	for _, st := range o.stores {
		if st.failed.Load() {
			continue
		}
		if st.count.CompareInc(o.limit()) {
			o.bindings[marketID] = st
			st.inflight[marketID]++
			return st, true, nil
		}
	}
	st, err := o.newStoreLocked(1)
	if err != nil {
		return nil, false, err
	}
	o.bindings[marketID] = st
	st.inflight[marketID]++
	return st, true, nil
}

// settle ends an admitted subscribe for market and drops the binding when nothing holds it.
func (o *Orchestrator) settle(st *clientStore, market domain.Market) {
	_ = o.lock.Lock(context.Background())
	defer o.lock.Unlock()

	st.inflight[market.ID]--
	if st.inflight[market.ID] <= 0 {
		delete(st.inflight, market.ID)
	}
	if o.bindings[market.ID] != st || st.inflight[market.ID] > 0 || st.failed.Load() {
		return
	}
	if !holdsAny(st.client, market) {
		delete(o.bindings, market.ID)
	}
}

// newStoreLocked creates the next instance and connects it in the background.
func (o *Orchestrator) newStoreLocked(admitted int) (*clientStore, error) {
	index := o.next
	client, err := o.factory(index)
	if err != nil {
		return nil, fmt.Errorf("create instance %d: %w", index, err)
	}
	o.next++
	st := &clientStore{
		index:    index,
		client:   client,
		count:    syncx.NewCounter(admitted),
		ready:    make(chan struct{}),
		inflight: make(map[string]int),
	}
	client.AddHandler(o.forward)
	o.stores = append(o.stores, st)
	o.logger.Infow("instance created", "instance", index)
	go o.connectStore(st)
	return st, nil
}

// connectStore serializes instance connects through the creation semaphore.
func (o *Orchestrator) connectStore(st *clientStore) {
	if err := o.create.Acquire(o.ctx, 1); err != nil {
		o.failStore(st, err)
		return
	}
	defer o.create.Release(1)

	if err := st.client.Connect(o.ctx); err != nil {
		o.failStore(st, err)
		return
	}
	close(st.ready)

	if o.cfg.SettleDelay > 0 {
		select {
		case <-time.After(o.cfg.SettleDelay):
		case <-o.ctx.Done():
		}
	}
}

// failStore drops an instance that never connected together with its bindings.
func (o *Orchestrator) failStore(st *clientStore, err error) {
	st.err = err
	st.failed.Store(true)
	close(st.ready)

	_ = o.lock.Lock(context.Background())
	for i, s := range o.stores {
		if s == st {
			o.stores = append(o.stores[:i], o.stores[i+1:]...)
			break
		}
	}
	for id, s := range o.bindings {
		if s == st {
			delete(o.bindings, id)
		}
	}
	o.lock.Unlock()

	if !o.closed.Load() {
		o.logger.Warnw("instance connect failed", "instance", st.index, "error", err)
		o.emitError(nil, fmt.Errorf("connect instance %d: %w", st.index, err))
	}
	if err := st.client.Close(); err != nil {
		o.logger.Debugw("close failed instance", "instance", st.index, "error", err)
	}
}

func (o *Orchestrator) waitStore(ctx context.Context, st *clientStore) error {
	select {
	case <-st.ready:
		return st.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// holdsAny reports whether c carries any feed for m.
func holdsAny(c venue.Client, m domain.Market) bool {
	for _, typ := range domain.SubscriptionTypes {
		if c.Subscribed(typ, m) {
			return true
		}
	}
	return false
}

// Subscribe routes typ for market to its instance, creating one when every instance is full.
func (o *Orchestrator) Subscribe(ctx context.Context, typ domain.SubscriptionType, market domain.Market) *venue.Ack {
	if !o.cfg.Capabilities.Has(typ) {
		return venue.Rejected()
	}
	if o.closed.Load() {
		return venue.Failed(ErrClosed)
	}

	st, admitted, err := o.freeClient(ctx, market.ID)
	if err != nil {
		o.emitError(&market, err)
		return venue.Failed(err)
	}
	if !admitted {
		if st.client.Subscribed(typ, market) {
			return venue.Rejected()
		}
		err := fmt.Errorf("%s %s on instance %d: %w", typ, market.ID, st.index, ErrInstanceFull)
		o.emitError(&market, err)
		return venue.Failed(err)
	}

	if err := o.waitStore(ctx, st); err != nil {
		st.count.Dec()
		o.settle(st, market)
		o.emitError(&market, err)
		return venue.Failed(err)
	}

	ack := st.client.Subscribe(ctx, typ, market)
	if !ack.Accepted() {
		st.count.Dec()
	}
	o.settle(st, market)
	return ack
}

// Unsubscribe removes typ for market from its bound instance.
func (o *Orchestrator) Unsubscribe(typ domain.SubscriptionType, market domain.Market) bool {
	if !o.cfg.Capabilities.Has(typ) {
		return false
	}
	_ = o.lock.Lock(context.Background())
	defer o.lock.Unlock()

	st, ok := o.bindings[market.ID]
	if !ok {
		return false
	}
	removed := st.client.Unsubscribe(typ, market)
	if removed {
		st.count.Dec()
	}
	if st.inflight[market.ID] == 0 && !holdsAny(st.client, market) {
		delete(o.bindings, market.ID)
	}
	return removed
}

// Subscribed reports whether the bound instance holds typ for market.
func (o *Orchestrator) Subscribed(typ domain.SubscriptionType, market domain.Market) bool {
	_ = o.lock.Lock(context.Background())
	st, ok := o.bindings[market.ID]
	o.lock.Unlock()
	return ok && st.client.Subscribed(typ, market)
}

// InstanceInfo describes one underlying instance.
type InstanceInfo struct {
	Index    int
	Admitted int
	Markets  []string
}

// Instances lists the live instances in creation order.
func (o *Orchestrator) Instances() []InstanceInfo {
	_ = o.lock.Lock(context.Background())
	defer o.lock.Unlock()
	out := make([]InstanceInfo, 0, len(o.stores))
	byStore := make(map[*clientStore][]string)
	for id, st := range o.bindings {
		byStore[st] = append(byStore[st], id)
	}
	for _, st := range o.stores {
		out = append(out, InstanceInfo{Index: st.index, Admitted: st.count.Value(), Markets: byStore[st]})
	}
	return out
}

// InstanceOf returns the index of the instance market is bound to.
func (o *Orchestrator) InstanceOf(market domain.Market) (int, bool) {
	_ = o.lock.Lock(context.Background())
	defer o.lock.Unlock()
	st, ok := o.bindings[market.ID]
	if !ok {
		return -1, false
	}
	return st.index, true
}

func (o *Orchestrator) snapshot() []*clientStore {
	_ = o.lock.Lock(context.Background())
	defer o.lock.Unlock()
	return append([]*clientStore(nil), o.stores...)
}

// Reconnect reconnects every instance in turn, pausing ReconnectDelay between them.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	var errs []error
	for i, st := range o.snapshot() {
		if i > 0 && o.cfg.ReconnectDelay > 0 {
			select {
			case <-time.After(o.cfg.ReconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := o.waitStore(ctx, st); err != nil {
			errs = append(errs, err)
			continue
		}
		o.logger.Infow("reconnecting instance", "instance", st.index)
		if err := st.client.Reconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("instance %d: %w", st.index, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts all instances down concurrently.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.cancel()
	if o.registration != nil {
		if err := o.registration.Unregister(); err != nil {
			o.logger.Debugw("unregister metrics", "error", err)
		}
	}

	p := concpool.New().WithErrors()
	for _, st := range o.snapshot() {
		p.Go(func() error {
			if err := st.client.Close(); err != nil {
				return fmt.Errorf("instance %d: %w", st.index, err)
			}
			return nil
		})
	}
	return p.Wait()
}

func (o *Orchestrator) registerMetrics() {
	meter := otel.Meter("marketstream.multi")
	attrs := metric.WithAttributes(attribute.String("venue", o.cfg.Name))
	instances, err := meter.Int64ObservableGauge("marketstream_orchestrator_instances",
		metric.WithDescription("Underlying pool instances"),
		metric.WithUnit("{instance}"))
	if err != nil {
		return
	}
	o.registration, _ = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		if err := o.lock.Lock(ctx); err != nil {
			return nil
		}
		n := len(o.stores)
		o.lock.Unlock()
		obs.ObserveInt64(instances, int64(n), attrs)
		return nil
	}, instances)
}
