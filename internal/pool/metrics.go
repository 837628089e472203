package pool

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	attrs        metric.MeasurementOption
	sent         metric.Int64Counter
	deferred     metric.Int64Counter
	resubscribes metric.Int64Counter
	registration metric.Registration
}

func newMetrics(m *Manager) *metrics {
	meter := otel.Meter("marketstream.pool")
	mt := &metrics{attrs: metric.WithAttributes(attribute.String("venue", m.cfg.Name))}

	mt.sent, _ = meter.Int64Counter("marketstream_pool_requests_sent",
		metric.WithDescription("Subscribe requests written to sockets"),
		metric.WithUnit("{request}"))
	mt.deferred, _ = meter.Int64Counter("marketstream_pool_requests_deferred",
		metric.WithDescription("Subscribe requests queued by the rate limiter"),
		metric.WithUnit("{request}"))
	mt.resubscribes, _ = meter.Int64Counter("marketstream_pool_resubscriptions",
		metric.WithDescription("Subscriptions reissued after a socket reconnected"),
		metric.WithUnit("{subscription}"))

	sockets, err := meter.Int64ObservableGauge("marketstream_pool_sockets",
		metric.WithDescription("Sockets owned by the pool"),
		metric.WithUnit("{socket}"))
	if err != nil {
		return mt
	}
	subs, err := meter.Int64ObservableGauge("marketstream_pool_subscriptions",
		metric.WithDescription("Subscriptions held by the pool"),
		metric.WithUnit("{subscription}"))
	if err != nil {
		return mt
	}
	queued, err := meter.Int64ObservableGauge("marketstream_pool_deferred_requests",
		metric.WithDescription("Requests waiting for rate window capacity"),
		metric.WithUnit("{request}"))
	if err != nil {
		return mt
	}

	mt.registration, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.mu.Lock()
		nSockets := len(m.sockets)
		nSubs := 0
		for _, byID := range m.subs {
			nSubs += len(byID)
		}
		nQueued := len(m.deferred)
		m.mu.Unlock()

		o.ObserveInt64(sockets, int64(nSockets), mt.attrs)
		o.ObserveInt64(subs, int64(nSubs), mt.attrs)
		o.ObserveInt64(queued, int64(nQueued), mt.attrs)
		return nil
	}, sockets, subs, queued)
	return mt
}

func (mt *metrics) sentRequest() {
	if mt.sent != nil {
		mt.sent.Add(context.Background(), 1, mt.attrs)
	}
}

func (mt *metrics) deferredRequest() {
	if mt.deferred != nil {
		mt.deferred.Add(context.Background(), 1, mt.attrs)
	}
}

func (mt *metrics) resubscribed(n int) {
	if mt.resubscribes != nil {
		mt.resubscribes.Add(context.Background(), int64(n), mt.attrs)
	}
}

func (mt *metrics) unregister() {
	if mt.registration != nil {
		_ = mt.registration.Unregister()
	}
}
