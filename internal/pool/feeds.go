package pool

import (
	"context"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/venue"
)

// SubscribeTicker subscribes market to ticker updates.
func (m *Manager) SubscribeTicker(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubTicker, market)
}

// UnsubscribeTicker drops the ticker subscription for market.
func (m *Manager) UnsubscribeTicker(market domain.Market) bool {
	return m.Unsubscribe(domain.SubTicker, market)
}

// SubscribeTrades subscribes market to trades.
func (m *Manager) SubscribeTrades(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubTrade, market)
}

// UnsubscribeTrades drops the trade subscription for market.
func (m *Manager) UnsubscribeTrades(market domain.Market) bool {
	return m.Unsubscribe(domain.SubTrade, market)
}

// SubscribeCandles subscribes market to candles.
func (m *Manager) SubscribeCandles(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubCandle, market)
}

// UnsubscribeCandles drops the candle subscription for market.
func (m *Manager) UnsubscribeCandles(market domain.Market) bool {
	return m.Unsubscribe(domain.SubCandle, market)
}

// SubscribeLevel2Snapshots subscribes market to level-2 order book snapshots.
func (m *Manager) SubscribeLevel2Snapshots(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubLevel2Snapshot, market)
}

// UnsubscribeLevel2Snapshots drops the level-2 snapshot subscription for market.
func (m *Manager) UnsubscribeLevel2Snapshots(market domain.Market) bool {
	return m.Unsubscribe(domain.SubLevel2Snapshot, market)
}

// SubscribeLevel2Updates subscribes market to level-2 order book updates.
func (m *Manager) SubscribeLevel2Updates(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubLevel2Update, market)
}

// UnsubscribeLevel2Updates drops the level-2 update subscription for market.
func (m *Manager) UnsubscribeLevel2Updates(market domain.Market) bool {
	return m.Unsubscribe(domain.SubLevel2Update, market)
}

// SubscribeLevel3Snapshots subscribes market to level-3 order book snapshots.
func (m *Manager) SubscribeLevel3Snapshots(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubLevel3Snapshot, market)
}

// UnsubscribeLevel3Snapshots drops the level-3 snapshot subscription for market.
func (m *Manager) UnsubscribeLevel3Snapshots(market domain.Market) bool {
	return m.Unsubscribe(domain.SubLevel3Snapshot, market)
}

// SubscribeLevel3Updates subscribes market to level-3 order book updates.
func (m *Manager) SubscribeLevel3Updates(ctx context.Context, market domain.Market) *venue.Ack {
	return m.Subscribe(ctx, domain.SubLevel3Update, market)
}

// UnsubscribeLevel3Updates drops the level-3 update subscription for market.
func (m *Manager) UnsubscribeLevel3Updates(market domain.Market) bool {
	return m.Unsubscribe(domain.SubLevel3Update, market)
}
