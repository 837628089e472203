package multi

import (
	"context"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/venue"
)

// SubscribeTicker subscribes market to ticker updates.
func (o *Orchestrator) SubscribeTicker(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubTicker, market)
}

// UnsubscribeTicker drops the ticker subscription for market.
func (o *Orchestrator) UnsubscribeTicker(market domain.Market) bool {
	return o.Unsubscribe(domain.SubTicker, market)
}

// SubscribeTrades subscribes market to trades.
func (o *Orchestrator) SubscribeTrades(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubTrade, market)
}

// UnsubscribeTrades drops the trade subscription for market.
func (o *Orchestrator) UnsubscribeTrades(market domain.Market) bool {
	return o.Unsubscribe(domain.SubTrade, market)
}

// SubscribeCandles subscribes market to candles.
func (o *Orchestrator) SubscribeCandles(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubCandle, market)
}

// UnsubscribeCandles drops the candle subscription for market.
func (o *Orchestrator) UnsubscribeCandles(market domain.Market) bool {
	return o.Unsubscribe(domain.SubCandle, market)
}

// SubscribeLevel2Snapshots subscribes market to level-2 order book snapshots.
func (o *Orchestrator) SubscribeLevel2Snapshots(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubLevel2Snapshot, market)
}

// UnsubscribeLevel2Snapshots drops the level-2 snapshot subscription for market.
func (o *Orchestrator) UnsubscribeLevel2Snapshots(market domain.Market) bool {
	return o.Unsubscribe(domain.SubLevel2Snapshot, market)
}

// SubscribeLevel2Updates subscribes market to level-2 order book updates.
func (o *Orchestrator) SubscribeLevel2Updates(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubLevel2Update, market)
}

// UnsubscribeLevel2Updates drops the level-2 update subscription for market.
func (o *Orchestrator) UnsubscribeLevel2Updates(market domain.Market) bool {
	return o.Unsubscribe(domain.SubLevel2Update, market)
}

// SubscribeLevel3Snapshots subscribes market to level-3 order book snapshots.
func (o *Orchestrator) SubscribeLevel3Snapshots(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubLevel3Snapshot, market)
}

// UnsubscribeLevel3Snapshots drops the level-3 snapshot subscription for market.
func (o *Orchestrator) UnsubscribeLevel3Snapshots(market domain.Market) bool {
	return o.Unsubscribe(domain.SubLevel3Snapshot, market)
}

// SubscribeLevel3Updates subscribes market to level-3 order book updates.
func (o *Orchestrator) SubscribeLevel3Updates(ctx context.Context, market domain.Market) *venue.Ack {
	return o.Subscribe(ctx, domain.SubLevel3Update, market)
}

// UnsubscribeLevel3Updates drops the level-3 update subscription for market.
func (o *Orchestrator) UnsubscribeLevel3Updates(market domain.Market) bool {
	return o.Unsubscribe(domain.SubLevel3Update, market)
}
