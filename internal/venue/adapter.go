// Package venue defines the contract between the subscription engine and venue protocol adapters.
package venue

import (
	"errors"
	"fmt"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
)

var ErrMissingFeed = errors.New("venue: advertised feed not implemented")

// Sender writes a wire message on the socket that owns a subscription.
type Sender interface {
	Send(data []byte) error
}

// Session is the adapter's view of a socket while it parses inbound frames.
type Session interface {
	Sender
	// Market looks up the subscribed market for a remote id.
	Market(typ domain.SubscriptionType, remoteID string) (domain.Market, bool)
	Emit(ev domain.Event)
}

// Adapter is implemented by every venue. It must additionally implement the feed interface
// of every type its Capabilities advertise.
type Adapter interface {
	Name() string
	Capabilities() domain.Capabilities
	// OnMessage parses one inbound frame. A returned error is surfaced as an error event
	// and never closes the socket.
	OnMessage(s Session, raw []byte) error
}

// Pinger is implemented by venues that need an application-level keepalive.
type Pinger interface {
	PingInterval() time.Duration
	Ping(s Sender) error
}

type TickerFeed interface {
	SubscribeTicker(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeTicker(s Sender, remoteID string, m domain.AssignedMarket) error
}

type TradeFeed interface {
	SubscribeTrades(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeTrades(s Sender, remoteID string, m domain.AssignedMarket) error
}

type CandleFeed interface {
	SubscribeCandles(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeCandles(s Sender, remoteID string, m domain.AssignedMarket) error
}

type Level2SnapshotFeed interface {
	SubscribeLevel2Snapshots(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeLevel2Snapshots(s Sender, remoteID string, m domain.AssignedMarket) error
}

type Level2UpdateFeed interface {
	SubscribeLevel2Updates(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeLevel2Updates(s Sender, remoteID string, m domain.AssignedMarket) error
}

type Level3SnapshotFeed interface {
	SubscribeLevel3Snapshots(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeLevel3Snapshots(s Sender, remoteID string, m domain.AssignedMarket) error
}

type Level3UpdateFeed interface {
	SubscribeLevel3Updates(s Sender, remoteID string, m domain.AssignedMarket) error
	UnsubscribeLevel3Updates(s Sender, remoteID string, m domain.AssignedMarket) error
}

// Feed is the type-erased pair of wire operations for one subscription type.
type Feed struct {
	Subscribe   func(s Sender, remoteID string, m domain.AssignedMarket) error
	Unsubscribe func(s Sender, remoteID string, m domain.AssignedMarket) error
}

// Feeds maps each advertised subscription type to its wire operations.
type Feeds map[domain.SubscriptionType]Feed

// Supports reports whether typ has a feed.
func (f Feeds) Supports(typ domain.SubscriptionType) bool {
	_, ok := f[typ]
	return ok
}

// Resolve checks the adapter against its advertised capabilities and builds its feed table.
func Resolve(a Adapter) (Feeds, error) {
	caps := a.Capabilities()
	feeds := make(Feeds)
	for _, typ := range domain.SubscriptionTypes {
		if !caps.Has(typ) {
			continue
		}
		f, ok := feedFor(a, typ)
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", a.Name(), typ, ErrMissingFeed)
		}
		feeds[typ] = f
	}
	return feeds, nil
}

func feedFor(a Adapter, typ domain.SubscriptionType) (Feed, bool) {
	switch typ {
	case domain.SubTicker:
		if f, ok := a.(TickerFeed); ok {
			return Feed{f.SubscribeTicker, f.UnsubscribeTicker}, true
		}
	case domain.SubTrade:
		if f, ok := a.(TradeFeed); ok {
			return Feed{f.SubscribeTrades, f.UnsubscribeTrades}, true
		}
	case domain.SubCandle:
		if f, ok := a.(CandleFeed); ok {
			return Feed{f.SubscribeCandles, f.UnsubscribeCandles}, true
		}
	case domain.SubLevel2Snapshot:
		if f, ok := a.(Level2SnapshotFeed); ok {
			return Feed{f.SubscribeLevel2Snapshots, f.UnsubscribeLevel2Snapshots}, true
		}
	case domain.SubLevel2Update:
		if f, ok := a.(Level2UpdateFeed); ok {
			return Feed{f.SubscribeLevel2Updates, f.UnsubscribeLevel2Updates}, true
		}
	case domain.SubLevel3Snapshot:
		if f, ok := a.(Level3SnapshotFeed); ok {
			return Feed{f.SubscribeLevel3Snapshots, f.UnsubscribeLevel3Snapshots}, true
		}
	case domain.SubLevel3Update:
		if f, ok := a.(Level3UpdateFeed); ok {
			return Feed{f.SubscribeLevel3Updates, f.UnsubscribeLevel3Updates}, true
		}
	}
	return Feed{}, false
}
