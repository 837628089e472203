// Package venuetest provides a recording adapter that implements every feed.
package venuetest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/venue"
)

// Call is one recorded wire operation.
type Call struct {
	Sub      bool
	Type     domain.SubscriptionType
	RemoteID string
	Socket   int
}

// Adapter sends "sub:<type>:<id>" and "unsub:<type>:<id>" frames.
//
// Inbound frames of the form "<type>:<id>" emit a market-data event for a subscribed
// market; "bad" fails parsing.
type Adapter struct {
	Caps     domain.Capabilities
	Interval time.Duration

	mu    sync.Mutex
	calls []Call
	pings int
}

// New returns an adapter advertising every feed.
func New() *Adapter {
	return &Adapter{Caps: domain.Capabilities{
		Tickers: true, Trades: true, Candles: true,
		Level2Snapshots: true, Level2Updates: true,
		Level3Snapshots: true, Level3Updates: true,
	}}
}

func (a *Adapter) Name() string { return "Stub" }

func (a *Adapter) Capabilities() domain.Capabilities { return a.Caps }

func (a *Adapter) record(s venue.Sender, sub bool, typ domain.SubscriptionType, id string, m domain.AssignedMarket) error {
	a.mu.Lock()
	a.calls = append(a.calls, Call{Sub: sub, Type: typ, RemoteID: id, Socket: m.Socket})
	a.mu.Unlock()
	verb := "unsub"
	if sub {
		verb = "sub"
	}
	return s.Send([]byte(fmt.Sprintf("%s:%s:%s", verb, typ, id)))
}

// Calls returns every wire operation in order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Subscribes counts subscribe calls for typ and id.
func (a *Adapter) Subscribes(typ domain.SubscriptionType, id string) int {
	n := 0
	for _, c := range a.Calls() {
		if c.Sub && c.Type == typ && c.RemoteID == id {
			n++
		}
	}
	return n
}

func (a *Adapter) Pings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pings
}

func (a *Adapter) OnMessage(s venue.Session, raw []byte) error {
	msg := string(raw)
	if msg == "bad" {
		return errors.New("stub: malformed frame")
	}
	kind, id, ok := strings.Cut(msg, ":")
	if !ok {
		return nil
	}
	typ, err := domain.ParseSubscriptionType(kind)
	if err != nil {
		return err
	}
	m, ok := s.Market(typ, id)
	if !ok {
		return nil
	}
	ev := domain.Event{Kind: domain.EventTicker, Market: &m}
	switch typ {
	case domain.SubTicker:
		ev.Data = &domain.Ticker{Exchange: a.Name(), Base: m.Base, Quote: m.Quote}
	case domain.SubTrade:
		ev.Kind = domain.EventTrade
		ev.Data = &domain.Trade{Exchange: a.Name(), Base: m.Base, Quote: m.Quote}
	case domain.SubCandle:
		ev.Kind = domain.EventCandle
		ev.Data = &domain.Candle{Exchange: a.Name(), Base: m.Base, Quote: m.Quote}
	case domain.SubLevel2Snapshot, domain.SubLevel3Snapshot:
		ev.Kind = domain.EventLevel2Snapshot
		ev.Data = &domain.Level2Snapshot{Exchange: a.Name(), Base: m.Base, Quote: m.Quote}
	default:
		ev.Kind = domain.EventLevel2Update
		ev.Data = &domain.Level2Update{Exchange: a.Name(), Base: m.Base, Quote: m.Quote}
	}
	s.Emit(ev)
	return nil
}

func (a *Adapter) PingInterval() time.Duration { return a.Interval }

func (a *Adapter) Ping(s venue.Sender) error {
	a.mu.Lock()
	a.pings++
	a.mu.Unlock()
	return s.Send([]byte("ping"))
}

func (a *Adapter) SubscribeTicker(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubTicker, id, m)
}

func (a *Adapter) UnsubscribeTicker(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubTicker, id, m)
}

func (a *Adapter) SubscribeTrades(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubTrade, id, m)
}

func (a *Adapter) UnsubscribeTrades(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubTrade, id, m)
}

func (a *Adapter) SubscribeCandles(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubCandle, id, m)
}

func (a *Adapter) UnsubscribeCandles(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubCandle, id, m)
}

func (a *Adapter) SubscribeLevel2Snapshots(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubLevel2Snapshot, id, m)
}

func (a *Adapter) UnsubscribeLevel2Snapshots(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubLevel2Snapshot, id, m)
}

func (a *Adapter) SubscribeLevel2Updates(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubLevel2Update, id, m)
}

func (a *Adapter) UnsubscribeLevel2Updates(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubLevel2Update, id, m)
}

func (a *Adapter) SubscribeLevel3Snapshots(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubLevel3Snapshot, id, m)
}

func (a *Adapter) UnsubscribeLevel3Snapshots(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubLevel3Snapshot, id, m)
}

func (a *Adapter) SubscribeLevel3Updates(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, true, domain.SubLevel3Update, id, m)
}

func (a *Adapter) UnsubscribeLevel3Updates(s venue.Sender, id string, m domain.AssignedMarket) error {
	return a.record(s, false, domain.SubLevel3Update, id, m)
}
