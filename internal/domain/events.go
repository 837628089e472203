package domain

import "sync"

// EventKind enumerates everything a venue client emits.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	EventReconnecting
	EventClosing
	EventClosed
	EventError
	EventTicker
	EventTrade
	EventCandle
	EventLevel2Update
	EventLevel2Snapshot
)

var eventNames = [...]string{
	EventConnecting:     "connecting",
	EventConnected:      "connected",
	EventDisconnected:   "disconnected",
	EventReconnecting:   "reconnecting",
	EventClosing:        "closing",
	EventClosed:         "closed",
	EventError:          "error",
	EventTicker:         "ticker",
	EventTrade:          "trade",
	EventCandle:         "candle",
	EventLevel2Update:   "l2update",
	EventLevel2Snapshot: "l2snapshot",
}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// IsMarketData reports whether the kind carries a normalized value.
func (k EventKind) IsMarketData() bool {
	return k >= EventTicker
}

// Event is a status change, an error, or a normalized market-data value.
//
// Data holds *Ticker, *Trade, *Candle, *Level2Update or *Level2Snapshot for market-data
// kinds. Market is set for market-data events and for errors tied to a market. Raw carries
// the offending frame for parse errors.
type Event struct {
	Kind   EventKind
	Venue  string
	Market *Market
	Data   any
	Err    error
	Raw    []byte
}

// Handler consumes events. Handlers run on the emitting goroutine and must not block.
type Handler func(Event)

// Listeners is a concurrency-safe handler list.
type Listeners struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Add registers h for every subsequent event.
func (l *Listeners) Add(h Handler) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

// Emit delivers ev to every handler in registration order.
func (l *Listeners) Emit(ev Event) {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
