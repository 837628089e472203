package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Market is a venue-native trading pair. ID is the remote identifier used on the wire
// and is the subscription key.
type Market struct {
	ID    string `json:"id" yaml:"id"`
	Base  string `json:"base" yaml:"base"`
	Quote string `json:"quote" yaml:"quote"`
}

func (m Market) String() string {
	return m.ID
}

// SubscriptionType identifies a market-data feed.
type SubscriptionType int

const (
	SubTicker SubscriptionType = iota
	SubTrade
	SubCandle
	SubLevel2Update
	SubLevel2Snapshot
	SubLevel3Update
	SubLevel3Snapshot
)

// SubscriptionTypes lists every feed in sweep order.
var SubscriptionTypes = []SubscriptionType{
	SubTicker,
	SubTrade,
	SubCandle,
	SubLevel2Update,
	SubLevel2Snapshot,
	SubLevel3Update,
	SubLevel3Snapshot,
}

var subscriptionNames = map[SubscriptionType]string{
	SubTicker:         "ticker",
	SubTrade:          "trade",
	SubCandle:         "candle",
	SubLevel2Update:   "level2update",
	SubLevel2Snapshot: "level2snapshot",
	SubLevel3Update:   "level3update",
	SubLevel3Snapshot: "level3snapshot",
}

func (t SubscriptionType) String() string {
	if name, ok := subscriptionNames[t]; ok {
		return name
	}
	return fmt.Sprintf("subscription(%d)", int(t))
}

// ParseSubscriptionType maps a config name back to its type.
func ParseSubscriptionType(name string) (SubscriptionType, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for t, n := range subscriptionNames {
		if n == key {
			return t, nil
		}
	}
	// plural aliases used by the public method names
	switch key {
	case "tickers":
		return SubTicker, nil
	case "trades":
		return SubTrade, nil
	case "candles":
		return SubCandle, nil
	}
	return 0, fmt.Errorf("unknown subscription type %q", name)
}

// Capabilities advertises which feeds a venue supports.
type Capabilities struct {
	Tickers         bool
	Trades          bool
	Candles         bool
	Level2Snapshots bool
	Level2Updates   bool
	Level3Snapshots bool
	Level3Updates   bool
}

// Has reports whether the feed for t is advertised.
func (c Capabilities) Has(t SubscriptionType) bool {
	switch t {
	case SubTicker:
		return c.Tickers
	case SubTrade:
		return c.Trades
	case SubCandle:
		return c.Candles
	case SubLevel2Snapshot:
		return c.Level2Snapshots
	case SubLevel2Update:
		return c.Level2Updates
	case SubLevel3Snapshot:
		return c.Level3Snapshots
	case SubLevel3Update:
		return c.Level3Updates
	}
	return false
}

// Subscription is one market feed held by a socket.
type Subscription struct {
	Type     SubscriptionType
	MarketID string
}

func (s Subscription) String() string {
	return s.Type.String() + ":" + s.MarketID
}

// AssignedMarket binds a market's feed to the socket currently serving it.
// Socket is the serial number the pool gave that socket at creation, or -1 while unassigned.
type AssignedMarket struct {
	Market Market
	Type   SubscriptionType
	Socket int
}

// Ticker is a normalized 24h ticker.
type Ticker struct {
	Exchange      string          `json:"exchange"`
	Base          string          `json:"base"`
	Quote         string          `json:"quote"`
	Timestamp     int64           `json:"timestamp"`
	Last          decimal.Decimal `json:"last"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	QuoteVolume   decimal.Decimal `json:"quoteVolume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Bid           decimal.Decimal `json:"bid"`
	BidVolume     decimal.Decimal `json:"bidVolume"`
	Ask           decimal.Decimal `json:"ask"`
	AskVolume     decimal.Decimal `json:"askVolume"`
}

// Trade is a normalized public trade.
type Trade struct {
	Exchange string          `json:"exchange"`
	Base     string          `json:"base"`
	Quote    string          `json:"quote"`
	TradeID  string          `json:"tradeId"`
	Unix     int64           `json:"unix"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}

// Candle is a normalized OHLCV bar.
type Candle struct {
	Exchange    string          `json:"exchange"`
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	OpenTime    int64           `json:"openTime"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	Closed      bool            `json:"closed"`
}

// Level2Point is one price level.
type Level2Point struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Count int             `json:"count,omitempty"`
}

// Level2Update is an incremental order-book update.
type Level2Update struct {
	Exchange       string        `json:"exchange"`
	Base           string        `json:"base"`
	Quote          string        `json:"quote"`
	SequenceID     int64         `json:"sequenceId,omitempty"`
	LastSequenceID int64         `json:"lastSequenceId,omitempty"`
	TimestampMs    int64         `json:"timestampMs"`
	Asks           []Level2Point `json:"asks"`
	Bids           []Level2Point `json:"bids"`
}

// Level2Snapshot is a full or depth-limited order-book image.
type Level2Snapshot struct {
	Exchange    string        `json:"exchange"`
	Base        string        `json:"base"`
	Quote       string        `json:"quote"`
	SequenceID  int64         `json:"sequenceId,omitempty"`
	TimestampMs int64         `json:"timestampMs"`
	Asks        []Level2Point `json:"asks"`
	Bids        []Level2Point `json:"bids"`
}

// ParseLevels converts [price, size] string pairs into points.
func ParseLevels(raw [][]string) ([]Level2Point, error) {
	points := make([]Level2Point, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("short price level %v", lvl)
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl[0], err)
		}
		size, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lvl[1], err)
		}
		points = append(points, Level2Point{Price: price, Size: size})
	}
	return points, nil
}

// Dec parses a decimal string leniently; empty or malformed input yields zero.
func Dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
