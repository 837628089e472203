// Package bybit implements the Bybit spot quote v1 public stream.
package bybit

import (
	"fmt"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/pool"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/fushengyk/marketstream/internal/venue"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	Name         = "Bybit"
	DefaultURL   = "wss://stream.bybit.com/spot/quote/ws/v1"
	pingInterval = 20 * time.Second
)

const (
	topicTicker = "realtimes"
	topicTrade  = "trade"
	topicDepth  = "diffDepth"
)

// Defaults keep every subscription on one socket.
func Defaults() pool.Config {
	return pool.Config{Name: Name, URL: DefaultURL}
}

func NewClient(cfg pool.Config, dial transport.Factory, logger *zap.SugaredLogger) (*pool.Manager, error) {
	return pool.New(cfg.Or(Defaults()), New(), dial, logger)
}

type Adapter struct {
	now func() time.Time
}

func New() *Adapter {
	return &Adapter{now: time.Now}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{Tickers: true, Trades: true, Level2Updates: true}
}

func (a *Adapter) PingInterval() time.Duration { return pingInterval }

func (a *Adapter) Ping(s venue.Sender) error {
	data, err := json.Marshal(map[string]int64{"ping": a.now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.Send(data)
}

type request struct {
	Topic  string `json:"topic"`
	Event  string `json:"event"`
	Symbol string `json:"symbol"`
	Params struct {
		Binary bool `json:"binary"`
	} `json:"params"`
}

func send(s venue.Sender, topic, event, symbol string) error {
	data, err := json.Marshal(request{Topic: topic, Event: event, Symbol: symbol})
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (a *Adapter) SubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, topicTicker, "sub", id)
}

func (a *Adapter) UnsubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, topicTicker, "cancel", id)
}

func (a *Adapter) SubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, topicTrade, "sub", id)
}

func (a *Adapter) UnsubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, topicTrade, "cancel", id)
}

func (a *Adapter) SubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, topicDepth, "sub", id)
}

func (a *Adapter) UnsubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, topicDepth, "cancel", id)
}

type envelope struct {
	Topic  string          `json:"topic"`
	Event  string          `json:"event"`
	Symbol string          `json:"symbol"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

type tickerData struct {
	Symbol      string          `json:"s"`
	Time        int64           `json:"t"`
	Open        decimal.Decimal `json:"o"`
	Close       decimal.Decimal `json:"c"`
	High        decimal.Decimal `json:"h"`
	Low         decimal.Decimal `json:"l"`
	Volume      decimal.Decimal `json:"v"`
	QuoteVolume decimal.Decimal `json:"qv"`
	Change      decimal.Decimal `json:"m"`
}

type tradeData struct {
	ID       string          `json:"v"`
	Time     int64           `json:"t"`
	Price    decimal.Decimal `json:"p"`
	Quantity decimal.Decimal `json:"q"`
	IsBuy    bool            `json:"m"`
}

type depthData struct {
	Symbol string     `json:"s"`
	Time   int64      `json:"t"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func (a *Adapter) OnMessage(s venue.Session, raw []byte) error {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if (msg.Event == "sub" || msg.Event == "cancel") && msg.Msg == "Success" {
		return nil
	}

	switch msg.Topic {
	case topicTicker:
		var data []tickerData
		if err := decodeData(msg.Data, &data); err != nil || len(data) == 0 {
			return err
		}
		a.onTicker(s, data[0])
	case topicTrade:
		var data []tradeData
		if err := decodeData(msg.Data, &data); err != nil || len(data) == 0 {
			return err
		}
		a.onTrade(s, msg.Symbol, data[0])
	case topicDepth:
		var data []depthData
		if err := decodeData(msg.Data, &data); err != nil || len(data) == 0 {
			return err
		}
		return a.onDepth(s, data[0])
	}
	return nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func (a *Adapter) onTicker(s venue.Session, t tickerData) {
	market, ok := s.Market(domain.SubTicker, t.Symbol)
	if !ok {
		return
	}
	s.Emit(domain.Event{Kind: domain.EventTicker, Market: &market, Data: &domain.Ticker{
		Exchange:      Name,
		Base:          market.Base,
		Quote:         market.Quote,
		Timestamp:     t.Time,
		Open:          t.Open,
		Last:          t.Close,
		High:          t.High,
		Low:           t.Low,
		Volume:        t.Volume,
		QuoteVolume:   t.QuoteVolume,
		ChangePercent: t.Change,
	}})
}

func (a *Adapter) onTrade(s venue.Session, symbol string, t tradeData) {
	market, ok := s.Market(domain.SubTrade, symbol)
	if !ok {
		return
	}
	side := "sell"
	if t.IsBuy {
		side = "buy"
	}
	s.Emit(domain.Event{Kind: domain.EventTrade, Market: &market, Data: &domain.Trade{
		Exchange: Name,
		Base:     market.Base,
		Quote:    market.Quote,
		TradeID:  t.ID,
		Unix:     t.Time,
		Side:     side,
		Price:    t.Price,
		Amount:   t.Quantity,
	}})
}

func (a *Adapter) onDepth(s venue.Session, d depthData) error {
	market, ok := s.Market(domain.SubLevel2Update, d.Symbol)
	if !ok {
		return nil
	}
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return fmt.Errorf("depth %s bids: %w", d.Symbol, err)
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return fmt.Errorf("depth %s asks: %w", d.Symbol, err)
	}
	s.Emit(domain.Event{Kind: domain.EventLevel2Update, Market: &market, Data: &domain.Level2Update{
		Exchange:    Name,
		Base:        market.Base,
		Quote:       market.Quote,
		TimestampMs: d.Time,
		Bids:        bids,
		Asks:        asks,
	}})
	return nil
}
