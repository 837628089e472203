// Package poloniex implements the Poloniex v3 public websocket.
package poloniex

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
	Name         = "Poloniex"
	DefaultURL   = "wss://ws.poloniex.com/ws/public"
	pingInterval = 29 * time.Second
)

const (
	channelTicker = "ticker"
	channelTrades = "trades"
	channelBook   = "book"
)

func Defaults() pool.Config {
	return pool.Config{Name: Name, URL: DefaultURL}
}

func NewClient(cfg pool.Config, dial transport.Factory, logger *zap.SugaredLogger) (*pool.Manager, error) {
	return pool.New(cfg.Or(Defaults()), New(), dial, logger)
}

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{Tickers: true, Trades: true, Level2Updates: true}
}

func (a *Adapter) PingInterval() time.Duration { return pingInterval }

func (a *Adapter) Ping(s venue.Sender) error {
	return s.Send([]byte(`{"event":"ping"}`))
}

type request struct {
	Event   string   `json:"event"`
	Channel []string `json:"channel"`
	Symbols []string `json:"symbols"`
}

func send(s venue.Sender, event, channel, symbol string) error {
	data, err := json.Marshal(request{Event: event, Channel: []string{channel}, Symbols: []string{symbol}})
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (a *Adapter) SubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, "subscribe", channelTicker, id)
}

func (a *Adapter) UnsubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, "unsubscribe", channelTicker, id)
}

func (a *Adapter) SubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, "subscribe", channelTrades, id)
}

func (a *Adapter) UnsubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, "unsubscribe", channelTrades, id)
}

func (a *Adapter) SubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, "subscribe", channelBook, id)
}

func (a *Adapter) UnsubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return send(s, "unsubscribe", channelBook, id)
}

type envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type tickerData struct {
	Symbol      string          `json:"symbol"`
	DailyChange decimal.Decimal `json:"dailyChange"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Open        decimal.Decimal `json:"open"`
	Close       decimal.Decimal `json:"close"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    decimal.Decimal `json:"quantity"`
	Ts          int64           `json:"ts"`
}

type tradeData struct {
	Symbol     string          `json:"symbol"`
	ID         string          `json:"id"`
	Quantity   decimal.Decimal `json:"quantity"`
	TakerSide  string          `json:"takerSide"`
	Price      decimal.Decimal `json:"price"`
	CreateTime int64           `json:"createTime"`
}

type bookData struct {
	Symbol     string     `json:"symbol"`
	Asks       [][]string `json:"asks"`
	Bids       [][]string `json:"bids"`
	CreateTime int64      `json:"createTime"`
	ID         int64      `json:"id"`
	LastID     int64      `json:"lastId"`
}

func (a *Adapter) OnMessage(s venue.Session, raw []byte) error {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	switch msg.Event {
	case "subscribe", "unsubscribe", "pong":
		return nil
	case "error":
		return fmt.Errorf("api error: %s", msg.Message)
	}
	if len(msg.Data) == 0 {
		return nil
	}

	switch msg.Channel {
	case channelTicker:
		var data []tickerData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("ticker: %w", err)
		}
		for _, t := range data {
			a.onTicker(s, t)
		}
	case channelTrades:
		var data []tradeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("trades: %w", err)
		}
		for _, t := range data {
			a.onTrade(s, t)
		}
	case channelBook:
		var data []bookData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return fmt.Errorf("book: %w", err)
		}
		for _, b := range data {
			if err := a.onBook(s, b); err != nil {
				return err
			}
		}
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
		Timestamp:     t.Ts,
		Open:          t.Open.Round(8),
		Last:          t.Close,
		High:          t.High,
		Low:           t.Low,
		Volume:        t.Quantity,
		QuoteVolume:   t.Amount,
		ChangePercent: t.DailyChange,
	}})
}

func (a *Adapter) onTrade(s venue.Session, t tradeData) {
	market, ok := s.Market(domain.SubTrade, t.Symbol)
	if !ok {
		return
	}
	s.Emit(domain.Event{Kind: domain.EventTrade, Market: &market, Data: &domain.Trade{
		Exchange: Name,
		Base:     market.Base,
		Quote:    market.Quote,
		TradeID:  t.ID,
		Unix:     t.CreateTime,
		Side:     t.TakerSide,
		Price:    t.Price.Round(8),
		Amount:   t.Quantity.Round(8),
	}})
}

func (a *Adapter) onBook(s venue.Session, b bookData) error {
	market, ok := s.Market(domain.SubLevel2Update, b.Symbol)
	if !ok {
		return nil
	}
	asks, err := domain.ParseLevels(b.Asks)
	if err != nil {
		return fmt.Errorf("book %s asks: %w", b.Symbol, err)
	}
	bids, err := domain.ParseLevels(b.Bids)
	if err != nil {
		return fmt.Errorf("book %s bids: %w", b.Symbol, err)
	}
	s.Emit(domain.Event{Kind: domain.EventLevel2Update, Market: &market, Data: &domain.Level2Update{
		Exchange:       Name,
		Base:           market.Base,
		Quote:          market.Quote,
		SequenceID:     b.ID,
		LastSequenceID: b.LastID,
		TimestampMs:    b.CreateTime,
		Asks:           asks,
		Bids:           bids,
	}})
	return nil
}
