// Package huobi implements the Huobi spot market websocket. Frames arrive gzip-compressed
// and the server drives the keepalive.
package huobi

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/pool"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/fushengyk/marketstream/internal/venue"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	Name       = "Huobi"
	DefaultURL = "wss://api.huobi.pro/ws"
)

const (
	topicTicker   = "detail"
	topicTrade    = "trade.detail"
	topicUpdate   = "mbp.150"
	topicSnapshot = "depth.step0"
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
	return domain.Capabilities{
		Tickers:         true,
		Trades:          true,
		Level2Updates:   true,
		Level2Snapshots: true,
	}
}

type subRequest struct {
	Sub   string `json:"sub,omitempty"`
	Unsub string `json:"unsub,omitempty"`
	ID    string `json:"id"`
}

func channel(remoteID, topic string) string {
	return "market." + remoteID + "." + topic
}

func (a *Adapter) sub(s venue.Sender, id, topic, reqID string) error {
	data, err := json.Marshal(subRequest{Sub: channel(id, topic), ID: reqID})
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (a *Adapter) unsub(s venue.Sender, id, topic, reqID string) error {
	data, err := json.Marshal(subRequest{Unsub: channel(id, topic), ID: reqID})
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (a *Adapter) SubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.sub(s, id, topicTicker, id)
}

func (a *Adapter) UnsubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.unsub(s, id, topicTicker, id)
}

func (a *Adapter) SubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.sub(s, id, topicTrade, id)
}

func (a *Adapter) UnsubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.unsub(s, id, topicTrade, id)
}

func (a *Adapter) SubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.sub(s, id, topicUpdate, "mbp_"+id)
}

func (a *Adapter) UnsubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.unsub(s, id, topicUpdate, "mbp_"+id)
}

func (a *Adapter) SubscribeLevel2Snapshots(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.sub(s, id, topicSnapshot, "depth_"+id)
}

func (a *Adapter) UnsubscribeLevel2Snapshots(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.unsub(s, id, topicSnapshot, "depth_"+id)
}

type envelope struct {
	Ping    *int64          `json:"ping"`
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
	Ch      string          `json:"ch"`
	Ts      int64           `json:"ts"`
	Tick    json.RawMessage `json:"tick"`
}

type detailTick struct {
	ID     int64           `json:"id"`
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	Low    decimal.Decimal `json:"low"`
	High   decimal.Decimal `json:"high"`
	Amount decimal.Decimal `json:"amount"`
	Vol    decimal.Decimal `json:"vol"`
	Count  int64           `json:"count"`
}

type tradeTick struct {
	Data []struct {
		TradeID   int64           `json:"tradeId"`
		Ts        int64           `json:"ts"`
		Amount    decimal.Decimal `json:"amount"`
		Price     decimal.Decimal `json:"price"`
		Direction string          `json:"direction"`
	} `json:"data"`
}

type mbpTick struct {
	SeqNum     int64               `json:"seqNum"`
	PrevSeqNum int64               `json:"prevSeqNum"`
	Asks       [][]decimal.Decimal `json:"asks"`
	Bids       [][]decimal.Decimal `json:"bids"`
}

type depthTick struct {
	Version int64               `json:"version"`
	Ts      int64               `json:"ts"`
	Asks    [][]decimal.Decimal `json:"asks"`
	Bids    [][]decimal.Decimal `json:"bids"`
}

// inflate returns the decompressed frame. Plain JSON frames pass through.
func inflate(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

func (a *Adapter) OnMessage(s venue.Session, raw []byte) error {
	data, err := inflate(raw)
	if err != nil {
		return err
	}
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	if msg.Ping != nil {
		return s.Send([]byte(`{"pong":` + strconv.FormatInt(*msg.Ping, 10) + `}`))
	}
	if msg.Status == "error" {
		return fmt.Errorf("api error: %s %s", msg.ErrCode, msg.ErrMsg)
	}
	if msg.Ch == "" || len(msg.Tick) == 0 {
		return nil
	}

	// market.<id>.<topic>
	parts := strings.SplitN(msg.Ch, ".", 3)
	if len(parts) != 3 || parts[0] != "market" {
		return nil
	}
	id, topic := parts[1], parts[2]
	switch topic {
	case topicTicker:
		return a.onTicker(s, id, msg)
	case topicTrade:
		return a.onTrades(s, id, msg)
	case topicUpdate:
		return a.onUpdate(s, id, msg)
	case topicSnapshot:
		return a.onSnapshot(s, id, msg)
	}
	return nil
}

func (a *Adapter) onTicker(s venue.Session, id string, msg envelope) error {
	market, ok := s.Market(domain.SubTicker, id)
	if !ok {
		return nil
	}
	var t detailTick
	if err := json.Unmarshal(msg.Tick, &t); err != nil {
		return fmt.Errorf("ticker %s: %w", id, err)
	}
	ticker := &domain.Ticker{
		Exchange:    Name,
		Base:        market.Base,
		Quote:       market.Quote,
		Timestamp:   msg.Ts,
		Last:        t.Close,
		Open:        t.Open,
		High:        t.High,
		Low:         t.Low,
		Volume:      t.Amount,
		QuoteVolume: t.Vol,
		Change:      t.Close.Sub(t.Open),
	}
	if !t.Open.IsZero() {
		ticker.ChangePercent = ticker.Change.Div(t.Open).Mul(decimal.NewFromInt(100)).Round(2)
	}
	s.Emit(domain.Event{Kind: domain.EventTicker, Market: &market, Data: ticker})
	return nil
}

func (a *Adapter) onTrades(s venue.Session, id string, msg envelope) error {
	market, ok := s.Market(domain.SubTrade, id)
	if !ok {
		return nil
	}
	var t tradeTick
	if err := json.Unmarshal(msg.Tick, &t); err != nil {
		return fmt.Errorf("trade %s: %w", id, err)
	}
	for _, d := range t.Data {
		s.Emit(domain.Event{Kind: domain.EventTrade, Market: &market, Data: &domain.Trade{
			Exchange: Name,
			Base:     market.Base,
			Quote:    market.Quote,
			TradeID:  strconv.FormatInt(d.TradeID, 10),
			Unix:     d.Ts,
			Side:     d.Direction,
			Price:    d.Price,
			Amount:   d.Amount,
		}})
	}
	return nil
}

func (a *Adapter) onUpdate(s venue.Session, id string, msg envelope) error {
	market, ok := s.Market(domain.SubLevel2Update, id)
	if !ok {
		return nil
	}
	var t mbpTick
	if err := json.Unmarshal(msg.Tick, &t); err != nil {
		return fmt.Errorf("mbp %s: %w", id, err)
	}
	asks, err := points(t.Asks)
	if err != nil {
		return fmt.Errorf("mbp %s asks: %w", id, err)
	}
	bids, err := points(t.Bids)
	if err != nil {
		return fmt.Errorf("mbp %s bids: %w", id, err)
	}
	s.Emit(domain.Event{Kind: domain.EventLevel2Update, Market: &market, Data: &domain.Level2Update{
		Exchange:       Name,
		Base:           market.Base,
		Quote:          market.Quote,
		SequenceID:     t.SeqNum,
		LastSequenceID: t.PrevSeqNum,
		TimestampMs:    msg.Ts,
		Asks:           asks,
		Bids:           bids,
	}})
	return nil
}

func (a *Adapter) onSnapshot(s venue.Session, id string, msg envelope) error {
	market, ok := s.Market(domain.SubLevel2Snapshot, id)
	if !ok {
		return nil
	}
	var t depthTick
	if err := json.Unmarshal(msg.Tick, &t); err != nil {
		return fmt.Errorf("depth %s: %w", id, err)
	}
	asks, err := points(t.Asks)
	if err != nil {
		return fmt.Errorf("depth %s asks: %w", id, err)
	}
	bids, err := points(t.Bids)
	if err != nil {
		return fmt.Errorf("depth %s bids: %w", id, err)
	}
	s.Emit(domain.Event{Kind: domain.EventLevel2Snapshot, Market: &market, Data: &domain.Level2Snapshot{
		Exchange:    Name,
		Base:        market.Base,
		Quote:       market.Quote,
		SequenceID:  t.Version,
		TimestampMs: msg.Ts,
		Asks:        asks,
		Bids:        bids,
	}})
	return nil
}

// points converts numeric [price, size] pairs, rounding to the venue's published precision.
func points(raw [][]decimal.Decimal) ([]domain.Level2Point, error) {
	out := make([]domain.Level2Point, 0, len(raw))
	for _, p := range raw {
		if len(p) < 2 {
			return nil, fmt.Errorf("short price level %v", p)
		}
		out = append(out, domain.Level2Point{Price: p[0].Round(8), Size: p[1].Round(2)})
	}
	return out, nil
}
