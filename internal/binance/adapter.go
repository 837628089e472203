// Package binance implements the Binance spot combined-stream protocol.
package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/multi"
	"github.com/fushengyk/marketstream/internal/pool"
	"github.com/fushengyk/marketstream/internal/transport"
	"github.com/fushengyk/marketstream/internal/venue"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	Name       = "Binance"
	DefaultURL = "wss://stream.binance.com:9443/stream"
)

// Defaults are the pool limits Binance enforces per connection.
func Defaults() pool.Config {
	return pool.Config{
		Name:                 Name,
		URL:                  DefaultURL,
		MaxSocketSubs:        200,
		MaxRequestsPerSecond: 5,
	}
}

// MultiDefaults sizes the multi-instance client.
func MultiDefaults() multi.Config {
	return multi.Config{
		Name:             Name,
		Capabilities:     New().Capabilities(),
		PerInstanceLimit: 1000,
		SettleDelay:      100 * time.Millisecond,
		ReconnectDelay:   100 * time.Millisecond,
	}
}

// NewClient returns a single pooled Binance client. Zero fields of cfg take Defaults.
func NewClient(cfg pool.Config, dial transport.Factory, logger *zap.SugaredLogger) (*pool.Manager, error) {
	return pool.New(cfg.Or(Defaults()), New(), dial, logger)
}

// NewMultiClient spreads subscriptions over several pooled clients, each created on demand.
func NewMultiClient(cfg multi.Config, poolCfg pool.Config, dial transport.Factory, logger *zap.SugaredLogger) (*multi.Orchestrator, error) {
	def := MultiDefaults()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Capabilities == (domain.Capabilities{}) {
		cfg.Capabilities = def.Capabilities
	}
	if cfg.PerInstanceLimit == 0 {
		cfg.PerInstanceLimit = def.PerInstanceLimit
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	factory := func(index int) (venue.Client, error) {
		c := poolCfg
		c.Name = fmt.Sprintf("%s#%d", cfg.Name, index)
		m, err := NewClient(c, dial, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return multi.New(cfg, factory, logger)
}

// Adapter speaks the combined-stream protocol: one SUBSCRIBE request per stream, payloads
// wrapped as {"stream":..., "data":...}.
type Adapter struct {
	nextID atomic.Uint64
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		Tickers:         true,
		Trades:          true,
		Candles:         true,
		Level2Snapshots: true,
		Level2Updates:   true,
	}
}

// stream suffixes per feed
const (
	suffixTicker   = "@ticker"
	suffixTrade    = "@aggTrade"
	suffixCandle   = "@kline_1m"
	suffixUpdate   = "@depth@100ms"
	suffixSnapshot = "@depth20@100ms"
)

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

func (a *Adapter) control(s venue.Sender, method, remoteID, suffix string) error {
	data, err := json.Marshal(controlRequest{
		Method: method,
		Params: []string{strings.ToLower(remoteID) + suffix},
		ID:     a.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (a *Adapter) SubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "SUBSCRIBE", id, suffixTicker)
}

func (a *Adapter) UnsubscribeTicker(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "UNSUBSCRIBE", id, suffixTicker)
}

func (a *Adapter) SubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "SUBSCRIBE", id, suffixTrade)
}

func (a *Adapter) UnsubscribeTrades(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "UNSUBSCRIBE", id, suffixTrade)
}

func (a *Adapter) SubscribeCandles(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "SUBSCRIBE", id, suffixCandle)
}

func (a *Adapter) UnsubscribeCandles(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "UNSUBSCRIBE", id, suffixCandle)
}

func (a *Adapter) SubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "SUBSCRIBE", id, suffixUpdate)
}

func (a *Adapter) UnsubscribeLevel2Updates(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "UNSUBSCRIBE", id, suffixUpdate)
}

func (a *Adapter) SubscribeLevel2Snapshots(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "SUBSCRIBE", id, suffixSnapshot)
}

func (a *Adapter) UnsubscribeLevel2Snapshots(s venue.Sender, id string, _ domain.AssignedMarket) error {
	return a.control(s, "UNSUBSCRIBE", id, suffixSnapshot)
}

// --- Message Processing ---

// combinedStreamPayload represents Binance combined stream message format
type combinedStreamPayload struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (a *Adapter) OnMessage(s venue.Session, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty frame")
	}
	if err := checkError(raw); err != nil {
		return err
	}

	var payload combinedStreamPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.Stream == "" {
		// subscription acknowledgement
		return nil
	}
	if payload.Data == nil {
		return fmt.Errorf("stream %s: missing data", payload.Stream)
	}

	symbol, suffix, ok := strings.Cut(payload.Stream, "@")
	if !ok {
		return fmt.Errorf("unexpected stream %q", payload.Stream)
	}
	symbol = strings.ToUpper(symbol)
	switch "@" + suffix {
	case suffixTicker:
		return a.parseTicker(s, symbol, payload.Data)
	case suffixTrade:
		return a.parseTrade(s, symbol, payload.Data)
	case suffixCandle:
		return a.parseKline(s, symbol, payload.Data)
	case suffixUpdate:
		return a.parseDepthUpdate(s, symbol, payload.Data)
	case suffixSnapshot:
		return a.parseDepthSnapshot(s, symbol, payload.Data)
	}
	return nil
}

// checkError reports API error frames, bare or wrapped in a control response.
func checkError(msg []byte) error {
	if !bytes.Contains(msg, []byte(`"code"`)) {
		return nil
	}
	var resp struct {
		apiError
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil
	}
	if resp.Error != nil && resp.Error.Code != 0 {
		return fmt.Errorf("api error: code=%d msg=%s", resp.Error.Code, resp.Error.Msg)
	}
	if resp.Code != 0 {
		return fmt.Errorf("api error: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// tickerData lists every key of the 24hr ticker so the decoder never falls back to a
// case-insensitive match (c/C, o/O, q/Q, l/L, e/E).
type tickerData struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	Last               string `json:"c"`
	Bid                string `json:"b"`
	BidQty             string `json:"B"`
	Ask                string `json:"a"`
	AskQty             string `json:"A"`
	Open               string `json:"o"`
	High               string `json:"h"`
	Low                string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	WeightedAvg        string `json:"w"`
	PrevClose          string `json:"x"`
	LastQty            string `json:"Q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	FirstTradeID       int64  `json:"F"`
	LastTradeID        int64  `json:"L"`
	Count              int64  `json:"n"`
}

func (a *Adapter) parseTicker(s venue.Session, symbol string, data []byte) error {
	var t tickerData
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("ticker %s: %w", symbol, err)
	}
	market, ok := s.Market(domain.SubTicker, symbol)
	if !ok {
		return nil
	}
	s.Emit(domain.Event{Kind: domain.EventTicker, Market: &market, Data: &domain.Ticker{
		Exchange:      Name,
		Base:          market.Base,
		Quote:         market.Quote,
		Timestamp:     t.EventTime,
		Last:          domain.Dec(t.Last),
		Open:          domain.Dec(t.Open),
		High:          domain.Dec(t.High),
		Low:           domain.Dec(t.Low),
		Volume:        domain.Dec(t.Volume),
		QuoteVolume:   domain.Dec(t.QuoteVolume),
		Change:        domain.Dec(t.PriceChange),
		ChangePercent: domain.Dec(t.PriceChangePercent),
		Bid:           domain.Dec(t.Bid),
		BidVolume:     domain.Dec(t.BidQty),
		Ask:           domain.Dec(t.Ask),
		AskVolume:     domain.Dec(t.AskQty),
	}})
	return nil
}

type aggTradeData struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

func (a *Adapter) parseTrade(s venue.Session, symbol string, data []byte) error {
	var t aggTradeData
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("trade %s: %w", symbol, err)
	}
	market, ok := s.Market(domain.SubTrade, symbol)
	if !ok {
		return nil
	}
	side := "buy"
	if t.IsBuyerMaker {
		side = "sell"
	}
	s.Emit(domain.Event{Kind: domain.EventTrade, Market: &market, Data: &domain.Trade{
		Exchange: Name,
		Base:     market.Base,
		Quote:    market.Quote,
		TradeID:  strconv.FormatInt(t.AggID, 10),
		Unix:     t.TradeTime,
		Side:     side,
		Price:    domain.Dec(t.Price),
		Amount:   domain.Dec(t.Quantity),
	}})
	return nil
}

// klineData represents Binance kline event data
// Note: Must include all fields to prevent json decoder case-insensitive matching issues
type klineData struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime     int64  `json:"t"` // Kline start time
		CloseTime    int64  `json:"T"` // Kline close time (uppercase T)
		Open         string `json:"o"`
		High         string `json:"h"`
		Low          string `json:"l"` // Low price (lowercase l)
		Close        string `json:"c"`
		Volume       string `json:"v"`
		QuoteVolume  string `json:"q"`
		IsClosed     bool   `json:"x"`
		Trades       int64  `json:"n"`
		FirstTradeID int64  `json:"f"`
		LastTradeID  int64  `json:"L"` // Last trade ID (uppercase L)
		Symbol       string `json:"s"`
		Interval     string `json:"i"`
		TakerBase    string `json:"V"` // Taker buy base volume (uppercase V)
		TakerQuote   string `json:"Q"` // Taker buy quote volume (uppercase Q)
		Ignore       string `json:"B"`
	} `json:"k"`
}

func (a *Adapter) parseKline(s venue.Session, symbol string, data []byte) error {
	var event klineData
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("kline %s: %w", symbol, err)
	}
	market, ok := s.Market(domain.SubCandle, symbol)
	if !ok {
		return nil
	}
	k := event.Kline
	s.Emit(domain.Event{Kind: domain.EventCandle, Market: &market, Data: &domain.Candle{
		Exchange:    Name,
		Base:        market.Base,
		Quote:       market.Quote,
		OpenTime:    k.OpenTime,
		Open:        domain.Dec(k.Open),
		High:        domain.Dec(k.High),
		Low:         domain.Dec(k.Low),
		Close:       domain.Dec(k.Close),
		Volume:      domain.Dec(k.Volume),
		QuoteVolume: domain.Dec(k.QuoteVolume),
		Closed:      k.IsClosed,
	}})
	return nil
}

type depthUpdateData struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (a *Adapter) parseDepthUpdate(s venue.Session, symbol string, data []byte) error {
	var d depthUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("depth %s: %w", symbol, err)
	}
	market, ok := s.Market(domain.SubLevel2Update, symbol)
	if !ok {
		return nil
	}
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return fmt.Errorf("depth %s bids: %w", symbol, err)
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return fmt.Errorf("depth %s asks: %w", symbol, err)
	}
	s.Emit(domain.Event{Kind: domain.EventLevel2Update, Market: &market, Data: &domain.Level2Update{
		Exchange:       Name,
		Base:           market.Base,
		Quote:          market.Quote,
		SequenceID:     d.FinalUpdateID,
		LastSequenceID: d.FirstUpdateID - 1,
		TimestampMs:    d.EventTime,
		Bids:           bids,
		Asks:           asks,
	}})
	return nil
}

type depthSnapshotData struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) parseDepthSnapshot(s venue.Session, symbol string, data []byte) error {
	var d depthSnapshotData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("depth snapshot %s: %w", symbol, err)
	}
	market, ok := s.Market(domain.SubLevel2Snapshot, symbol)
	if !ok {
		return nil
	}
	bids, err := domain.ParseLevels(d.Bids)
	if err != nil {
		return fmt.Errorf("depth snapshot %s bids: %w", symbol, err)
	}
	asks, err := domain.ParseLevels(d.Asks)
	if err != nil {
		return fmt.Errorf("depth snapshot %s asks: %w", symbol, err)
	}
	s.Emit(domain.Event{Kind: domain.EventLevel2Snapshot, Market: &market, Data: &domain.Level2Snapshot{
		Exchange:    Name,
		Base:        market.Base,
		Quote:       market.Quote,
		SequenceID:  d.LastUpdateID,
		TimestampMs: time.Now().UnixMilli(),
		Bids:        bids,
		Asks:        asks,
	}})
	return nil
}
