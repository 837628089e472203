package poloniex

import (
	"testing"

	"github.com/fushengyk/marketstream/internal/domain"
	"github.com/fushengyk/marketstream/internal/venue"
	"github.com/fushengyk/marketstream/internal/venue/venuetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var btc = domain.Market{ID: "BTC_USDT", Base: "BTC", Quote: "USDT"}

func TestCapabilities(t *testing.T) {
	feeds, err := venue.Resolve(New())
	require.NoError(t, err)
	require.True(t, feeds.Supports(domain.SubLevel2Update))
	require.False(t, feeds.Supports(domain.SubLevel2Snapshot))
}

func TestRequestsAndPing(t *testing.T) {
	a := New()
	s := venuetest.NewSession()
	am := domain.AssignedMarket{Market: btc}

	require.NoError(t, a.SubscribeTrades(s, btc.ID, am))
	require.NoError(t, a.UnsubscribeTicker(s, btc.ID, am))
	require.NoError(t, a.Ping(s))

	sent := s.Sent()
	require.Len(t, sent, 3)
	require.JSONEq(t, `{"event":"subscribe","channel":["trades"],"symbols":["BTC_USDT"]}`, sent[0])
	require.JSONEq(t, `{"event":"unsubscribe","channel":["ticker"],"symbols":["BTC_USDT"]}`, sent[1])
	require.JSONEq(t, `{"event":"ping"}`, sent[2])
}

func TestOnTicker(t *testing.T) {
	s := venuetest.NewSession().Hold(domain.SubTicker, btc)
	raw := `{"channel":"ticker","data":[{"symbol":"BTC_USDT","dailyChange":"0.0123","high":"41000","amount":"120000","quantity":"3","tradeCount":10,"low":"39000","closeTime":1700000000000,"startTime":1699913600000,"close":"40500","open":"40000.123456789","ts":1700000000100,"markPrice":"40400"}]}`

	require.NoError(t, New().OnMessage(s, []byte(raw)))

	events := s.Events()
	require.Len(t, events, 1)
	tk := events[0].Data.(*domain.Ticker)
	require.Equal(t, int64(1700000000100), tk.Timestamp)
	require.True(t, decimal.RequireFromString("40000.12345679").Equal(tk.Open))
	require.True(t, decimal.RequireFromString("3").Equal(tk.Volume))
	require.True(t, decimal.RequireFromString("120000").Equal(tk.QuoteVolume))
}

func TestOnTrade(t *testing.T) {
	s := venuetest.NewSession().Hold(domain.SubTrade, btc)
	raw := `{"channel":"trades","data":[{"symbol":"BTC_USDT","amount":"40.5","takerSide":"sell","quantity":"0.001","createTime":1700000000200,"price":"40500","id":"194","ts":1700000000210}]}`

	require.NoError(t, New().OnMessage(s, []byte(raw)))

	events := s.Events()
	require.Len(t, events, 1)
	tr := events[0].Data.(*domain.Trade)
	require.Equal(t, "194", tr.TradeID)
	require.Equal(t, "sell", tr.Side)
	require.Equal(t, int64(1700000000200), tr.Unix)
}

func TestOnBookEmitsEveryEntry(t *testing.T) {
	s := venuetest.NewSession().Hold(domain.SubLevel2Update, btc)
	raw := `{"channel":"book","data":[
		{"symbol":"BTC_USDT","createTime":1,"asks":[["40001","1"]],"bids":[],"id":11,"lastId":10,"ts":1},
		{"symbol":"BTC_USDT","createTime":2,"asks":[],"bids":[["40000","0"]],"id":12,"lastId":11,"ts":2}]}`

	require.NoError(t, New().OnMessage(s, []byte(raw)))

	events := s.Events()
	require.Len(t, events, 2)
	second := events[1].Data.(*domain.Level2Update)
	require.Equal(t, int64(12), second.SequenceID)
	require.Equal(t, int64(11), second.LastSequenceID)
	require.True(t, second.Bids[0].Size.IsZero())
}

func TestControlEvents(t *testing.T) {
	s := venuetest.NewSession()
	a := New()

	require.NoError(t, a.OnMessage(s, []byte(`{"event":"subscribe","channel":"ticker","symbols":["BTC_USDT"]}`)))
	require.NoError(t, a.OnMessage(s, []byte(`{"event":"pong"}`)))
	require.NoError(t, a.OnMessage(s, []byte(`{"channel":"ticker","data":[]}`)))
	require.Empty(t, s.Events())

	require.ErrorContains(t, a.OnMessage(s, []byte(`{"event":"error","message":"Invalid symbol"}`)), "Invalid symbol")
	require.Error(t, a.OnMessage(s, []byte(`nope`)))
}
