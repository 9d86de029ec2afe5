package api

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"signal-trigger/internal/bus"
)

type DecodeTestSuite struct {
	suite.Suite
}

func TestDecodeSuite(t *testing.T) {
	suite.Run(t, new(DecodeTestSuite))
}

func (suite *DecodeTestSuite) TestParseTopic() {
	tests := []struct {
		topic      string
		kind       EventKind
		instrument string
		timeframe  string
		ok         bool
	}{
		{"ticks:BTC-USDT", KindTick, "BTC-USDT", "", true},
		{"candles:ETH-USDT:15m", KindCandle, "ETH-USDT", "15m", true},
		{"ticks:", "", "", "", false},
		{"candles:ETH-USDT", "", "", "", false},
		{"signals:BTC-USDT", "", "", "", false},
		{"ticks:BTC-USDT:extra", "", "", "", false},
	}
	for _, tt := range tests {
		suite.Run(tt.topic, func() {
			kind, inst, tf, ok := ParseTopic(tt.topic)
			suite.Equal(tt.ok, ok)
			suite.Equal(tt.kind, kind)
			suite.Equal(tt.instrument, inst)
			suite.Equal(tt.timeframe, tf)
		})
	}
}

func (suite *DecodeTestSuite) TestDecodeTickVariants() {
	ms := time.UnixMilli(1735689600123)
	tests := []struct {
		name       string
		payload    string
		instrument string
		wantInst   string
		wantPrice  float64
		wantVolume float64
		wantTime   time.Time
		wantErr    bool
	}{
		{
			name:     "Numeric fields with millisecond timestamp",
			payload:  `{"last_price": 42000.5, "volume": 1.25, "timestamp": 1735689600123}`,
			wantInst: "BTC-USDT", instrument: "BTC-USDT",
			wantPrice: 42000.5, wantVolume: 1.25, wantTime: ms,
		},
		{
			name:     "String fields with okx style keys",
			payload:  `{"instId": "ETH-USDT", "px": "2500.1", "sz": "3", "ts": "1735689600123"}`,
			wantInst: "ETH-USDT", wantPrice: 2500.1, wantVolume: 3, wantTime: ms,
		},
		{
			name:     "RFC3339 timestamp and seconds price alias",
			payload:  `{"symbol": "SOL-USDT", "price": 150, "time": "2025-01-01T00:00:00Z"}`,
			wantInst: "SOL-USDT", wantPrice: 150, wantTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "Unix seconds",
			payload:  `{"last": 1.5, "timestamp": 1735689600}`,
			wantInst: "XRP-USDT", instrument: "XRP-USDT",
			wantPrice: 1.5, wantTime: time.Unix(1735689600, 0),
		},
		{name: "Missing price", payload: `{"timestamp": 1735689600}`, instrument: "BTC-USDT", wantErr: true},
		{name: "Missing timestamp", payload: `{"price": 1}`, instrument: "BTC-USDT", wantErr: true},
		{name: "Missing instrument", payload: `{"price": 1, "ts": 1735689600}`, wantErr: true},
		{name: "Bad price", payload: `{"price": "abc", "ts": 1735689600}`, instrument: "BTC-USDT", wantErr: true},
		{name: "Bad timestamp", payload: `{"price": 1, "ts": "yesterday"}`, instrument: "BTC-USDT", wantErr: true},
		{name: "Not JSON", payload: `price=1`, instrument: "BTC-USDT", wantErr: true},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			tick, err := DecodeTick([]byte(tt.payload), tt.instrument)
			if tt.wantErr {
				suite.ErrorIs(err, ErrMalformedPayload)
				return
			}
			suite.Require().NoError(err)
			suite.Equal(tt.wantInst, tick.Instrument)
			suite.Equal(tt.wantPrice, tick.LastPrice)
			suite.Equal(tt.wantVolume, tick.Volume)
			suite.True(tt.wantTime.Equal(tick.Timestamp), "got %s", tick.Timestamp)
		})
	}
}

func (suite *DecodeTestSuite) TestDecodeCandle() {
	payload := `{"open": "100", "high": 110, "low": 95, "close": 105, "volume": 12, "start_at": "2025-01-01T00:15:00Z"}`
	c, err := DecodeCandle([]byte(payload), "BTC-USDT", "15m")
	suite.Require().NoError(err)
	suite.Equal("BTC-USDT", c.Instrument)
	suite.Equal("15m", c.Timeframe)
	suite.Equal(100.0, c.Open)
	suite.Equal(110.0, c.High)
	suite.Equal(95.0, c.Low)
	suite.Equal(105.0, c.Close)
	suite.Equal(12.0, c.Volume)
	suite.True(c.StartAt.Equal(time.Date(2025, 1, 1, 0, 15, 0, 0, time.UTC)))

	_, err = DecodeCandle([]byte(`{"open": 1, "high": 1, "low": 1, "ts": 1735689600}`), "BTC-USDT", "1m")
	suite.ErrorIs(err, ErrMalformedPayload)

	c, err = DecodeCandle([]byte(`{"instrument": "ETH-USDT", "interval": "1h", "open": 1, "high": 1, "low": 1, "close": 1, "ts": 1735689600}`), "", "")
	suite.Require().NoError(err)
	suite.Equal("ETH-USDT", c.Instrument)
	suite.Equal("1h", c.Timeframe)
}

func (suite *DecodeTestSuite) TestDecodeMessage() {
	ev, err := DecodeMessage(bus.Message{Topic: "ticks:BTC-USDT", Payload: []byte(`{"price": 1, "ts": 1735689600}`)})
	suite.Require().NoError(err)
	suite.Equal(KindTick, ev.Kind)
	suite.Equal("BTC-USDT", ev.Instrument)

	ev, err = DecodeMessage(bus.Message{Topic: "candles:BTC-USDT:1m", Payload: []byte(`{"open":1,"high":1,"low":1,"close":1,"ts":1735689600}`)})
	suite.Require().NoError(err)
	suite.Equal(KindCandle, ev.Kind)
	suite.Equal("1m", ev.Candle.Timeframe)

	_, err = DecodeMessage(bus.Message{Topic: "indicators:BTC-USDT", Payload: []byte(`{}`)})
	suite.ErrorIs(err, ErrMalformedPayload)
}

func (suite *DecodeTestSuite) TestTopicInstrumentWins() {
	tick, err := DecodeTick([]byte(`{"instrument": "ETH-USDT", "price": 1, "ts": 1735689600}`), "BTC-USDT")
	suite.Require().NoError(err)
	suite.Equal("BTC-USDT", tick.Instrument)
}

func (suite *DecodeTestSuite) TestKafkaEvent() {
	ev, err := kafkaEvent(kafka.Message{Key: []byte("BTC-USDT"), Value: []byte(`{"price": "42000", "ts": 1735689600123}`)})
	suite.Require().NoError(err)
	suite.Equal(KindTick, ev.Kind)
	suite.Equal("BTC-USDT", ev.Instrument)
	suite.Equal(42000.0, ev.Tick.LastPrice)

	_, err = kafkaEvent(kafka.Message{Key: []byte("BTC-USDT"), Value: []byte(`{}`)})
	suite.ErrorIs(err, ErrMalformedPayload)
}
