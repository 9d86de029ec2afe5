package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"signal-trigger/internal/bus"
)

// collector 线程安全地收集 Source 发出的事件
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// readySubscriber 在订阅建立后发出通知
type readySubscriber struct {
	bus.Subscriber
	ready chan struct{}
	once  sync.Once
}

func (s *readySubscriber) Subscribe(ctx context.Context, patterns ...string) (<-chan bus.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, patterns...)
	s.once.Do(func() { close(s.ready) })
	return ch, err
}

// failingSubscriber 每次订阅都失败
type failingSubscriber struct {
	attempts atomic.Int32
}

func (s *failingSubscriber) Subscribe(ctx context.Context, patterns ...string) (<-chan bus.Message, error) {
	s.attempts.Add(1)
	return nil, errors.New("connection refused")
}

// droppingSubscriber 第一次订阅立即断开，之后一直失败
type droppingSubscriber struct {
	attempts atomic.Int32
}

func (s *droppingSubscriber) Subscribe(ctx context.Context, patterns ...string) (<-chan bus.Message, error) {
	if s.attempts.Add(1) == 1 {
		ch := make(chan bus.Message)
		close(ch)
		return ch, nil
	}
	return nil, errors.New("still down")
}

type SourceTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	mem    *bus.MemoryBus
	out    *collector
}

func TestSourceSuite(t *testing.T) {
	suite.Run(t, new(SourceTestSuite))
}

func (suite *SourceTestSuite) SetupTest() {
	suite.ctx, suite.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	suite.mem = bus.NewMemoryBus(64, zap.NewNop())
	suite.out = &collector{}
}

func (suite *SourceTestSuite) TearDownTest() {
	suite.cancel()
	_ = suite.mem.Close()
}

func (suite *SourceTestSuite) run(src Source) chan error {
	done := make(chan error, 1)
	go func() { done <- src.Run(suite.ctx, suite.out.emit) }()
	return done
}

func (suite *SourceTestSuite) waitEvents(n int) []Event {
	suite.Require().Eventually(func() bool { return len(suite.out.snapshot()) >= n }, 3*time.Second, 5*time.Millisecond)
	return suite.out.snapshot()
}

func (suite *SourceTestSuite) TestPushSubscription() {
	sub := &readySubscriber{Subscriber: suite.mem, ready: make(chan struct{})}
	src := NewPubSubSource(sub, suite.mem, []string{"BTC-USDT"}, time.Hour, time.Hour, zap.NewNop())
	done := suite.run(src)

	select {
	case <-sub.ready:
	case <-time.After(2 * time.Second):
		suite.FailNow("source never subscribed")
	}

	suite.NoError(suite.mem.Publish(suite.ctx, bus.TicksTopic("BTC-USDT"), `{"price": 100, "ts": 1735689600000}`))
	suite.NoError(suite.mem.Publish(suite.ctx, bus.TicksTopic("BTC-USDT"), `not json`))
	suite.NoError(suite.mem.Publish(suite.ctx, bus.CandlesTopic("ETH-USDT", "1m"), `{"open":1,"high":2,"low":1,"close":2,"ts":1735689600}`))

	events := suite.waitEvents(2)
	suite.Equal(KindTick, events[0].Kind)
	suite.Equal(100.0, events[0].Tick.LastPrice)
	suite.Equal(KindCandle, events[1].Kind)
	suite.Equal("ETH-USDT", events[1].Instrument)

	suite.cancel()
	suite.NoError(<-done)
}

func (suite *SourceTestSuite) TestPollingFallback() {
	sub := &failingSubscriber{}
	src := NewPubSubSource(sub, suite.mem, []string{"BTC-USDT", "ETH-USDT"}, 5*time.Millisecond, 30*time.Millisecond, zap.NewNop())

	suite.NoError(suite.mem.SetLatest(suite.ctx, bus.LatestTickKey("BTC-USDT"), `{"price": 100, "ts": 1735689600000}`))
	done := suite.run(src)

	events := suite.waitEvents(1)
	suite.Equal("BTC-USDT", events[0].Instrument)
	suite.Equal(100.0, events[0].Tick.LastPrice)

	// 时间戳不变时不重复发出
	time.Sleep(50 * time.Millisecond)
	suite.Len(suite.out.snapshot(), 1)

	suite.NoError(suite.mem.SetLatest(suite.ctx, bus.LatestTickKey("BTC-USDT"), `{"price": 101, "ts": 1735689601000}`))
	events = suite.waitEvents(2)
	suite.Equal(101.0, events[1].Tick.LastPrice)

	suite.Eventually(func() bool { return sub.attempts.Load() > 1 }, 2*time.Second, 5*time.Millisecond,
		"source keeps retrying the push subscription")

	suite.cancel()
	suite.NoError(<-done)
}

func (suite *SourceTestSuite) TestDroppedSubscriptionDegrades() {
	sub := &droppingSubscriber{}
	src := NewPubSubSource(sub, suite.mem, []string{"SOL-USDT"}, 5*time.Millisecond, time.Hour, zap.NewNop())
	suite.NoError(suite.mem.SetLatest(suite.ctx, bus.LatestTickKey("SOL-USDT"), `{"price": 150, "ts": 1735689600}`))

	done := suite.run(src)
	events := suite.waitEvents(1)
	suite.Equal("SOL-USDT", events[0].Instrument)
	suite.Equal(int32(1), sub.attempts.Load())

	suite.cancel()
	suite.NoError(<-done)
}

func (suite *SourceTestSuite) TestPollingWithoutSubscriber() {
	src := NewPubSubSource(nil, suite.mem, []string{"BTC-USDT"}, 5*time.Millisecond, 0, zap.NewNop())
	suite.NoError(suite.mem.SetLatest(suite.ctx, bus.LatestTickKey("BTC-USDT"), `{"price": 100, "ts": 1735689600}`))

	done := suite.run(src)
	suite.waitEvents(1)
	suite.cancel()
	suite.NoError(<-done)
}

func (suite *SourceTestSuite) TestSourceFunc() {
	src := SourceFunc(func(ctx context.Context, emit func(Event)) error {
		emit(Event{Kind: KindTick, Instrument: "BTC-USDT"})
		return nil
	})
	suite.NoError(src.Run(suite.ctx, suite.out.emit))
	suite.Len(suite.out.snapshot(), 1)
}

func (suite *SourceTestSuite) TestOkxParse() {
	src := NewOkxSource("ws://unused", []string{"BTC-USDT-SWAP"}, time.Second, zap.NewNop())

	suite.Nil(src.parse([]byte("pong")))
	suite.Nil(src.parse([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"}}`)))
	suite.Nil(src.parse([]byte(`{"event":"error","msg":"bad request"}`)))
	suite.Nil(src.parse([]byte(`garbage`)))
	suite.Nil(src.parse([]byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},"data":[{}]}`)))

	ticks := src.parse([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT-SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","last":"42000.5","lastSz":"0.1","ts":"1735689600123"},
		{"last":"bad","ts":"1735689600123"},
		{"last":"42001","ts":"1735689600456"}
	]}`))
	suite.Require().Len(ticks, 2)
	suite.Equal("BTC-USDT-SWAP", ticks[0].Instrument)
	suite.Equal(42000.5, ticks[0].LastPrice)
	suite.True(ticks[0].Timestamp.Equal(time.UnixMilli(1735689600123)))
	suite.Equal("BTC-USDT-SWAP", ticks[1].Instrument, "falls back to the arg instId")
}

func (suite *SourceTestSuite) TestOkxSession() {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"ETH-USDT-SWAP"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"tickers","instId":"ETH-USDT-SWAP"},"data":[{"instId":"ETH-USDT-SWAP","last":"2500","ts":"1735689600000"}]}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	src := NewOkxSource(wsURL, []string{"ETH-USDT-SWAP"}, 10*time.Millisecond, zap.NewNop())
	done := suite.run(src)

	select {
	case req := <-subscribed:
		suite.Equal("subscribe", req["op"])
		args, ok := req["args"].([]any)
		suite.Require().True(ok)
		suite.Len(args, 1)
	case <-time.After(2 * time.Second):
		suite.FailNow("no subscription request received")
	}

	events := suite.waitEvents(1)
	suite.Equal("ETH-USDT-SWAP", events[0].Instrument)
	suite.Equal(2500.0, events[0].Tick.LastPrice)

	suite.cancel()
	select {
	case err := <-done:
		suite.NoError(err)
	case <-time.After(2 * time.Second):
		suite.Fail("okx source did not stop")
	}
}
