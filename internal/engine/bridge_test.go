package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"signal-trigger/internal/api"
	"signal-trigger/internal/executor"
	"signal-trigger/internal/model"
	"signal-trigger/internal/service"
)

// fakeIndicators 记录每个品种收到的价格顺序，价格为负时 panic
type fakeIndicators struct {
	mu     sync.Mutex
	prices map[string][]float64
}

func (f *fakeIndicators) record(instrument string, price float64) optional.Option[model.Snapshot] {
	if price < 0 {
		panic("negative price")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = append(f.prices[instrument], price)
	return optional.Some(model.Snapshot{Instrument: instrument, CurrentPrice: price, Values: map[string]float64{"close": price}})
}

func (f *fakeIndicators) UpdateTick(t model.Tick) optional.Option[model.Snapshot] {
	if t.LastPrice == 0 {
		return optional.None[model.Snapshot]()
	}
	return f.record(t.Instrument, t.LastPrice)
}

func (f *fakeIndicators) UpdateCandle(c model.Candle) optional.Option[model.Snapshot] {
	return f.record(c.Instrument, c.Close)
}

func (f *fakeIndicators) seen(instrument string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.prices[instrument]...)
}

// thresholdEvaluator 价格超过 1000 时产生一个触发事件
type thresholdEvaluator struct{}

func (thresholdEvaluator) Evaluate(ctx context.Context, instrument string, snap model.Snapshot) []model.TriggerEvent {
	if snap.CurrentPrice <= 1000 {
		return nil
	}
	return []model.TriggerEvent{{ConditionID: "big", Instrument: instrument, Action: model.ActionSell, CurrentPrice: snap.CurrentPrice}}
}

type countingDispatcher struct {
	mu     sync.Mutex
	events []model.TriggerEvent
}

func (d *countingDispatcher) Dispatch(ctx context.Context, ev model.TriggerEvent) executor.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return executor.Result{Claimed: true}
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type BridgeTestSuite struct {
	suite.Suite
	indicators *fakeIndicators
	dispatcher *countingDispatcher
	metrics    *service.Metrics
	bridge     *Bridge
	ctx        context.Context
	cancel     context.CancelFunc
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (suite *BridgeTestSuite) SetupTest() {
	suite.indicators = &fakeIndicators{prices: make(map[string][]float64)}
	suite.dispatcher = &countingDispatcher{}
	suite.metrics = service.NewMetrics()
	suite.bridge = NewBridge(suite.indicators, thresholdEvaluator{}, suite.dispatcher, suite.metrics, 8, zap.NewNop())
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
}

func (suite *BridgeTestSuite) TearDownTest() {
	suite.bridge.Stop()
	suite.cancel()
}

func (suite *BridgeTestSuite) tick(price float64) model.Tick {
	return model.Tick{Timestamp: time.Now(), LastPrice: price, Instrument: "ignored"}
}

func (suite *BridgeTestSuite) TestLifecycleErrors() {
	suite.ErrorIs(suite.bridge.OnTick("BTC-USDT", suite.tick(1)), ErrBridgeNotStarted)

	suite.Require().NoError(suite.bridge.Start(suite.ctx))
	suite.NoError(suite.bridge.Start(suite.ctx))
	suite.NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(1)))

	suite.bridge.Stop()
	suite.bridge.Stop()
	suite.ErrorIs(suite.bridge.OnTick("BTC-USDT", suite.tick(1)), ErrBridgeStopped)
	suite.ErrorIs(suite.bridge.OnCandle("BTC-USDT", model.Candle{Close: 1}), ErrBridgeStopped)
	suite.ErrorIs(suite.bridge.Start(suite.ctx), ErrBridgeStopped)
}

func (suite *BridgeTestSuite) TestPerInstrumentOrdering() {
	suite.Require().NoError(suite.bridge.Start(suite.ctx))

	var want []float64
	for i := 1; i <= 200; i++ {
		p := float64(i)
		want = append(want, p)
		suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(p)))
		suite.Require().NoError(suite.bridge.OnCandle("ETH-USDT", model.Candle{Close: p}))
	}

	suite.Eventually(func() bool {
		return len(suite.indicators.seen("BTC-USDT")) == 200 && len(suite.indicators.seen("ETH-USDT")) == 200
	}, 3*time.Second, 5*time.Millisecond)
	suite.Equal(want, suite.indicators.seen("BTC-USDT"))
	suite.Equal(want, suite.indicators.seen("ETH-USDT"))
	suite.Empty(suite.indicators.seen("ignored"), "instrument argument overrides the payload")

	stats := suite.bridge.Stats()
	suite.Equal(uint64(200), stats.TicksProcessed)
	suite.Equal(uint64(200), stats.CandlesProcessed)
	suite.Equal(uint64(400), stats.EventsProcessed())
	suite.Equal(2, stats.Workers)
	suite.Equal(200.0, testutil.ToFloat64(suite.metrics.EventsProcessed.WithLabelValues("BTC-USDT", "tick")))
	suite.Equal(200.0, testutil.ToFloat64(suite.metrics.EventsProcessed.WithLabelValues("ETH-USDT", "candle")))
}

func (suite *BridgeTestSuite) TestTriggersAreDispatched() {
	suite.Require().NoError(suite.bridge.Start(suite.ctx))
	suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(999)))
	suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(1001)))

	suite.Eventually(func() bool { return suite.bridge.Stats().TriggersFired == 1 }, 2*time.Second, 5*time.Millisecond)
	suite.Equal(1, suite.dispatcher.count())
	suite.Equal(1.0, testutil.ToFloat64(suite.metrics.TriggersFired.WithLabelValues("BTC-USDT", "SELL")))
}

func (suite *BridgeTestSuite) TestObserversAndNoneSnapshots() {
	var (
		mu    sync.Mutex
		snaps []model.Snapshot
	)
	suite.bridge.AddSnapshotObserver(func(s model.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})
	suite.Require().NoError(suite.bridge.Start(suite.ctx))

	suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(0)))
	suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(5)))

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1
	}, 2*time.Second, 5*time.Millisecond)
	suite.Eventually(func() bool { return suite.bridge.Stats().TicksProcessed == 2 }, 2*time.Second, 5*time.Millisecond)
}

func (suite *BridgeTestSuite) TestPanicDoesNotKillWorker() {
	suite.Require().NoError(suite.bridge.Start(suite.ctx))
	suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(-1)))
	suite.Require().NoError(suite.bridge.OnTick("BTC-USDT", suite.tick(7)))

	suite.Eventually(func() bool { return len(suite.indicators.seen("BTC-USDT")) == 1 }, 2*time.Second, 5*time.Millisecond)
	suite.Equal([]float64{7}, suite.indicators.seen("BTC-USDT"))
}

func (suite *BridgeTestSuite) TestEmit() {
	suite.Require().NoError(suite.bridge.Start(suite.ctx))
	suite.bridge.Emit(api.TickEvent(model.Tick{Instrument: "SOL-USDT", LastPrice: 3, Timestamp: time.Now()}))
	suite.bridge.Emit(api.CandleEvent(model.Candle{Instrument: "SOL-USDT", Close: 4}))

	suite.Eventually(func() bool { return len(suite.indicators.seen("SOL-USDT")) == 2 }, 2*time.Second, 5*time.Millisecond)
	suite.Equal([]float64{3, 4}, suite.indicators.seen("SOL-USDT"))

	suite.bridge.Stop()
	suite.NotPanics(func() { suite.bridge.Emit(api.TickEvent(model.Tick{Instrument: "SOL-USDT", LastPrice: 5})) })
}

func (suite *BridgeTestSuite) TestBackPressureUnblocksOnStop() {
	block := make(chan struct{})
	suite.bridge.AddSnapshotObserver(func(model.Snapshot) { <-block })
	suite.Require().NoError(suite.bridge.Start(suite.ctx))

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 100 && err == nil; i++ {
			err = suite.bridge.OnTick("BTC-USDT", suite.tick(float64(i+1)))
		}
		done <- err
	}()

	select {
	case <-done:
		suite.Fail("producer should block once the queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	// worker 阻塞在观察者里，Stop 取消 ctx 后生产者应该立即返回
	go suite.bridge.Stop()
	select {
	case err := <-done:
		suite.ErrorIs(err, ErrBridgeStopped)
	case <-time.After(2 * time.Second):
		suite.Fail("producer still blocked after stop")
	}
	close(block)
}
