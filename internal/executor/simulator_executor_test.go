package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"signal-trigger/internal/model"
)

type PaperExecutorTestSuite struct {
	suite.Suite
	paper *PaperExecutor
	ctx   context.Context
	at    time.Time
}

func TestPaperExecutorSuite(t *testing.T) {
	suite.Run(t, new(PaperExecutorTestSuite))
}

func (suite *PaperExecutorTestSuite) SetupTest() {
	suite.paper = NewPaperExecutor(PaperConfig{InitialCapital: 10000, Leverage: 10, FeeRate: 0.001}, zap.NewNop())
	suite.ctx = context.Background()
	suite.at = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
}

func (suite *PaperExecutorTestSuite) event(action model.Action, price, size float64) model.TriggerEvent {
	return model.TriggerEvent{
		ConditionID:  "c-" + string(action),
		Instrument:   "BTC-USDT",
		Action:       action,
		TriggeredAt:  suite.at,
		CurrentPrice: price,
		PositionSize: size,
	}
}

func (suite *PaperExecutorTestSuite) TestOpenLong() {
	ok, msg := suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 100, 1))
	suite.True(ok)
	suite.Contains(msg, "filled LONG")

	pos := suite.paper.Position("BTC-USDT")
	suite.Equal(DirLong, pos.Side)
	suite.Equal(1.0, pos.Size)
	suite.Equal(100.0, pos.AvgPrice)
	suite.InDelta(90.0, pos.LiquidationPrice, 1e-9)
	suite.InDelta(10000-10-0.1, suite.paper.Balance(), 1e-9)
	suite.InDelta(10000-0.1, suite.paper.Equity(), 1e-9)
}

func (suite *PaperExecutorTestSuite) TestRejectsBadInput() {
	ok, _ := suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 0, 1))
	suite.False(ok)
	ok, _ = suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 100, 0))
	suite.False(ok)
	suite.Empty(suite.paper.Positions())
}

func (suite *PaperExecutorTestSuite) TestInsufficientMargin() {
	ok, msg := suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 100, 1000))
	suite.False(ok)
	suite.Contains(msg, "insufficient margin")
	suite.Equal(10000.0, suite.paper.Balance())
	suite.Equal(DirFlat, suite.paper.Position("BTC-USDT").Side)
}

func (suite *PaperExecutorTestSuite) TestOppositeSignalCloses() {
	suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 100, 1))
	ok, msg := suite.paper.Execute(suite.ctx, suite.event(model.ActionSell, 110, 1))
	suite.True(ok)
	suite.Contains(msg, "closed")
	suite.Equal(DirFlat, suite.paper.Position("BTC-USDT").Side)

	trades := suite.paper.GetTradeHistory()
	suite.Require().Len(trades, 1)
	suite.Equal("Signal", trades[0].TriggerReason)
	suite.InDelta(10.0, trades[0].RealizedPnL, 1e-9)
	suite.InDelta(0.1+0.11, trades[0].Fee, 1e-9)
	suite.InDelta(10000-0.1+10-0.11, suite.paper.Balance(), 1e-9)
	suite.InDelta(10000-0.1+10-0.11, suite.paper.GetMaxEquity(), 1e-9)
}

func (suite *PaperExecutorTestSuite) TestReverseOpensRemainder() {
	suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 100, 1))
	ok, msg := suite.paper.Execute(suite.ctx, suite.event(model.ActionSell, 100, 3))
	suite.True(ok)
	suite.Contains(msg, "filled SHORT")

	pos := suite.paper.Position("BTC-USDT")
	suite.Equal(DirShort, pos.Side)
	suite.Equal(2.0, pos.Size)
	suite.InDelta(110.0, pos.LiquidationPrice, 1e-9)
	suite.Len(suite.paper.GetTradeHistory(), 1)
}

func (suite *PaperExecutorTestSuite) TestStopLossAndTakeProfit() {
	tests := []struct {
		name   string
		action model.Action
		sl, tp float64
		price  float64
		reason string
	}{
		{"long stop loss", model.ActionBuy, 95, 120, 94, "SL"},
		{"long take profit", model.ActionBuy, 95, 120, 121, "TP"},
		{"long liquidation first", model.ActionBuy, 95, 120, 89, "Liquidation"},
		{"short stop loss", model.ActionSell, 105, 80, 106, "SL"},
		{"short take profit", model.ActionSell, 105, 80, 79, "TP"},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.SetupTest()
			ev := suite.event(tt.action, 100, 1)
			ev.StopLoss = model.Float(tt.sl)
			ev.TakeProfit = model.Float(tt.tp)
			ok, _ := suite.paper.Execute(suite.ctx, ev)
			suite.Require().True(ok)

			suite.paper.OnSnapshot(model.Snapshot{Instrument: "BTC-USDT", CurrentPrice: 100, Timestamp: suite.at})
			suite.Empty(suite.paper.GetTradeHistory())

			suite.paper.OnSnapshot(model.Snapshot{Instrument: "BTC-USDT", CurrentPrice: tt.price, Timestamp: suite.at.Add(time.Minute)})
			trades := suite.paper.GetTradeHistory()
			suite.Require().Len(trades, 1)
			suite.Equal(tt.reason, trades[0].TriggerReason)
			suite.Equal(DirFlat, suite.paper.Position("BTC-USDT").Side)
		})
	}
}

func (suite *PaperExecutorTestSuite) TestEquityMarksToMarket() {
	suite.paper.Execute(suite.ctx, suite.event(model.ActionBuy, 100, 1))
	suite.paper.OnSnapshot(model.Snapshot{Instrument: "BTC-USDT", CurrentPrice: 105})
	suite.InDelta(10000-0.1+5, suite.paper.Equity(), 1e-9)
	suite.InDelta(10000-0.1+5, suite.paper.GetMaxEquity(), 1e-9)
	suite.InDelta(5.0, suite.paper.Position("BTC-USDT").UPL, 1e-9)
}

func (suite *PaperExecutorTestSuite) TestFuncAdapter() {
	cb := Func(suite.paper)
	ok, _ := cb(suite.ctx, suite.event(model.ActionSell, 50, 2))
	suite.True(ok)
	suite.Len(suite.paper.Positions(), 1)
}
