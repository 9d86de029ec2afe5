package executor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-trigger/internal/model"
)

// Direction 持仓方向
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
	DirFlat  Direction = "FLAT"
)

// PaperConfig 纸面执行器配置
type PaperConfig struct {
	InitialCapital float64 // 初始资金
	Leverage       float64 // 杠杆倍数 (例如 10)
	FeeRate        float64 // 交易手续费率 (例如 0.0005)
}

// Position 单个品种的净持仓
type Position struct {
	Instrument       string
	Side             Direction
	Size             float64 // 持仓数量，始终为正
	AvgPrice         float64
	LiquidationPrice float64
	StopLossPrice    float64 // 由触发事件给出
	TakeProfitPrice  float64
	Margin           float64 // 占用保证金
	UPL              float64 // 未实现盈亏
	EntryTime        time.Time
	EntryFee         float64
}

// TradeRecord 已平仓的交易记录
type TradeRecord struct {
	EntryTime     time.Time
	ExitTime      time.Time
	Instrument    string
	Side          Direction
	EntryPrice    float64
	ExitPrice     float64
	Size          float64
	RealizedPnL   float64
	Fee           float64 // 开仓 + 平仓手续费
	TriggerReason string  // "Signal", "SL", "TP", "Liquidation"
	ConditionID   string
}

// PaperExecutor 在内存账户中模拟成交，作为默认的执行回调
// 以触发时的价格成交，每个品种维护一个净持仓
type PaperExecutor struct {
	cfg    PaperConfig
	logger *zap.Logger

	mu        sync.RWMutex
	balance   float64 // 可用余额（不含占用保证金）
	maxEquity float64
	positions map[string]*Position
	lastPrice map[string]float64
	trades    []TradeRecord
}

func NewPaperExecutor(cfg PaperConfig, logger *zap.Logger) *PaperExecutor {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &PaperExecutor{
		cfg:       cfg,
		logger:    logger,
		balance:   cfg.InitialCapital,
		maxEquity: cfg.InitialCapital,
		positions: make(map[string]*Position),
		lastPrice: make(map[string]float64),
	}
}

// Execute 模拟下单：BUY 增加多头 / 减少空头，SELL 反之
func (e *PaperExecutor) Execute(ctx context.Context, ev model.TriggerEvent) (bool, string) {
	price := ev.CurrentPrice
	size := ev.PositionSize
	if price <= 0 || math.IsNaN(price) {
		return false, fmt.Sprintf("invalid fill price %.8f", price)
	}
	if size <= 0 {
		return false, "position size must be positive"
	}

	side := DirLong
	if ev.Action == model.ActionSell {
		side = DirShort
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastPrice[ev.Instrument] = price
	pos := e.positions[ev.Instrument]

	// 反向信号先平掉已有仓位
	if pos != nil && pos.Side != side {
		closeQty := math.Min(size, pos.Size)
		e.closeLocked(pos, closeQty, price, ev.TriggeredAt, "Signal", ev.ConditionID)
		size -= closeQty
		if size <= 0 {
			e.updateEquityLocked()
			return true, fmt.Sprintf("closed %.8f %s @ %.8f", closeQty, ev.Instrument, price)
		}
		pos = e.positions[ev.Instrument]
	}

	requiredMargin := size * price / e.cfg.Leverage
	fee := size * price * e.cfg.FeeRate
	if e.balance < requiredMargin+fee {
		e.logger.Info("Paper order rejected: insufficient margin",
			zap.String("instrument", ev.Instrument),
			zap.Float64("required", requiredMargin+fee),
			zap.Float64("balance", e.balance))
		return false, fmt.Sprintf("insufficient margin: need %.4f, have %.4f", requiredMargin+fee, e.balance)
	}
	e.balance -= requiredMargin + fee

	if pos == nil {
		pos = &Position{Instrument: ev.Instrument, Side: side, EntryTime: ev.TriggeredAt}
		e.positions[ev.Instrument] = pos
	}
	pos.AvgPrice = (pos.AvgPrice*pos.Size + price*size) / (pos.Size + size)
	pos.Size += size
	pos.Margin += requiredMargin
	pos.EntryFee += fee
	pos.LiquidationPrice = liquidationPrice(pos.AvgPrice, side, e.cfg.Leverage)
	if ev.StopLoss != nil {
		pos.StopLossPrice = *ev.StopLoss
	}
	if ev.TakeProfit != nil {
		pos.TakeProfitPrice = *ev.TakeProfit
	}
	e.updateEquityLocked()

	e.logger.Info("Paper order filled",
		zap.String("instrument", ev.Instrument),
		zap.String("side", string(side)),
		zap.Float64("size", size),
		zap.Float64("price", price),
		zap.Float64("fee", fee),
		zap.Float64("liquidation", pos.LiquidationPrice))
	return true, fmt.Sprintf("filled %s %.8f %s @ %.8f", side, size, ev.Instrument, price)
}

// OnSnapshot 用最新价格做逐笔盯市，检查止损、止盈和强平
func (e *PaperExecutor) OnSnapshot(snap model.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := snap.CurrentPrice
	e.lastPrice[snap.Instrument] = price

	if pos := e.positions[snap.Instrument]; pos != nil {
		var reason string
		switch {
		case checkLiquidation(pos, price):
			reason = "Liquidation"
		case checkStopLoss(pos, price):
			reason = "SL"
		case checkTakeProfit(pos, price):
			reason = "TP"
		}
		if reason != "" {
			e.closeLocked(pos, pos.Size, price, snap.Timestamp, reason, "")
		}
	}

	e.updateEquityLocked()
}

// closeLocked 平掉 qty 数量的仓位并结算，调用方持有 mu
func (e *PaperExecutor) closeLocked(pos *Position, qty, price float64, at time.Time, reason, conditionID string) {
	ratio := qty / pos.Size
	pnl := closedPnL(pos, qty, price)
	closeFee := qty * price * e.cfg.FeeRate
	margin := pos.Margin * ratio
	entryFee := pos.EntryFee * ratio

	e.trades = append(e.trades, TradeRecord{
		EntryTime:     pos.EntryTime,
		ExitTime:      at,
		Instrument:    pos.Instrument,
		Side:          pos.Side,
		EntryPrice:    pos.AvgPrice,
		ExitPrice:     price,
		Size:          qty,
		RealizedPnL:   pnl,
		Fee:           entryFee + closeFee,
		TriggerReason: reason,
		ConditionID:   conditionID,
	})

	e.balance += margin + pnl - closeFee
	pos.Size -= qty
	pos.Margin -= margin
	pos.EntryFee -= entryFee

	e.logger.Info("Paper position closed",
		zap.String("instrument", pos.Instrument),
		zap.String("reason", reason),
		zap.Float64("size", qty),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
		zap.Float64("balance", e.balance))

	if pos.Size <= 1e-12 {
		delete(e.positions, pos.Instrument)
	}
}

// updateEquityLocked 计算浮动盈亏并更新最高净值
func (e *PaperExecutor) updateEquityLocked() {
	equity := e.equityLocked()
	if equity > e.maxEquity {
		e.maxEquity = equity
	}
}

func (e *PaperExecutor) equityLocked() float64 {
	equity := e.balance
	for inst, pos := range e.positions {
		price, ok := e.lastPrice[inst]
		if !ok {
			price = pos.AvgPrice
		}
		pos.UPL = closedPnL(pos, pos.Size, price)
		equity += pos.Margin + pos.UPL
	}
	return equity
}

// Balance 可用余额
func (e *PaperExecutor) Balance() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// Equity 账户净值 = 余额 + 占用保证金 + 浮动盈亏
func (e *PaperExecutor) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// GetMaxEquity 返回账户历史上的最高净值
func (e *PaperExecutor) GetMaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}

// Position 返回品种当前持仓，空仓时 Side 为 FLAT
func (e *PaperExecutor) Position(instrument string) Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if pos, ok := e.positions[instrument]; ok {
		return *pos
	}
	return Position{Instrument: instrument, Side: DirFlat}
}

// Positions 返回所有非空持仓，按品种排序
func (e *PaperExecutor) Positions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// GetTradeHistory 返回已平仓记录的副本
func (e *PaperExecutor) GetTradeHistory() []TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TradeRecord, len(e.trades))
	copy(out, e.trades)
	return out
}

// liquidationPrice 简化模型：初始保证金率 = 1 / 杠杆，忽略维持保证金
func liquidationPrice(avgPrice float64, side Direction, leverage float64) float64 {
	if leverage <= 1 || side == DirFlat {
		return 0
	}
	marginRatio := 1.0 / leverage
	if side == DirLong {
		return avgPrice * (1.0 - marginRatio)
	}
	return avgPrice * (1.0 + marginRatio)
}

func closedPnL(pos *Position, qty, price float64) float64 {
	if pos.Side == DirLong {
		return (price - pos.AvgPrice) * qty
	}
	return (pos.AvgPrice - price) * qty
}

func checkStopLoss(pos *Position, price float64) bool {
	if pos.StopLossPrice == 0 {
		return false
	}
	if pos.Side == DirLong {
		return price <= pos.StopLossPrice
	}
	return price >= pos.StopLossPrice
}

func checkTakeProfit(pos *Position, price float64) bool {
	if pos.TakeProfitPrice == 0 {
		return false
	}
	if pos.Side == DirLong {
		return price >= pos.TakeProfitPrice
	}
	return price <= pos.TakeProfitPrice
}

func checkLiquidation(pos *Position, price float64) bool {
	if pos.LiquidationPrice == 0 {
		return false
	}
	if pos.Side == DirLong {
		return price <= pos.LiquidationPrice
	}
	return price >= pos.LiquidationPrice
}
