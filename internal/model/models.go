package model

import (
	"time"
)

// Tick 代表最小粒度的市场数据（成交或价格快照）
type Tick struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	LastPrice  float64   `json:"last_price"`
	Volume     float64   `json:"volume"` // 0 表示价格快照，没有成交量
}

// Candle 代表聚合后的 K 线数据，收盘后不可变
type Candle struct {
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"` // 周期，例如 "1m", "15m", "1h"
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	StartAt    time.Time `json:"start_at"`
}

// Duration 解析 Timeframe，无法识别时返回 0
func (c Candle) Duration() time.Duration {
	d, err := ParseIntervalDuration(c.Timeframe)
	if err != nil {
		return 0
	}
	return d
}

// EndAt 返回 K 线周期结束的时间点（不含）
func (c Candle) EndAt() time.Time {
	return c.StartAt.Add(c.Duration())
}
