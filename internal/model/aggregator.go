package model

import (
	"math"
	"time"
)

// OpenCandle 以 tick 为基准开启一根新的 K 线
// 开盘价取上一根 K 线的收盘价，没有上一根时取 tick 价格
func OpenCandle(tick Tick, interval time.Duration, prevClose float64) Candle {
	open := prevClose
	if open <= 0 {
		open = tick.LastPrice
	}
	c := Candle{
		Instrument: tick.Instrument,
		Timeframe:  FormatInterval(interval),
		Open:       open,
		High:       math.Max(open, tick.LastPrice),
		Low:        math.Min(open, tick.LastPrice),
		Close:      tick.LastPrice,
		Volume:     tick.Volume,
		StartAt:    tick.Timestamp.Truncate(interval),
	}
	return c
}

// Fold 把 tick 聚合进当前 K 线 (High/Low/Close/Volume)
func (c Candle) Fold(tick Tick) Candle {
	c.Close = tick.LastPrice // 最后一个 tick 的价格作为收盘价
	c.High = math.Max(c.High, tick.LastPrice)
	c.Low = math.Min(c.Low, tick.LastPrice)
	c.Volume += tick.Volume
	return c
}

// Contains 判断 tick 是否落在这根 K 线的周期内
func (c Candle) Contains(ts time.Time) bool {
	return !ts.Before(c.StartAt) && ts.Before(c.EndAt())
}
