package ta

import (
	"math"

	"github.com/markcheno/go-talib"

	"signal-trigger/internal/model"
)

// 指标名称，条件通过这些名称引用指标
const (
	Close          = "close"
	Volume         = "volume"
	PriceChangePct = "price_change_pct"
	SMA20          = "sma_20"
	SMA50          = "sma_50"
	SMA200         = "sma_200"
	EMA12          = "ema_12"
	EMA26          = "ema_26"
	EMA50          = "ema_50"
	RSI14          = "rsi_14"
	MACD           = "macd"
	MACDSignal     = "macd_signal"
	MACDHist       = "macd_hist"
	BBUpper        = "bb_upper"
	BBMiddle       = "bb_middle"
	BBLower        = "bb_lower"
	BBWidth        = "bb_width"
	ATR14          = "atr_14"
	ADX14          = "adx_14"
	PlusDI14       = "plus_di_14"
	MinusDI14      = "minus_di_14"
	StochK         = "stoch_k"
	StochD         = "stoch_d"
	CCI20          = "cci_20"
	WillR14        = "willr_14"
	MFI14          = "mfi_14"
	OBV            = "obv"
	ROC10          = "roc_10"
	MOM10          = "mom_10"
	VolumeSMA20    = "volume_sma_20"
)

// 各指标需要的最少 K 线数量，不足时该指标不出现在快照里
const (
	minMACD  = 35 // 26 + 9
	minBB    = 20
	minStoch = 20 // 14 + 3 + 3
	minCCI   = 20
	minWillR = 14
)

type ohlcv struct {
	open, high, low, close, volume []float64
}

func toSeries(bars []model.Candle) ohlcv {
	s := ohlcv{
		open:   make([]float64, len(bars)),
		high:   make([]float64, len(bars)),
		low:    make([]float64, len(bars)),
		close:  make([]float64, len(bars)),
		volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		s.open[i] = b.Open
		s.high[i] = b.High
		s.low[i] = b.Low
		s.close[i] = b.Close
		s.volume[i] = b.Volume
	}
	return s
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}

// calculate 基于完整窗口重新计算所有指标
// 非有限值（NaN/Inf）直接丢弃，评估时按缺失处理
func calculate(bars []model.Candle) map[string]float64 {
	s := toSeries(bars)
	n := len(s.close)
	values := make(map[string]float64, 32)
	set := func(name string, v float64) {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			values[name] = v
		}
	}
	if n == 0 {
		return values
	}

	set(Close, last(s.close))
	set(Volume, last(s.volume))
	if n >= 2 && s.close[n-2] != 0 {
		set(PriceChangePct, (s.close[n-1]-s.close[n-2])/s.close[n-2]*100)
	}

	// --- 均线 ---
	for name, period := range map[string]int{SMA20: 20, SMA50: 50, SMA200: 200} {
		if n >= period {
			set(name, last(talib.Sma(s.close, period)))
		}
	}
	for name, period := range map[string]int{EMA12: 12, EMA26: 26, EMA50: 50} {
		if n >= period {
			set(name, last(talib.Ema(s.close, period)))
		}
	}
	if n >= 20 {
		set(VolumeSMA20, last(talib.Sma(s.volume, 20)))
	}

	// --- 震荡指标 ---
	if n >= 14+1 {
		set(RSI14, last(talib.Rsi(s.close, 14)))
		set(ATR14, last(talib.Atr(s.high, s.low, s.close, 14)))
		set(PlusDI14, last(talib.PlusDI(s.high, s.low, s.close, 14)))
		set(MinusDI14, last(talib.MinusDI(s.high, s.low, s.close, 14)))
		set(MFI14, last(talib.Mfi(s.high, s.low, s.close, s.volume, 14)))
	}
	if n >= 2*14+1 {
		set(ADX14, last(talib.Adx(s.high, s.low, s.close, 14)))
	}
	if n >= minMACD {
		macd, signal, hist := talib.Macd(s.close, 12, 26, 9)
		set(MACD, last(macd))
		set(MACDSignal, last(signal))
		set(MACDHist, last(hist))
	}
	if n >= minStoch {
		k, d := talib.Stoch(s.high, s.low, s.close, 14, 3, talib.SMA, 3, talib.SMA)
		set(StochK, last(k))
		set(StochD, last(d))
	}
	if n >= minCCI {
		set(CCI20, last(talib.Cci(s.high, s.low, s.close, 20)))
	}
	if n >= minWillR {
		set(WillR14, last(talib.WillR(s.high, s.low, s.close, 14)))
	}
	if n >= 10+1 {
		set(ROC10, last(talib.Roc(s.close, 10)))
		set(MOM10, last(talib.Mom(s.close, 10)))
	}

	// --- 布林带 (BBands 20, 2) ---
	if n >= minBB {
		up, mid, dn := talib.BBands(s.close, 20, 2, 2, talib.SMA)
		u, m, l := last(up), last(mid), last(dn)
		set(BBUpper, u)
		set(BBMiddle, m)
		set(BBLower, l)
		if m != 0 {
			set(BBWidth, (u-l)/m)
		}
	}

	// --- 成交量 ---
	set(OBV, last(talib.Obv(s.close, s.volume)))

	return values
}
