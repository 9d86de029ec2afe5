package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"

	"signal-trigger/internal/bus"
	"signal-trigger/internal/model"
)

var ErrMalformedPayload = errors.New("malformed payload")

// 大于这个值的数字时间戳按毫秒处理
const unixMilliThreshold = 1e12

// ParseTopic 解析 ticks:<instrument> 或 candles:<instrument>:<timeframe>
func ParseTopic(topic string) (kind EventKind, instrument, timeframe string, ok bool) {
	parts := strings.Split(topic, ":")
	switch {
	case len(parts) == 2 && parts[0] == bus.TicksPrefix && parts[1] != "":
		return KindTick, parts[1], "", true
	case len(parts) == 3 && parts[0] == bus.CandlesPrefix && parts[1] != "" && parts[2] != "":
		return KindCandle, parts[1], parts[2], true
	}
	return "", "", "", false
}

// DecodeMessage 把总线消息解码成事件
func DecodeMessage(msg bus.Message) (Event, error) {
	kind, instrument, timeframe, ok := ParseTopic(msg.Topic)
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown topic %q", ErrMalformedPayload, msg.Topic)
	}
	if kind == KindCandle {
		c, err := DecodeCandle(msg.Payload, instrument, timeframe)
		if err != nil {
			return Event{}, err
		}
		return CandleEvent(c), nil
	}
	t, err := DecodeTick(msg.Payload, instrument)
	if err != nil {
		return Event{}, err
	}
	return TickEvent(t), nil
}

// DecodeTick 解析 tick，价格可以是数字或字符串，时间戳支持 RFC3339 / 秒 / 毫秒
// instrument 来自主题或 Key，优先于 payload 中的字段
func DecodeTick(payload []byte, instrument string) (model.Tick, error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return model.Tick{}, err
	}

	t := model.Tick{Instrument: instrument}
	if t.Instrument == "" {
		t.Instrument = firstString(fields, "instrument", "instId", "inst_id", "symbol")
	}
	if t.Instrument == "" {
		return model.Tick{}, fmt.Errorf("%w: missing instrument", ErrMalformedPayload)
	}

	raw, ok := firstValue(fields, "last_price", "price", "last", "px")
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: missing price", ErrMalformedPayload)
	}
	if t.LastPrice, err = cast.ToFloat64E(raw); err != nil {
		return model.Tick{}, fmt.Errorf("%w: price: %v", ErrMalformedPayload, err)
	}
	if raw, ok := firstValue(fields, "volume", "sz", "vol"); ok {
		t.Volume = cast.ToFloat64(raw)
	}

	tsRaw, ok := firstValue(fields, "timestamp", "ts", "time")
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	if t.Timestamp, err = ParseTimestamp(tsRaw); err != nil {
		return model.Tick{}, err
	}
	return t, nil
}

// DecodeCandle 解析 K 线
func DecodeCandle(payload []byte, instrument, timeframe string) (model.Candle, error) {
	fields, err := decodeFields(payload)
	if err != nil {
		return model.Candle{}, err
	}

	c := model.Candle{Instrument: instrument, Timeframe: timeframe}
	if c.Instrument == "" {
		c.Instrument = firstString(fields, "instrument", "instId", "symbol")
	}
	if c.Timeframe == "" {
		c.Timeframe = firstString(fields, "timeframe", "interval")
	}
	if c.Instrument == "" {
		return model.Candle{}, fmt.Errorf("%w: missing instrument", ErrMalformedPayload)
	}

	for key, dst := range map[string]*float64{"open": &c.Open, "high": &c.High, "low": &c.Low, "close": &c.Close} {
		raw, ok := fields[key]
		if !ok {
			return model.Candle{}, fmt.Errorf("%w: missing %s", ErrMalformedPayload, key)
		}
		if *dst, err = cast.ToFloat64E(raw); err != nil {
			return model.Candle{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, key, err)
		}
	}
	if raw, ok := fields["volume"]; ok {
		c.Volume = cast.ToFloat64(raw)
	}

	tsRaw, ok := firstValue(fields, "start_at", "timestamp", "ts")
	if !ok {
		return model.Candle{}, fmt.Errorf("%w: missing start_at", ErrMalformedPayload)
	}
	if c.StartAt, err = ParseTimestamp(tsRaw); err != nil {
		return model.Candle{}, err
	}
	return c, nil
}

// ParseTimestamp 支持 RFC3339 字符串、Unix 秒和 Unix 毫秒（数字或数字字符串）
func ParseTimestamp(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %v", ErrMalformedPayload, v)
	}
	if f > unixMilliThreshold {
		return time.UnixMilli(int64(f)), nil
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)), nil
}

func decodeFields(payload []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return fields, nil
}

func firstValue(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func firstString(fields map[string]any, keys ...string) string {
	if v, ok := firstValue(fields, keys...); ok {
		return cast.ToString(v)
	}
	return ""
}
