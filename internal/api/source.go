package api

import (
	"context"

	"signal-trigger/internal/model"
)

type EventKind string

const (
	KindTick   EventKind = "tick"
	KindCandle EventKind = "candle"
)

// Event 来源推送给 Bridge 的行情事件
type Event struct {
	Kind       EventKind
	Instrument string
	Tick       model.Tick
	Candle     model.Candle
}

func TickEvent(t model.Tick) Event {
	return Event{Kind: KindTick, Instrument: t.Instrument, Tick: t}
}

func CandleEvent(c model.Candle) Event {
	return Event{Kind: KindCandle, Instrument: c.Instrument, Candle: c}
}

// Source 行情来源，Run 阻塞直到 ctx 结束
// emit 可能阻塞（Bridge 队列满时），这正是背压的来源
type Source interface {
	Run(ctx context.Context, emit func(Event)) error
}

// SourceFunc 把普通函数适配成 Source
type SourceFunc func(ctx context.Context, emit func(Event)) error

func (f SourceFunc) Run(ctx context.Context, emit func(Event)) error {
	return f(ctx, emit)
}
