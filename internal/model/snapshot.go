package model

import (
	"math"
	"time"

	"github.com/moznion/go-optional"
)

// Snapshot 是某个品种最新的一组指标值，每次更新都会生成新的实例
type Snapshot struct {
	Instrument   string             `json:"instrument"`
	Timestamp    time.Time          `json:"timestamp"`
	CurrentPrice float64            `json:"current_price"`
	Values       map[string]float64 `json:"indicators"`
}

// Get 读取指标值，缺失或非有限值都视为 None
func (s Snapshot) Get(name string) optional.Option[float64] {
	v, ok := s.Values[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return optional.None[float64]()
	}
	return optional.Some(v)
}

// Clone 返回值的深拷贝，调用方可以放心持有
func (s Snapshot) Clone() Snapshot {
	values := make(map[string]float64, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	s.Values = values
	return s
}
