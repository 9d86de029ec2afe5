package strategy

import (
	"math"

	"signal-trigger/internal/model"
)

const DefaultEqualEpsilon = 0.01

// compare 比较运算符，== 使用容差而不是精确相等
func compare(op model.Operator, current, threshold, epsilon float64) bool {
	switch op {
	case model.OpGreater:
		return current > threshold
	case model.OpLess:
		return current < threshold
	case model.OpGreaterEqual:
		return current >= threshold
	case model.OpLessEqual:
		return current <= threshold
	case model.OpEqual:
		return math.Abs(current-threshold) <= epsilon
	}
	return false
}

// crossed 穿越判断：必须存在上一次的值，并且本次越过了阈值
func crossed(op model.Operator, previous *float64, current, threshold float64) bool {
	if previous == nil {
		return false
	}
	switch op {
	case model.OpCrossesAbove:
		return *previous <= threshold && current > threshold
	case model.OpCrossesBelow:
		return *previous >= threshold && current < threshold
	}
	return false
}
