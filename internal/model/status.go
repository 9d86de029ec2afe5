package model

import "fmt"

// Status 信号文档的生命周期状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusTriggered Status = "triggered"
	StatusExecuted  Status = "executed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// 状态只能前进：pending -> {triggered|expired|cancelled} -> executed
// executed 只能由 triggered 到达
var transitions = map[Status][]Status{
	StatusTriggered: {StatusPending},
	StatusExpired:   {StatusPending},
	StatusCancelled: {StatusPending},
	StatusExecuted:  {StatusTriggered},
}

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusTriggered, StatusExecuted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Predecessors 返回允许迁移到 to 的前置状态
func Predecessors(to Status) []Status {
	return transitions[to]
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to Status) bool {
	for _, p := range transitions[to] {
		if p == from {
			return true
		}
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
