package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidCondition = errors.New("invalid condition")
	ErrUnknownOperator  = errors.New("unknown operator")
)

// Operator 条件运算符
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpCrossesAbove Operator = "crosses_above"
	OpCrossesBelow Operator = "crosses_below"
)

// 分析流水线常用的别名
var operatorAliases = map[string]Operator{
	">":             OpGreater,
	"gt":            OpGreater,
	"<":             OpLess,
	"lt":            OpLess,
	">=":            OpGreaterEqual,
	"gte":           OpGreaterEqual,
	"<=":            OpLessEqual,
	"lte":           OpLessEqual,
	"==":            OpEqual,
	"eq":            OpEqual,
	"crosses_above": OpCrossesAbove,
	"crosses_below": OpCrossesBelow,
}

func ParseOperator(s string) (Operator, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
	}
	return op, nil
}

func (o Operator) Valid() bool {
	_, err := ParseOperator(string(o))
	return err == nil && operatorAliases[string(o)] == o
}

// IsCross 穿越类运算符需要记住上一次的指标值
func (o Operator) IsCross() bool {
	return o == OpCrossesAbove || o == OpCrossesBelow
}

func (o *Operator) UnmarshalText(b []byte) error {
	op, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Action 触发后的交易方向
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Term 附加条件，与主条件之间是 AND 关系，不支持穿越运算符
type Term struct {
	IndicatorName string   `json:"indicator_name" validate:"required"`
	Operator      Operator `json:"operator" validate:"comparison"`
	Threshold     float64  `json:"threshold" validate:"finite"`
}

// Condition 分析流水线注册的条件触发器
type Condition struct {
	ConditionID          string     `json:"condition_id" validate:"required,max=64"`
	Instrument           string     `json:"instrument" validate:"required,max=64"`
	IndicatorName        string     `json:"indicator_name" validate:"required"`
	Operator             Operator   `json:"operator" validate:"operator"`
	Threshold            float64    `json:"threshold" validate:"finite"`
	Action               Action     `json:"action" validate:"oneof=BUY SELL"`
	StrategyType         string     `json:"strategy_type"`
	PositionSize         float64    `json:"position_size" validate:"finite,gte=0"`
	Confidence           float64    `json:"confidence" validate:"finite,gte=0"`
	StopLoss             *float64   `json:"stop_loss,omitempty" validate:"omitempty,gt=0"`
	TakeProfit           *float64   `json:"take_profit,omitempty" validate:"omitempty,gt=0"`
	AdditionalConditions []Term     `json:"additional_conditions" validate:"dive"`
	CreatedAt            time.Time  `json:"created_at"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	TriggeredAt          *time.Time `json:"triggered_at,omitempty"`
	IsActive             bool       `json:"is_active"`
	PreviousValue        *float64   `json:"previous_value,omitempty"` // 仅穿越运算符使用
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	_ = v.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
		return Operator(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("comparison", func(fl validator.FieldLevel) bool {
		op := Operator(fl.Field().String())
		return op.Valid() && !op.IsCross()
	})
	return v
}

// Validate 在注册时校验条件，格式错误的条件不会被静默接受
func (c *Condition) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	return nil
}

// IsExpired 到期时间已到（含等于）即视为过期
func (c *Condition) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Clone 复制指针字段，避免调用方修改注册表内部状态
func (c Condition) Clone() Condition {
	c.StopLoss = cloneFloat(c.StopLoss)
	c.TakeProfit = cloneFloat(c.TakeProfit)
	c.PreviousValue = cloneFloat(c.PreviousValue)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		c.ExpiresAt = &t
	}
	if c.TriggeredAt != nil {
		t := *c.TriggeredAt
		c.TriggeredAt = &t
	}
	if c.AdditionalConditions != nil {
		terms := make([]Term, len(c.AdditionalConditions))
		copy(terms, c.AdditionalConditions)
		c.AdditionalConditions = terms
	}
	return c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float 返回 v 的指针，方便构造可选字段
func Float(v float64) *float64 {
	return &v
}
