package executor

import (
	"context"

	"signal-trigger/internal/model"
)

// ExecuteFunc 触发后的执行回调，返回是否成功和说明
// 核心只记录结果，成功时把状态标记为 executed
type ExecuteFunc func(ctx context.Context, ev model.TriggerEvent) (success bool, message string)

// Executor 是交易执行器的通用接口，负责与交易所（或模拟账户）通信
type Executor interface {
	Execute(ctx context.Context, ev model.TriggerEvent) (bool, string)
}

// Func 把 Executor 适配成 ExecuteFunc
func Func(e Executor) ExecuteFunc {
	return e.Execute
}
