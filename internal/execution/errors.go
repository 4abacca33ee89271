package execution

import (
	"errors"
	"fmt"
)

// SymbolError 表示品种在终端中不存在或无法激活。
type SymbolError struct {
	Symbol string
	Reason string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("execution: 品种 %s 不可用: %s", e.Symbol, e.Reason)
}

// OrderRejectedError 表示市价单未完全成交，携带终端返回码与说明。
type OrderRejectedError struct {
	Retcode int
	Comment string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("execution: 下单被拒绝: %d - %s", e.Retcode, e.Comment)
}

// NoPositionsError 表示平仓请求没有匹配的持仓。
type NoPositionsError struct {
	Symbol string
}

func (e *NoPositionsError) Error() string {
	return fmt.Sprintf("execution: 品种 %s 没有匹配的持仓", e.Symbol)
}

// CloseFailedError 表示所有匹配持仓的平仓尝试全部失败。
type CloseFailedError struct {
	Symbol    string
	Attempted int
}

func (e *CloseFailedError) Error() string {
	return fmt.Sprintf("execution: 品种 %s 的 %d 笔持仓全部平仓失败", e.Symbol, e.Attempted)
}

// ErrUnknownAction 表示信号携带了未知动作。
var ErrUnknownAction = errors.New("execution: 未知动作")
