package queue

import "time"

// Action 表示信号请求的交易动作。
type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionCloseBuy  Action = "close_buy"
	ActionCloseSell Action = "close_sell"
	ActionCloseAll  Action = "close_all"
)

// IsClose 判断动作是否为平仓类。
func (a Action) IsClose() bool {
	switch a {
	case ActionCloseBuy, ActionCloseSell, ActionCloseAll:
		return true
	default:
		return false
	}
}

// Valid 判断动作是否在已知集合内。
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionCloseBuy, ActionCloseSell, ActionCloseAll:
		return true
	default:
		return false
	}
}

// Status 表示信号的生命周期状态。
// 状态只允许 pending→processing→{executed,failed}，绝不回到 pending。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
)

// Signal 是生产方排队的一次交易请求。
// 本端只负责认领、执行与收尾，从不创建或删除。
type Signal struct {
	ID           string
	UserID       string
	MT5AccountID *string
	Symbol       string
	Action       Action
	Volume       float64
	SL           *float64
	TP           *float64
	Status       Status
	ErrorMessage *string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}
