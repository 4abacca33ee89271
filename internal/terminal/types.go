package terminal

import (
	"context"
	"fmt"
)

// MT5 侧的枚举值，与终端 API 的数值一一对应。
const (
	OrderTypeBuy  = 0
	OrderTypeSell = 1

	PositionTypeBuy  = 0
	PositionTypeSell = 1

	TradeActionDeal = 1

	OrderTimeGTC    = 0
	OrderFillingIOC = 1

	// TradeRetcodeDone 表示订单完全成交。
	TradeRetcodeDone = 10009
)

// Credentials 是登录终端所需的账户凭据（密码已解密）。
type Credentials struct {
	Login    int64
	Password string
	Server   string
}

// Tick 是品种的当前报价。
type Tick struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// SymbolInfo 描述品种在终端中的可见状态。
type SymbolInfo struct {
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

// Position 是终端中一笔独立持仓。
type Position struct {
	Ticket int64   `json:"ticket"`
	Symbol string  `json:"symbol"`
	Type   int     `json:"type"`
	Volume float64 `json:"volume"`
	Profit float64 `json:"profit"`
}

// OrderRequest 对应终端的 order_send 请求体。
type OrderRequest struct {
	Action      int     `json:"action"`
	Symbol      string  `json:"symbol"`
	Volume      float64 `json:"volume"`
	Type        int     `json:"type"`
	Price       float64 `json:"price"`
	SL          float64 `json:"sl,omitempty"`
	TP          float64 `json:"tp,omitempty"`
	Deviation   int     `json:"deviation"`
	Magic       int64   `json:"magic"`
	Comment     string  `json:"comment"`
	Position    int64   `json:"position,omitempty"`
	TypeTime    int     `json:"type_time"`
	TypeFilling int     `json:"type_filling"`
}

// OrderResult 对应终端的 order_send 响应。
type OrderResult struct {
	Retcode int     `json:"retcode"`
	Order   int64   `json:"order"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Comment string  `json:"comment"`
}

// Session 是一条已登录的终端会话。
// 每次成功 Dial 必须对应且仅对应一次 Close，无论后续调用成败。
type Session interface {
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, bool, error)
	SymbolSelect(ctx context.Context, symbol string) (bool, error)
	SymbolInfoTick(ctx context.Context, symbol string) (Tick, error)
	PositionsGet(ctx context.Context, symbol string) ([]Position, error)
	OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error)
	Close() error
}

// Dialer 建立终端会话：初始化终端并用凭据登录。
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// ConnError 表示终端初始化或登录失败，携带终端的原生错误码。
type ConnError struct {
	Stage  string // initialize | login
	Code   int
	Reason string
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("terminal: %s 失败 (code=%d): %s", e.Stage, e.Code, e.Reason)
}
