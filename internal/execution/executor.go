package execution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pipify-worker/internal/account"
	"pipify-worker/internal/config"
	"pipify-worker/internal/crypto"
	"pipify-worker/internal/queue"
	"pipify-worker/internal/terminal"
)

// Request 是一次执行所需的全部参数，按信号临时构造，不落库。
type Request struct {
	Symbol string
	Action queue.Action
	Volume float64
	SL     *float64
	TP     *float64
}

// ClosedPosition 记录单笔持仓的平仓结果。
type ClosedPosition struct {
	Ticket     int64
	ClosePrice float64
	Profit     float64
}

// Result 是执行结果。平仓动作时 Ticket/Price 取第一笔成功平仓的持仓，
// Volume 为成功平仓的手数之和，ClosedPositions 逐笔列出成功项。
type Result struct {
	Ticket          int64
	Price           float64
	Volume          float64
	ClosedPositions []ClosedPosition
}

// Executor 把信号翻译成终端订单并聚合结果。
type Executor struct {
	dialer    terminal.Dialer
	cipher    *crypto.Cipher
	deviation int
	magic     int64
	comment   string
	logger    *zap.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(dialer terminal.Dialer, cipher *crypto.Cipher, cfg config.TerminalConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		dialer:    dialer,
		cipher:    cipher,
		deviation: cfg.Deviation,
		magic:     cfg.Magic,
		comment:   cfg.Comment,
		logger:    logger,
	}
}

// Connect 解密账户密码并建立终端会话。
// 成功返回的会话由调用方负责 Close，且每个会话恰好关闭一次。
func (e *Executor) Connect(ctx context.Context, acct account.Account) (terminal.Session, error) {
	password, err := e.cipher.Decrypt(acct.EncryptedPassword)
	if err != nil {
		return nil, err
	}

	login, err := acct.LoginNumber()
	if err != nil {
		return nil, err
	}

	session, err := e.dialer.Dial(ctx, terminal.Credentials{
		Login:    login,
		Password: password,
		Server:   acct.Server,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Execute 按动作分发执行一次请求。
func (e *Executor) Execute(ctx context.Context, session terminal.Session, req Request) (Result, error) {
	if err := e.ensureSymbol(ctx, session, req.Symbol); err != nil {
		return Result{}, err
	}

	switch req.Action {
	case queue.ActionBuy:
		return e.marketOrder(ctx, session, req, terminal.OrderTypeBuy)
	case queue.ActionSell:
		return e.marketOrder(ctx, session, req, terminal.OrderTypeSell)
	case queue.ActionCloseBuy:
		filter := terminal.PositionTypeBuy
		return e.closePositions(ctx, session, req.Symbol, &filter)
	case queue.ActionCloseSell:
		filter := terminal.PositionTypeSell
		return e.closePositions(ctx, session, req.Symbol, &filter)
	case queue.ActionCloseAll:
		return e.closePositions(ctx, session, req.Symbol, nil)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// ensureSymbol 确认品种存在且在行情列表中可见，必要时激活。
func (e *Executor) ensureSymbol(ctx context.Context, session terminal.Session, symbol string) error {
	info, found, err := session.SymbolInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("execution: 查询品种 %s 失败: %w", symbol, err)
	}
	if !found {
		return &SymbolError{Symbol: symbol, Reason: "终端中不存在"}
	}
	if info.Visible {
		return nil
	}

	selected, err := session.SymbolSelect(ctx, symbol)
	if err != nil {
		return fmt.Errorf("execution: 激活品种 %s 失败: %w", symbol, err)
	}
	if !selected {
		return &SymbolError{Symbol: symbol, Reason: "无法加入行情列表"}
	}
	return nil
}

// marketOrder 以当前报价提交市价单：买用 ask，卖用 bid。
func (e *Executor) marketOrder(ctx context.Context, session terminal.Session, req Request, orderType int) (Result, error) {
	tick, err := session.SymbolInfoTick(ctx, req.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("execution: 获取 %s 报价失败: %w", req.Symbol, err)
	}

	price := tick.Ask
	if orderType == terminal.OrderTypeSell {
		price = tick.Bid
	}

	order := terminal.OrderRequest{
		Action:      terminal.TradeActionDeal,
		Symbol:      req.Symbol,
		Volume:      req.Volume,
		Type:        orderType,
		Price:       price,
		Deviation:   e.deviation,
		Magic:       e.magic,
		Comment:     e.comment,
		TypeTime:    terminal.OrderTimeGTC,
		TypeFilling: terminal.OrderFillingIOC,
	}
	if req.SL != nil {
		order.SL = *req.SL
	}
	if req.TP != nil {
		order.TP = *req.TP
	}

	result, err := session.OrderSend(ctx, order)
	if err != nil {
		return Result{}, fmt.Errorf("execution: 提交市价单失败: %w", err)
	}
	if result.Retcode != terminal.TradeRetcodeDone {
		return Result{}, &OrderRejectedError{Retcode: result.Retcode, Comment: result.Comment}
	}

	e.logger.Info("市价单成交",
		zap.String("symbol", req.Symbol),
		zap.Int("type", orderType),
		zap.Int64("ticket", result.Order),
		zap.Float64("price", result.Price),
		zap.Float64("volume", result.Volume),
	)

	return Result{Ticket: result.Order, Price: result.Price, Volume: result.Volume}, nil
}

// closePositions 逐笔平掉品种下匹配方向的持仓。
// 终端的持仓模型允许同一品种同方向多笔独立持仓，所以只能逐笔反向对冲；
// 单笔失败只记日志，全部失败才算执行失败。
func (e *Executor) closePositions(ctx context.Context, session terminal.Session, symbol string, positionType *int) (Result, error) {
	positions, err := session.PositionsGet(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("execution: 查询 %s 持仓失败: %w", symbol, err)
	}

	var matching []terminal.Position
	for _, pos := range positions {
		if positionType != nil && pos.Type != *positionType {
			continue
		}
		matching = append(matching, pos)
	}
	if len(matching) == 0 {
		return Result{}, &NoPositionsError{Symbol: symbol}
	}

	var closed []ClosedPosition
	var closedVolume float64

	for _, pos := range matching {
		closeType := terminal.OrderTypeSell
		if pos.Type == terminal.PositionTypeSell {
			closeType = terminal.OrderTypeBuy
		}

		tick, err := session.SymbolInfoTick(ctx, symbol)
		if err != nil {
			e.logger.Warn("获取平仓报价失败，跳过该持仓",
				zap.Int64("ticket", pos.Ticket),
				zap.Error(err),
			)
			continue
		}

		// 平多用 bid，平空用 ask。
		price := tick.Bid
		if pos.Type == terminal.PositionTypeSell {
			price = tick.Ask
		}

		result, err := session.OrderSend(ctx, terminal.OrderRequest{
			Action:      terminal.TradeActionDeal,
			Symbol:      symbol,
			Volume:      pos.Volume,
			Type:        closeType,
			Position:    pos.Ticket,
			Price:       price,
			Deviation:   e.deviation,
			Magic:       e.magic,
			Comment:     e.comment + " close",
			TypeTime:    terminal.OrderTimeGTC,
			TypeFilling: terminal.OrderFillingIOC,
		})
		if err != nil || result.Retcode != terminal.TradeRetcodeDone {
			e.logger.Warn("平仓失败",
				zap.Int64("ticket", pos.Ticket),
				zap.Int("retcode", result.Retcode),
				zap.String("comment", result.Comment),
				zap.Error(err),
			)
			continue
		}

		closed = append(closed, ClosedPosition{
			Ticket:     pos.Ticket,
			ClosePrice: result.Price,
			Profit:     pos.Profit,
		})
		closedVolume += pos.Volume
	}

	if len(closed) == 0 {
		return Result{}, &CloseFailedError{Symbol: symbol, Attempted: len(matching)}
	}

	return Result{
		Ticket:          closed[0].Ticket,
		Price:           closed[0].ClosePrice,
		Volume:          closedVolume,
		ClosedPositions: closed,
	}, nil
}
