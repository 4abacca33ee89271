package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pipify-worker/internal/account"
	"pipify-worker/internal/config"
	"pipify-worker/internal/crypto"
	"pipify-worker/internal/execution"
	"pipify-worker/internal/journal"
	"pipify-worker/internal/queue"
	"pipify-worker/internal/store"
	"pipify-worker/internal/terminal"
)

type signalQueue interface {
	FetchPending(ctx context.Context, limit int) ([]queue.Signal, error)
	Claim(ctx context.Context, signalID string) (bool, error)
	Complete(ctx context.Context, signalID string, status queue.Status, errorMessage *string) error
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

type accountResolver interface {
	Resolve(ctx context.Context, sig queue.Signal) (account.Account, error)
}

type orderExecutor interface {
	Connect(ctx context.Context, acct account.Account) (terminal.Session, error)
	Execute(ctx context.Context, session terminal.Session, req execution.Request) (execution.Result, error)
}

type tradeRecorder interface {
	Record(ctx context.Context, trade journal.Trade) error
}

// pipeline 按信号推进 认领→解析账户→连接→执行→记账→收尾 的状态机。
// 每个被认领的信号恰好收到一次终态调用（executed 或 failed）。
type pipeline struct {
	queue     signalQueue
	accounts  accountResolver
	executor  orderExecutor
	journal   tradeRecorder
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
}

func newPipeline(cfg *config.Config, logger *zap.Logger, st *store.Store) (*pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	q, err := queue.New(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化信号队列失败: %w", err)
	}

	resolver, err := account.NewResolver(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化账户解析器失败: %w", err)
	}

	cipher, err := crypto.NewCipher(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("初始化解密器失败: %w", err)
	}

	recorder, err := journal.NewRecorder(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化成交记录器失败: %w", err)
	}

	dialer := terminal.NewBridgeDialer(cfg.Terminal, logger)
	executor := execution.NewExecutor(dialer, cipher, cfg.Terminal, logger)

	return &pipeline{
		queue:     q,
		accounts:  resolver,
		executor:  executor,
		journal:   recorder,
		logger:    logger,
		batchSize: cfg.Worker.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Tick 拉取一批待处理信号并逐个处理完毕。
// 单个信号的失败不会影响同批次的后续信号。
func (p *pipeline) Tick(ctx context.Context) error {
	signals, err := p.queue.FetchPending(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("拉取待处理信号失败: %w", err)
	}

	if len(signals) == 0 {
		return nil
	}

	p.logger.Info("发现待处理信号", zap.Int("count", len(signals)))

	if counts, err := p.queue.CountByStatus(ctx); err != nil {
		p.logger.Warn("统计信号状态失败", zap.Error(err))
	} else if stuck := counts[queue.StatusProcessing]; stuck > 0 {
		// processing 的滞留信号（worker 崩溃遗留）目前只能人工处理，
		// 在这里让它保持可见。
		p.logger.Warn("存在滞留在 processing 状态的信号", zap.Int("count", stuck))
	}

	// 退出信号只在批次边界生效：已认领的信号必须走到终态，
	// 否则一次正常的中断就会把它永远留在 processing。
	batchCtx := context.WithoutCancel(ctx)
	for _, sig := range signals {
		p.process(batchCtx, sig)
	}
	return nil
}

// process 处理单个信号。认领失败意味着输给了其他 worker，直接跳过。
func (p *pipeline) process(ctx context.Context, sig queue.Signal) {
	claimed, err := p.queue.Claim(ctx, sig.ID)
	if err != nil {
		p.logger.Error("认领信号失败", zap.String("signal_id", sig.ID), zap.Error(err))
		return
	}
	if !claimed {
		p.logger.Debug("信号已被其他 worker 认领，跳过", zap.String("signal_id", sig.ID))
		return
	}

	p.logger.Info("开始处理信号",
		zap.String("signal_id", sig.ID),
		zap.String("action", string(sig.Action)),
		zap.Float64("volume", sig.Volume),
		zap.String("symbol", sig.Symbol),
	)

	result, err := p.run(ctx, sig)
	if err != nil {
		reason := err.Error()
		p.logger.Error("信号执行失败", zap.String("signal_id", sig.ID), zap.Error(err))
		if completeErr := p.queue.Complete(ctx, sig.ID, queue.StatusFailed, &reason); completeErr != nil {
			p.logger.Error("标记信号失败状态时出错", zap.String("signal_id", sig.ID), zap.Error(completeErr))
		}
		return
	}

	if err := p.queue.Complete(ctx, sig.ID, queue.StatusExecuted, nil); err != nil {
		p.logger.Error("标记信号完成状态时出错", zap.String("signal_id", sig.ID), zap.Error(err))
		return
	}

	p.logger.Info("信号执行成功",
		zap.String("signal_id", sig.ID),
		zap.Int64("ticket", result.Ticket),
	)
}

// run 执行已认领信号的主流程，任何一步出错都让信号进入 failed。
// 会话在 Connect 成功后保证恰好关闭一次。
func (p *pipeline) run(ctx context.Context, sig queue.Signal) (execution.Result, error) {
	acct, err := p.accounts.Resolve(ctx, sig)
	if err != nil {
		return execution.Result{}, err
	}

	session, err := p.executor.Connect(ctx, acct)
	if err != nil {
		return execution.Result{}, err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			p.logger.Warn("关闭终端会话失败", zap.String("signal_id", sig.ID), zap.Error(closeErr))
		}
	}()

	result, err := p.executor.Execute(ctx, session, execution.Request{
		Symbol: sig.Symbol,
		Action: sig.Action,
		Volume: sig.Volume,
		SL:     sig.SL,
		TP:     sig.TP,
	})
	if err != nil {
		return execution.Result{}, err
	}

	if err := p.journal.Record(ctx, p.buildTrade(sig, acct, result)); err != nil {
		return execution.Result{}, err
	}

	return result, nil
}

// buildTrade 把执行结果整理成成交记录。
func (p *pipeline) buildTrade(sig queue.Signal, acct account.Account, result execution.Result) journal.Trade {
	volume := result.Volume
	if volume == 0 {
		volume = sig.Volume
	}

	trade := journal.Trade{
		UserID:       sig.UserID,
		SignalID:     sig.ID,
		MT5AccountID: acct.ID,
		Ticket:       result.Ticket,
		Symbol:       sig.Symbol,
		Action:       sig.Action,
		Volume:       volume,
		OpenPrice:    result.Price,
		Status:       journal.TradeOpen,
		OpenedAt:     p.now(),
	}

	if sig.Action.IsClose() {
		trade.Status = journal.TradeClosed
		if len(result.ClosedPositions) > 0 {
			closePrice := result.Price
			trade.ClosePrice = &closePrice

			var profit float64
			for _, cp := range result.ClosedPositions {
				profit += cp.Profit
			}
			trade.Profit = &profit

			closedAt := p.now()
			trade.ClosedAt = &closedAt
		}
	}

	return trade
}
