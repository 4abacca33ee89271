package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pipify-worker/internal/config"
	"pipify-worker/internal/store"
)

// App 聚合核心依赖并驱动 worker 生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动轮询循环，直到收到退出信号。
// 单次 Tick 的失败只记日志，循环继续；当前批次处理完才会退出。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("信号执行器已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Duration("poll_interval", a.cfg.Worker.PollInterval),
		zap.Int("batch_size", a.cfg.Worker.BatchSize),
	)

	pipe, err := newPipeline(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	pollInterval := a.cfg.Worker.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	if err := pipe.Tick(ctx); err != nil {
		a.logger.Error("首次轮询失败", zap.Error(err))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker 异常退出: %w", err)
			}
			a.logger.Info("worker 收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err := pipe.Tick(ctx); err != nil {
				a.logger.Error("轮询失败", zap.Error(err))
			}
		}
	}
}
