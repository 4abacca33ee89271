package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pipify-worker/internal/queue"
	"pipify-worker/internal/store"
)

// TradeStatus 表示成交记录的开平状态。
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// Trade 是一条持久化的成交记录，每个成功执行的信号恰好写入一条，
// 写入后本端不再更新。
type Trade struct {
	ID           int64
	UserID       string
	SignalID     string
	MT5AccountID string
	Ticket       int64
	Symbol       string
	Action       queue.Action
	Volume       float64
	OpenPrice    float64
	ClosePrice   *float64
	Profit       *float64
	Status       TradeStatus
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// Recorder 持久化执行结果。
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecorder 初始化成交记录器，创建所需表结构。
func NewRecorder(st *store.Store, logger *zap.Logger) (*Recorder, error) {
	if st == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{db: st.DB(), logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	signal_id TEXT NOT NULL,
	mt5_account_id TEXT NOT NULL,
	ticket INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	volume REAL NOT NULL,
	open_price REAL NOT NULL,
	close_price REAL,
	profit REAL,
	status TEXT NOT NULL,
	opened_at TEXT NOT NULL,
	closed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, opened_at);
CREATE INDEX IF NOT EXISTS idx_trades_signal ON trades(signal_id);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// Record 插入一条成交记录。只插入，不做更新或合并。
func (r *Recorder) Record(ctx context.Context, trade Trade) error {
	var closedAt *string
	if trade.ClosedAt != nil {
		s := trade.ClosedAt.Format(time.RFC3339Nano)
		closedAt = &s
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO trades (user_id, signal_id, mt5_account_id, ticket, symbol, action, volume, open_price, close_price, profit, status, opened_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.UserID, trade.SignalID, trade.MT5AccountID, trade.Ticket, trade.Symbol,
		trade.Action, trade.Volume, trade.OpenPrice, trade.ClosePrice, trade.Profit,
		trade.Status, trade.OpenedAt.Format(time.RFC3339Nano), closedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: 写入成交记录失败: %w", err)
	}

	r.logger.Info("成交记录已写入",
		zap.String("signal_id", trade.SignalID),
		zap.Int64("ticket", trade.Ticket),
		zap.String("symbol", trade.Symbol),
		zap.String("status", string(trade.Status)),
	)
	return nil
}

// ListByUser 按开仓时间倒序返回用户最近的成交记录。
func (r *Recorder) ListByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, signal_id, mt5_account_id, ticket, symbol, action, volume, open_price, close_price, profit, status, opened_at, closed_at
FROM trades
WHERE user_id = ?
ORDER BY opened_at DESC, id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询成交记录失败: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			trade      Trade
			closePrice sql.NullFloat64
			profit     sql.NullFloat64
			openedAt   string
			closedAt   sql.NullString
		)
		if err := rows.Scan(&trade.ID, &trade.UserID, &trade.SignalID, &trade.MT5AccountID,
			&trade.Ticket, &trade.Symbol, &trade.Action, &trade.Volume, &trade.OpenPrice,
			&closePrice, &profit, &trade.Status, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("journal: 读取成交记录失败: %w", err)
		}

		if closePrice.Valid {
			trade.ClosePrice = &closePrice.Float64
		}
		if profit.Valid {
			trade.Profit = &profit.Float64
		}

		parsed, err := time.Parse(time.RFC3339Nano, openedAt)
		if err != nil {
			return nil, fmt.Errorf("journal: 解析 opened_at 失败: %w", err)
		}
		trade.OpenedAt = parsed

		if closedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, closedAt.String)
			if err != nil {
				return nil, fmt.Errorf("journal: 解析 closed_at 失败: %w", err)
			}
			trade.ClosedAt = &t
		}

		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 遍历成交记录失败: %w", err)
	}
	return trades, nil
}
