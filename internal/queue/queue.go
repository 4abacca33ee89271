package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pipify-worker/internal/store"
)

// Queue 基于共享信号表实现认领/收尾原语。
// 多个 worker 实例可以同时轮询同一张表，唯一的并发控制点是 Claim
// 中的条件更新。
type Queue struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// New 初始化队列适配器，创建所需表结构。
func New(st *store.Store, logger *zap.Logger) (*Queue, error) {
	if st == nil {
		return nil, fmt.Errorf("queue: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := q.initSchema(); err != nil {
		return nil, err
	}

	return q, nil
}

func (q *Queue) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	mt5_account_id TEXT,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	volume REAL NOT NULL,
	sl REAL,
	tp REAL,
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	created_at TEXT NOT NULL,
	processed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_signals_status_created ON signals(status, created_at);
`
	if _, err := q.db.Exec(stmt); err != nil {
		return fmt.Errorf("queue: 初始化表失败: %w", err)
	}
	return nil
}

// FetchPending 按创建时间升序返回待处理信号，最多 limit 条。
// 只读操作，可能返回空切片。
func (q *Queue) FetchPending(ctx context.Context, limit int) ([]Signal, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, user_id, mt5_account_id, symbol, action, volume, sl, tp, status, error_message, created_at, processed_at
FROM signals
WHERE status = ?
ORDER BY created_at ASC, id ASC
LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: 查询待处理信号失败: %w", err)
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: 遍历信号失败: %w", err)
	}
	return signals, nil
}

// Claim 原子认领信号：仅当状态仍为 pending 时改为 processing。
// 返回 false 表示认领竞争中输给了其他 worker，属于正常情况。
func (q *Queue) Claim(ctx context.Context, signalID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE signals SET status = ? WHERE id = ? AND status = ?`,
		StatusProcessing, signalID, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("queue: 认领信号失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: 读取认领结果失败: %w", err)
	}
	return affected == 1, nil
}

// Complete 将信号置为终态（executed 或 failed）并记录处理时刻。
// processing 状态默认由认领者独占，这里不再附带条件。
func (q *Queue) Complete(ctx context.Context, signalID string, status Status, errorMessage *string) error {
	if status != StatusExecuted && status != StatusFailed {
		return fmt.Errorf("queue: 非法的终态 %q", status)
	}

	_, err := q.db.ExecContext(ctx,
		`UPDATE signals SET status = ?, processed_at = ?, error_message = ? WHERE id = ?`,
		status, q.now().Format(time.RFC3339Nano), errorMessage, signalID,
	)
	if err != nil {
		return fmt.Errorf("queue: 收尾信号失败: %w", err)
	}
	return nil
}

// Enqueue 插入一条待处理信号。执行端不调用，供生产方及测试复用。
func (q *Queue) Enqueue(ctx context.Context, sig Signal) error {
	if !sig.Action.Valid() {
		return fmt.Errorf("queue: 未知动作 %q", sig.Action)
	}
	if sig.Status == "" {
		sig.Status = StatusPending
	}
	createdAt := sig.CreatedAt
	if createdAt.IsZero() {
		createdAt = q.now()
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO signals (id, user_id, mt5_account_id, symbol, action, volume, sl, tp, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.UserID, sig.MT5AccountID, sig.Symbol, sig.Action, sig.Volume,
		sig.SL, sig.TP, sig.Status, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: 写入信号失败: %w", err)
	}
	return nil
}

// Get 按 id 读取单条信号，测试与排障用。
func (q *Queue) Get(ctx context.Context, signalID string) (Signal, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, user_id, mt5_account_id, symbol, action, volume, sl, tp, status, error_message, created_at, processed_at
FROM signals WHERE id = ?`, signalID)
	return scanSignal(row)
}

// CountByStatus 统计各状态的信号数量。
// 轮询循环用它把滞留在 processing 的信号暴露到日志里（见进程崩溃缺口）。
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM signals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: 统计信号状态失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("queue: 读取状态统计失败: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: 遍历状态统计失败: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (Signal, error) {
	var (
		sig         Signal
		accountID   sql.NullString
		sl, tp      sql.NullFloat64
		errMsg      sql.NullString
		createdAt   string
		processedAt sql.NullString
	)

	if err := row.Scan(&sig.ID, &sig.UserID, &accountID, &sig.Symbol, &sig.Action, &sig.Volume,
		&sl, &tp, &sig.Status, &errMsg, &createdAt, &processedAt); err != nil {
		return Signal{}, fmt.Errorf("queue: 读取信号失败: %w", err)
	}

	if accountID.Valid {
		sig.MT5AccountID = &accountID.String
	}
	if sl.Valid {
		sig.SL = &sl.Float64
	}
	if tp.Valid {
		sig.TP = &tp.Float64
	}
	if errMsg.Valid {
		sig.ErrorMessage = &errMsg.String
	}

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Signal{}, fmt.Errorf("queue: 解析 created_at 失败: %w", err)
	}
	sig.CreatedAt = parsed

	if processedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, processedAt.String)
		if err != nil {
			return Signal{}, fmt.Errorf("queue: 解析 processed_at 失败: %w", err)
		}
		sig.ProcessedAt = &t
	}

	return sig, nil
}
