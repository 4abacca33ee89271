package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"pipify-worker/internal/queue"
	"pipify-worker/internal/store"
)

var (
	// ErrNoAccount 表示信号所属用户没有可用的 MT5 账户。
	ErrNoAccount = errors.New("account: 用户没有可用的 MT5 账户")
	// ErrAccountDisabled 表示解析出的账户已被停用。
	ErrAccountDisabled = errors.New("account: MT5 账户已停用")
)

// Account 是一组 MT5 交易账户凭据。执行端只读，绝不修改。
type Account struct {
	ID                string
	UserID            string
	Login             string
	EncryptedPassword string
	Server            string
	IsActive          bool
	CreatedAt         time.Time
}

// LoginNumber 将账户号解析为终端登录所需的整数形式。
func (a Account) LoginNumber() (int64, error) {
	n, err := strconv.ParseInt(a.Login, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("account: 账户号 %q 不是合法数字: %w", a.Login, err)
	}
	return n, nil
}

// Resolver 为信号挑选执行账户。
type Resolver struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewResolver 初始化账户解析器，创建所需表结构。
func NewResolver(st *store.Store, logger *zap.Logger) (*Resolver, error) {
	if st == nil {
		return nil, fmt.Errorf("account: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Resolver{db: st.DB(), logger: logger}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS mt5_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	login TEXT NOT NULL,
	encrypted_password TEXT NOT NULL,
	server TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mt5_accounts_user ON mt5_accounts(user_id, is_active);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("account: 初始化表失败: %w", err)
	}
	return nil
}

// Resolve 为信号挑选账户：优先取信号指定的账户；指定账户不存在时回退
// 到用户的第一个激活账户（按创建时间排序，保持选择稳定）。
// 解析出的账户若已停用返回 ErrAccountDisabled。
func (r *Resolver) Resolve(ctx context.Context, sig queue.Signal) (Account, error) {
	if sig.MT5AccountID != nil && *sig.MT5AccountID != "" {
		acct, err := r.byID(ctx, *sig.MT5AccountID)
		if err == nil {
			if !acct.IsActive {
				return Account{}, ErrAccountDisabled
			}
			return acct, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Account{}, err
		}
		r.logger.Warn("信号指定的账户不存在，回退到用户激活账户",
			zap.String("signal_id", sig.ID),
			zap.String("mt5_account_id", *sig.MT5AccountID),
		)
	}

	acct, err := r.firstActive(ctx, sig.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNoAccount
		}
		return Account{}, err
	}
	return acct, nil
}

func (r *Resolver) byID(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, login, encrypted_password, server, is_active, created_at
FROM mt5_accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (r *Resolver) firstActive(ctx context.Context, userID string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, login, encrypted_password, server, is_active, created_at
FROM mt5_accounts
WHERE user_id = ? AND is_active = 1
ORDER BY created_at ASC, id ASC
LIMIT 1`, userID)
	return scanAccount(row)
}

// Insert 写入一条账户记录，供生产方及测试复用。
func (r *Resolver) Insert(ctx context.Context, acct Account) error {
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO mt5_accounts (id, user_id, login, encrypted_password, server, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.UserID, acct.Login, acct.EncryptedPassword, acct.Server,
		acct.IsActive, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("account: 写入账户失败: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (Account, error) {
	var (
		acct      Account
		createdAt string
	)
	if err := row.Scan(&acct.ID, &acct.UserID, &acct.Login, &acct.EncryptedPassword,
		&acct.Server, &acct.IsActive, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("account: 读取账户失败: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Account{}, fmt.Errorf("account: 解析 created_at 失败: %w", err)
	}
	acct.CreatedAt = parsed
	return acct, nil
}
