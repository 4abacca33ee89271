package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了 worker 运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// WorkerConfig 控制轮询节奏与批量大小。
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// EncryptionConfig 描述账户密码解密所需的密钥。
// 密钥由信号生产方（Web 端）生成，双方必须使用同一份。
type EncryptionConfig struct {
	Key string `mapstructure:"key"`
}

// TerminalConfig 描述 MT5 桥接网关的连接与下单参数。
type TerminalConfig struct {
	BridgeURL string        `mapstructure:"bridge_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Deviation int           `mapstructure:"deviation"`
	Magic     int64         `mapstructure:"magic"`
	Comment   string        `mapstructure:"comment"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制可选的滚动日志文件。
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Worker.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("worker.poll_interval 必须大于0"))
	}
	if c.Worker.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("worker.batch_size 必须大于0"))
	}
	if c.Encryption.Key == "" {
		err = multierr.Append(err, errors.New("encryption.key 不能为空"))
	} else if decoded, decodeErr := decodeBase64URL(c.Encryption.Key); decodeErr != nil {
		err = multierr.Append(err, fmt.Errorf("encryption.key 不是合法的 base64url 字符串: %w", decodeErr))
	} else if len(decoded) < 32 {
		err = multierr.Append(err, fmt.Errorf("encryption.key 解码后至少 32 字节，当前 %d 字节", len(decoded)))
	}
	if c.Terminal.BridgeURL == "" {
		err = multierr.Append(err, errors.New("terminal.bridge_url 不能为空"))
	}
	if c.Terminal.Timeout <= 0 {
		err = multierr.Append(err, errors.New("terminal.timeout 必须大于0"))
	}
	if c.Terminal.Deviation < 0 {
		err = multierr.Append(err, errors.New("terminal.deviation 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		err = multierr.Append(err, errors.New("logging.file.path 在启用滚动日志时不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// decodeBase64URL 容忍生产方去掉补位符的 base64url 值。
func decodeBase64URL(s string) ([]byte, error) {
	return base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(s, "="))
}
