package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"pipify-worker/internal/config"
)

// BridgeDialer 通过本机 MT5 桥接网关建立终端会话。
// 网关与终端跑在同一台 Windows 机器上，把 MT5 的 Python/本地 API
// 暴露为 JSON-over-HTTP 接口。
type BridgeDialer struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewBridgeDialer 创建桥接网关拨号器。
func NewBridgeDialer(cfg config.TerminalConfig, logger *zap.Logger) *BridgeDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeDialer{
		baseURL: strings.TrimRight(cfg.BridgeURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Dial 初始化终端并登录，两步任一失败都返回 ConnError。
// 初始化成功而登录失败时会回收终端，不产生半开会话。
func (d *BridgeDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	s := &bridgeSession{dialer: d}

	if err := d.call(ctx, "/initialize", nil, nil); err != nil {
		return nil, asConnError("initialize", err)
	}

	loginReq := map[string]interface{}{
		"login":    creds.Login,
		"password": creds.Password,
		"server":   creds.Server,
	}
	if err := d.call(ctx, "/login", loginReq, nil); err != nil {
		_ = s.Close()
		return nil, asConnError("login", err)
	}

	d.logger.Info("终端登录成功",
		zap.Int64("login", creds.Login),
		zap.String("server", creds.Server),
	)
	return s, nil
}

// bridgeError 是网关返回的业务失败，携带终端原生错误码。
type bridgeError struct {
	Code    int
	Message string
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("bridge code=%d: %s", e.Code, e.Message)
}

func asConnError(stage string, err error) error {
	if be, ok := err.(*bridgeError); ok {
		return &ConnError{Stage: stage, Code: be.Code, Reason: be.Message}
	}
	return &ConnError{Stage: stage, Reason: err.Error()}
}

type bridgeEnvelope struct {
	OK      bool            `json:"ok"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call 向网关发起一次 JSON 调用；out 为 nil 时丢弃响应数据。
func (d *BridgeDialer) call(ctx context.Context, path string, payload, out interface{}) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("terminal: 序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("terminal: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("terminal: 请求网关失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("terminal: 读取网关响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("terminal: 网关返回 HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env bridgeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("terminal: 解析网关响应失败: %w", err)
	}
	if !env.OK {
		return &bridgeError{Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("terminal: 解析响应数据失败: %w", err)
		}
	}
	return nil
}

// bridgeSession 是网关上的一条已登录会话。
type bridgeSession struct {
	dialer *BridgeDialer
}

func (s *bridgeSession) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, bool, error) {
	var info *SymbolInfo
	err := s.dialer.call(ctx, "/symbol_info", map[string]string{"symbol": symbol}, &info)
	if err != nil {
		return SymbolInfo{}, false, err
	}
	if info == nil {
		return SymbolInfo{}, false, nil
	}
	return *info, true, nil
}

func (s *bridgeSession) SymbolSelect(ctx context.Context, symbol string) (bool, error) {
	var result struct {
		Selected bool `json:"selected"`
	}
	if err := s.dialer.call(ctx, "/symbol_select", map[string]interface{}{"symbol": symbol, "enable": true}, &result); err != nil {
		return false, err
	}
	return result.Selected, nil
}

func (s *bridgeSession) SymbolInfoTick(ctx context.Context, symbol string) (Tick, error) {
	var tick *Tick
	if err := s.dialer.call(ctx, "/symbol_info_tick", map[string]string{"symbol": symbol}, &tick); err != nil {
		return Tick{}, err
	}
	if tick == nil {
		return Tick{}, fmt.Errorf("terminal: 品种 %s 无报价", symbol)
	}
	return *tick, nil
}

func (s *bridgeSession) PositionsGet(ctx context.Context, symbol string) ([]Position, error) {
	var positions []Position
	if err := s.dialer.call(ctx, "/positions_get", map[string]string{"symbol": symbol}, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *bridgeSession) OrderSend(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var result OrderResult
	if err := s.dialer.call(ctx, "/order_send", req, &result); err != nil {
		return OrderResult{}, err
	}
	return result, nil
}

// Close 关闭终端会话。用后台 context，避免调用方取消导致终端泄漏。
func (s *bridgeSession) Close() error {
	return s.dialer.call(context.Background(), "/shutdown", nil, nil)
}
