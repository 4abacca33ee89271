package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"pipify-worker/internal/account"
	"pipify-worker/internal/execution"
	"pipify-worker/internal/journal"
	"pipify-worker/internal/queue"
	"pipify-worker/internal/terminal"
)

type completion struct {
	id      string
	status  queue.Status
	message *string
}

type mockQueue struct {
	signals     []queue.Signal
	denyClaims  map[string]bool
	countErr    error
	claimCalls  []string
	completions []completion
}

func (m *mockQueue) FetchPending(ctx context.Context, limit int) ([]queue.Signal, error) {
	if limit < len(m.signals) {
		return m.signals[:limit], nil
	}
	return m.signals, nil
}

// Claim 和 Complete 与真实实现一样拒绝已取消的 context。
func (m *mockQueue) Claim(ctx context.Context, signalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.claimCalls = append(m.claimCalls, signalID)
	return !m.denyClaims[signalID], nil
}

func (m *mockQueue) Complete(ctx context.Context, signalID string, status queue.Status, errorMessage *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.completions = append(m.completions, completion{id: signalID, status: status, message: errorMessage})
	return nil
}

func (m *mockQueue) CountByStatus(ctx context.Context) (map[queue.Status]int, error) {
	if m.countErr != nil {
		return nil, m.countErr
	}
	return map[queue.Status]int{}, nil
}

func (m *mockQueue) completionsFor(id string) []completion {
	var out []completion
	for _, c := range m.completions {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

type mockResolver struct {
	acct account.Account
	err  error
}

func (m *mockResolver) Resolve(ctx context.Context, sig queue.Signal) (account.Account, error) {
	if m.err != nil {
		return account.Account{}, m.err
	}
	return m.acct, nil
}

// stubSession 只关心 Close 调用次数。
type stubSession struct {
	closes int
}

func (s *stubSession) SymbolInfo(context.Context, string) (terminal.SymbolInfo, bool, error) {
	return terminal.SymbolInfo{}, false, nil
}
func (s *stubSession) SymbolSelect(context.Context, string) (bool, error) { return false, nil }
func (s *stubSession) SymbolInfoTick(context.Context, string) (terminal.Tick, error) {
	return terminal.Tick{}, nil
}
func (s *stubSession) PositionsGet(context.Context, string) ([]terminal.Position, error) {
	return nil, nil
}
func (s *stubSession) OrderSend(context.Context, terminal.OrderRequest) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}
func (s *stubSession) Close() error {
	s.closes++
	return nil
}

type mockExecutor struct {
	connectErr error
	execErrs   map[string]error
	results    map[string]execution.Result
	onExecute  func()
	sessions   []*stubSession
	requests   []execution.Request
}

func (m *mockExecutor) Connect(ctx context.Context, acct account.Account) (terminal.Session, error) {
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	s := &stubSession{}
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *mockExecutor) Execute(ctx context.Context, session terminal.Session, req execution.Request) (execution.Result, error) {
	m.requests = append(m.requests, req)
	if m.onExecute != nil {
		m.onExecute()
	}
	if err := ctx.Err(); err != nil {
		return execution.Result{}, err
	}
	if err := m.execErrs[req.Symbol]; err != nil {
		return execution.Result{}, err
	}
	return m.results[req.Symbol], nil
}

type mockRecorder struct {
	trades []journal.Trade
	err    error
}

func (m *mockRecorder) Record(ctx context.Context, trade journal.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.trades = append(m.trades, trade)
	return nil
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(q *mockQueue, r *mockResolver, e *mockExecutor, j *mockRecorder) *pipeline {
	return &pipeline{
		queue:     q,
		accounts:  r,
		executor:  e,
		journal:   j,
		logger:    zap.NewNop(),
		batchSize: 10,
		now:       func() time.Time { return fixedNow },
	}
}

func testSignal(id, symbol string, action queue.Action) queue.Signal {
	return queue.Signal{
		ID:     id,
		UserID: "user-1",
		Symbol: symbol,
		Action: action,
		Volume: 0.1,
		Status: queue.StatusPending,
	}
}

func TestTick_FailureIsolation(t *testing.T) {
	q := &mockQueue{signals: []queue.Signal{
		testSignal("sig-a", "EURUSD", queue.ActionCloseBuy),
		testSignal("sig-b", "GBPUSD", queue.ActionBuy),
	}}
	e := &mockExecutor{
		execErrs: map[string]error{"EURUSD": &execution.NoPositionsError{Symbol: "EURUSD"}},
		results:  map[string]execution.Result{"GBPUSD": {Ticket: 2001, Price: 1.27, Volume: 0.1}},
	}
	j := &mockRecorder{}
	p := newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, j)

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	aComps := q.completionsFor("sig-a")
	if len(aComps) != 1 || aComps[0].status != queue.StatusFailed {
		t.Fatalf("expected sig-a to fail exactly once, got %+v", aComps)
	}
	if aComps[0].message == nil || *aComps[0].message == "" {
		t.Errorf("expected non-empty error message for sig-a")
	}

	bComps := q.completionsFor("sig-b")
	if len(bComps) != 1 || bComps[0].status != queue.StatusExecuted {
		t.Fatalf("expected sig-b to execute exactly once, got %+v", bComps)
	}

	if len(j.trades) != 1 || j.trades[0].SignalID != "sig-b" {
		t.Fatalf("expected exactly one trade for sig-b, got %+v", j.trades)
	}
}

func TestTick_InterruptMidBatchCompletesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &mockQueue{signals: []queue.Signal{
		testSignal("sig-a", "EURUSD", queue.ActionBuy),
		testSignal("sig-b", "GBPUSD", queue.ActionBuy),
	}}
	e := &mockExecutor{
		results: map[string]execution.Result{
			"EURUSD": {Ticket: 777, Price: 1.0842, Volume: 0.1},
			"GBPUSD": {Ticket: 778, Price: 1.2701, Volume: 0.1},
		},
		// 第一笔订单成交期间收到退出信号。
		onExecute: func() { cancel() },
	}
	j := &mockRecorder{}
	p := newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, j)

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	// 中断不能把已认领的信号留在 processing：当前批次必须走完。
	for _, id := range []string{"sig-a", "sig-b"} {
		comps := q.completionsFor(id)
		if len(comps) != 1 || comps[0].status != queue.StatusExecuted {
			t.Fatalf("expected %s executed exactly once despite interrupt, got %+v", id, comps)
		}
	}
	if len(j.trades) != 2 {
		t.Fatalf("expected both trades recorded, got %+v", j.trades)
	}
}

func TestTick_CountByStatusFailureDoesNotBlockBatch(t *testing.T) {
	q := &mockQueue{
		signals:  []queue.Signal{testSignal("sig-1", "EURUSD", queue.ActionBuy)},
		countErr: errors.New("database is locked"),
	}
	e := &mockExecutor{results: map[string]execution.Result{"EURUSD": {Ticket: 1, Price: 1.0842, Volume: 0.1}}}
	p := newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, &mockRecorder{})

	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if comps := q.completionsFor("sig-1"); len(comps) != 1 || comps[0].status != queue.StatusExecuted {
		t.Fatalf("expected sig-1 executed, got %+v", comps)
	}
}

func TestProcess_ClaimLostSkips(t *testing.T) {
	q := &mockQueue{denyClaims: map[string]bool{"sig-1": true}}
	e := &mockExecutor{}
	p := newTestPipeline(q, &mockResolver{}, e, &mockRecorder{})

	p.process(context.Background(), testSignal("sig-1", "EURUSD", queue.ActionBuy))

	// 输掉认领竞争不是失败：不执行、不收尾。
	if len(q.completions) != 0 {
		t.Errorf("expected no completion, got %+v", q.completions)
	}
	if len(e.requests) != 0 || len(e.sessions) != 0 {
		t.Errorf("expected no terminal activity, got %d requests", len(e.requests))
	}
}

func TestProcess_SessionClosedOnEveryPath(t *testing.T) {
	// 执行成功：会话恰好关闭一次。
	q := &mockQueue{}
	e := &mockExecutor{results: map[string]execution.Result{"EURUSD": {Ticket: 1, Price: 1.08, Volume: 0.1}}}
	p := newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, &mockRecorder{})
	p.process(context.Background(), testSignal("sig-1", "EURUSD", queue.ActionBuy))
	if len(e.sessions) != 1 || e.sessions[0].closes != 1 {
		t.Fatalf("expected one session closed once, got %+v", e.sessions)
	}

	// 执行失败：会话同样恰好关闭一次。
	q = &mockQueue{}
	e = &mockExecutor{execErrs: map[string]error{"EURUSD": &execution.OrderRejectedError{Retcode: 10019, Comment: "no money"}}}
	p = newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, &mockRecorder{})
	p.process(context.Background(), testSignal("sig-2", "EURUSD", queue.ActionBuy))
	if len(e.sessions) != 1 || e.sessions[0].closes != 1 {
		t.Fatalf("expected one session closed once after failure, got %+v", e.sessions)
	}
	if comps := q.completionsFor("sig-2"); len(comps) != 1 || comps[0].status != queue.StatusFailed {
		t.Fatalf("expected sig-2 failed once, got %+v", comps)
	}

	// 记账失败：信号进入 failed，会话仍然关闭。
	q = &mockQueue{}
	e = &mockExecutor{results: map[string]execution.Result{"EURUSD": {Ticket: 1, Price: 1.08, Volume: 0.1}}}
	p = newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, &mockRecorder{err: errors.New("journal: 写入成交记录失败")})
	p.process(context.Background(), testSignal("sig-3", "EURUSD", queue.ActionBuy))
	if comps := q.completionsFor("sig-3"); len(comps) != 1 || comps[0].status != queue.StatusFailed {
		t.Fatalf("expected sig-3 failed when recording fails, got %+v", comps)
	}
	if len(e.sessions) != 1 || e.sessions[0].closes != 1 {
		t.Fatalf("expected session closed despite record failure")
	}

	// 连接失败：没有会话产生,也就无需关闭。
	q = &mockQueue{}
	e = &mockExecutor{connectErr: &terminal.ConnError{Stage: "login", Code: -6, Reason: "authorization failed"}}
	p = newTestPipeline(q, &mockResolver{acct: account.Account{ID: "acct-1"}}, e, &mockRecorder{})
	p.process(context.Background(), testSignal("sig-4", "EURUSD", queue.ActionBuy))
	if len(e.sessions) != 0 {
		t.Fatalf("expected no session on connect failure")
	}
	if comps := q.completionsFor("sig-4"); len(comps) != 1 || comps[0].status != queue.StatusFailed {
		t.Fatalf("expected sig-4 failed once, got %+v", comps)
	}
}

func TestProcess_AccountResolutionFailure(t *testing.T) {
	q := &mockQueue{}
	e := &mockExecutor{}
	p := newTestPipeline(q, &mockResolver{err: account.ErrNoAccount}, e, &mockRecorder{})

	p.process(context.Background(), testSignal("sig-1", "EURUSD", queue.ActionBuy))

	comps := q.completionsFor("sig-1")
	if len(comps) != 1 || comps[0].status != queue.StatusFailed {
		t.Fatalf("expected failed completion, got %+v", comps)
	}
	if comps[0].message == nil || *comps[0].message == "" {
		t.Errorf("expected failure reason in error message")
	}
	if len(e.sessions) != 0 {
		t.Errorf("expected no terminal session")
	}
}

func TestBuildTrade_OpenAction(t *testing.T) {
	p := newTestPipeline(&mockQueue{}, &mockResolver{}, &mockExecutor{}, &mockRecorder{})

	sl := 1.08
	sig := testSignal("sig-1", "EURUSD", queue.ActionBuy)
	sig.SL = &sl

	trade := p.buildTrade(sig, account.Account{ID: "acct-1"}, execution.Result{Ticket: 1001, Price: 1.0842, Volume: 0.1})

	if trade.Status != journal.TradeOpen {
		t.Errorf("status: got %s want open", trade.Status)
	}
	if trade.Ticket != 1001 || trade.OpenPrice != 1.0842 || trade.Volume != 0.1 {
		t.Errorf("unexpected trade: %+v", trade)
	}
	if trade.ClosePrice != nil || trade.Profit != nil || trade.ClosedAt != nil {
		t.Errorf("open trade must not carry close fields: %+v", trade)
	}
	if !trade.OpenedAt.Equal(fixedNow) {
		t.Errorf("opened_at: got %v want %v", trade.OpenedAt, fixedNow)
	}
}

func TestBuildTrade_CloseAction(t *testing.T) {
	p := newTestPipeline(&mockQueue{}, &mockResolver{}, &mockExecutor{}, &mockRecorder{})

	sig := testSignal("sig-1", "EURUSD", queue.ActionCloseBuy)
	result := execution.Result{
		Ticket: 1,
		Price:  1.0840,
		Volume: 0.8,
		ClosedPositions: []execution.ClosedPosition{
			{Ticket: 1, ClosePrice: 1.0840, Profit: 10},
			{Ticket: 2, ClosePrice: 1.0840, Profit: -2},
		},
	}

	trade := p.buildTrade(sig, account.Account{ID: "acct-1"}, result)

	if trade.Status != journal.TradeClosed {
		t.Errorf("status: got %s want closed", trade.Status)
	}
	if trade.Volume != 0.8 {
		t.Errorf("volume: got %v want 0.8", trade.Volume)
	}
	if trade.ClosePrice == nil || *trade.ClosePrice != 1.0840 {
		t.Errorf("close_price: got %v", trade.ClosePrice)
	}
	if trade.Profit == nil || *trade.Profit != 8 {
		t.Errorf("profit: got %v want 8", trade.Profit)
	}
	if trade.ClosedAt == nil || !trade.ClosedAt.Equal(fixedNow) {
		t.Errorf("closed_at: got %v", trade.ClosedAt)
	}
}

func TestBuildTrade_VolumeFallsBackToSignal(t *testing.T) {
	p := newTestPipeline(&mockQueue{}, &mockResolver{}, &mockExecutor{}, &mockRecorder{})

	sig := testSignal("sig-1", "EURUSD", queue.ActionBuy)
	sig.Volume = 0.25

	trade := p.buildTrade(sig, account.Account{ID: "acct-1"}, execution.Result{Ticket: 1001, Price: 1.0842})
	if trade.Volume != 0.25 {
		t.Errorf("volume: got %v want signal volume 0.25", trade.Volume)
	}
}
