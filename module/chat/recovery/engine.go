package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"PPClient/global"
	"PPClient/logger"
	"PPClient/module/chat/model"
	"PPClient/module/chat/rpc"
	"PPClient/tools/errs"
	"PPClient/tools/safe"
)

// State 恢复状态机：
// Armed → WaitingReceipt → {Acked | TimedOut}
// TimedOut → StatusCheck → {Resolved | NeedsResync}
// NeedsResync → Resync → {Resolved | NeedsFullSnapshot}
// NeedsFullSnapshot → FullSnapshot → {Resolved | Failed}
type State int

const (
	StateArmed State = iota
	StateWaitingReceipt
	StateAcked
	StateTimedOut
	StateStatusCheck
	StateResync
	StateFullSnapshot
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateWaitingReceipt:
		return "waiting_receipt"
	case StateAcked:
		return "acked"
	case StateTimedOut:
		return "timed_out"
	case StateStatusCheck:
		return "status_check"
	case StateResync:
		return "resync"
	case StateFullSnapshot:
		return "full_snapshot"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Spec 一次待确认写的标识三元组 + 会话
type Spec struct {
	ConversationID string
	ClientWriteSeq int64
	ClientMsgID    string
	DeviceID       string
}

// Hooks 引擎向会话回调的出口；步骤函数的失败走状态机自己的信号，
// 不以异常形式跨组件传播。
type Hooks struct {
	// StatusCheck 查到落库结果，直接消解回显
	OnResolved func(clientMsgID string, row *model.Message)
	// 增量补流成功：清掉该会话全部回显、应用增量行、触发一次新拉取
	OnResynced func(convID string, rows []*model.Message)
	// 全量快照成功：可见集整体替换 + 清回显
	OnSnapshot func(convID string, rows []*model.Message)
	// 恢复耗尽：回显出列，通知上层恢复输入态（手动重试），不静默重发
	OnFailed func(spec Spec)
	// 写回执观测时延
	OnLatency func(clientWriteSeq int64, latencyMS int64)
	// 该会话已知的增量 checkpoint（权威最大 seq）
	Checkpoint func(convID string) int64
}

type watch struct {
	Spec
	state   State
	attempt int
	rearms  int
	gen     uint64 // 布防代数；旧代数的异步续体一律 no-op
	timer   *time.Timer
	armedAt time.Time
}

// Engine 每个在途写一台小状态机，按 clientWriteSeq 去重：
// 同 key 重复布防替换旧 watch。超时后逐级升级恢复步骤，步骤间
// 指数退避 + 乘性抖动，attempt 有界，保证必达终态。
type Engine struct {
	mu      sync.Mutex
	cfg     global.AppConfig
	backend rpc.Backend
	hooks   Hooks
	watches map[int64]*watch
	gen     uint64
	closed  bool
	log     *zap.Logger
}

func NewEngine(cfg global.AppConfig, backend rpc.Backend, hooks Hooks) *Engine {
	safe.MustNotNil(backend, "backend")
	return &Engine{
		cfg:     cfg,
		backend: backend,
		hooks:   hooks,
		watches: make(map[int64]*watch),
		log:     logger.Named("recovery"),
	}
}

// Arm 发送 RPC 一发出就布防。同 clientWriteSeq 只允许一个 watch，
// 新的顶掉旧的（含定时器）；代数递增，旧 watch 已在途的恢复轮
// 不会碰到替换后的 watch。
func (e *Engine) Arm(spec Spec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if old, ok := e.watches[spec.ClientWriteSeq]; ok {
		old.timer.Stop()
	}
	e.gen++
	w := &watch{Spec: spec, state: StateWaitingReceipt, armedAt: time.Now(), gen: e.gen}
	seq, gen := spec.ClientWriteSeq, w.gen
	deadline := safe.DefaultDuration(e.cfg.ReceiptDeadline, 5*time.Second)
	w.timer = time.AfterFunc(deadline, func() { e.onTimeout(seq, gen) })
	e.watches[seq] = w
}

// OnReceipt 写回执到达：转 Acked，记录时延，清 watch。
// 消息本体由 Reconciler 经正常 insert 事件消解，这里不再动视图。
func (e *Engine) OnReceipt(deviceID string, clientWriteSeq int64, latencyMS int64) {
	e.mu.Lock()
	w, ok := e.watches[clientWriteSeq]
	if !ok || w.DeviceID != deviceID {
		e.mu.Unlock()
		return
	}
	w.timer.Stop()
	w.state = StateAcked
	delete(e.watches, clientWriteSeq)
	e.mu.Unlock()

	if latencyMS <= 0 {
		latencyMS = time.Since(w.armedAt).Milliseconds()
	}
	if e.hooks.OnLatency != nil {
		e.hooks.OnLatency(clientWriteSeq, latencyMS)
	}
	e.log.Debug("write receipt", zap.Int64("client_write_seq", clientWriteSeq), zap.Int64("latency_ms", latencyMS))
}

// Cancel 显式撤防（发送被同步确认/拒绝、会话关闭）
func (e *Engine) Cancel(clientWriteSeq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watches[clientWriteSeq]; ok {
		w.timer.Stop()
		delete(e.watches, clientWriteSeq)
	}
}

// Close 确定性停表：之后不会再有任何定时器打进来
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for seq, w := range e.watches {
		w.timer.Stop()
		delete(e.watches, seq)
	}
}

// StateOf 观测接口
func (e *Engine) StateOf(clientWriteSeq int64) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watches[clientWriteSeq]
	if !ok {
		return StateResolved, false
	}
	return w.state, true
}

// Pending 在途 watch 数（测试用）
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

func (e *Engine) onTimeout(seq int64, gen uint64) {
	e.mu.Lock()
	w, ok := e.watches[seq]
	if !ok || w.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}
	w.state = StateTimedOut
	e.mu.Unlock()

	safe.SafeGo(func() { e.escalate(seq, gen) })
}

// escalate 一轮恢复：StatusCheck → Resync → FullSnapshot。
// 任一步拿到 retry_later 信号 → 原地重新布防，不消耗 attempt。
// 整轮失败 → attempt+1，退避后再来；耗尽 → Failed。
// 全程带代数：watch 被重新布防后，旧轮次的续体不再动新 watch。
func (e *Engine) escalate(seq int64, gen uint64) {
	w, alive := e.snapshot(seq, gen)
	if !alive {
		return
	}
	ctx := context.Background()

	// 1) 轻量状态查询：写是否已有终态
	e.setState(seq, gen, StateStatusCheck)
	st, err := e.backend.StatusWrite(ctx, &rpc.StatusWriteReq{
		DeviceID:       w.DeviceID,
		ClientWriteSeq: w.ClientWriteSeq,
	})
	if err == nil && st.Resolved && st.MsgID != "" {
		if e.finish(seq, gen, StateResolved) && e.hooks.OnResolved != nil {
			e.hooks.OnResolved(w.ClientMsgID, st.Row)
		}
		return
	}
	if d, later := errs.RetryAfter(err); later {
		e.rearm(seq, gen, d)
		return
	}

	// 2) 状态不明：按 checkpoint 做增量补流
	e.setState(seq, gen, StateResync)
	var since int64
	if e.hooks.Checkpoint != nil {
		since = e.hooks.Checkpoint(w.ConversationID)
	}
	rs, err := e.backend.ResyncStream(ctx, &rpc.ResyncStreamReq{
		ConversationID: w.ConversationID,
		SinceSeq:       since,
		Limit:          e.cfg.ResyncLimit,
	})
	if err == nil {
		if e.finish(seq, gen, StateResolved) && e.hooks.OnResynced != nil {
			e.hooks.OnResynced(w.ConversationID, rs.Rows)
		}
		return
	}
	if d, later := errs.RetryAfter(err); later {
		e.rearm(seq, gen, d)
		return
	}
	if !errs.IsCode(err, errs.CodeResyncFailed) {
		e.log.Warn("resync error", zap.Int64("client_write_seq", seq), zap.Error(err))
	}

	// 3) 补流失败（checkpoint 过旧/断流）：全量快照兜底
	e.setState(seq, gen, StateFullSnapshot)
	sn, err := e.backend.FullSnapshot(ctx, &rpc.FullSnapshotReq{
		ConversationID: w.ConversationID,
		DeviceID:       w.DeviceID,
		Limit:          e.cfg.SnapshotLimit,
	})
	if err == nil {
		if e.finish(seq, gen, StateResolved) && e.hooks.OnSnapshot != nil {
			e.hooks.OnSnapshot(w.ConversationID, sn.Rows)
		}
		return
	}
	if d, later := errs.RetryAfter(err); later {
		e.rearm(seq, gen, d)
		return
	}

	// 4) 整轮失败：退避重试或宣告失败
	e.mu.Lock()
	w2, ok := e.watches[seq]
	if !ok || w2.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}
	w2.attempt++
	attempt := w2.attempt
	e.mu.Unlock()

	if attempt >= e.cfg.MaxAttempts {
		e.fail(seq, gen)
		return
	}
	e.rearmN(seq, gen, e.backoff(attempt), false)
}

func (e *Engine) snapshot(seq int64, gen uint64) (Spec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watches[seq]
	if !ok || w.gen != gen || e.closed {
		return Spec{}, false
	}
	return w.Spec, true
}

func (e *Engine) setState(seq int64, gen uint64, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.watches[seq]; ok && w.gen == gen {
		w.state = s
	}
}

// finish 终态出列；返回 false 表示 watch 已被回执/取消/重新布防抢先处理
func (e *Engine) finish(seq int64, gen uint64, s State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watches[seq]
	if !ok || w.gen != gen {
		return false
	}
	w.timer.Stop()
	w.state = s
	delete(e.watches, seq)
	return true
}

func (e *Engine) fail(seq int64, gen uint64) {
	e.mu.Lock()
	w, ok := e.watches[seq]
	if !ok || w.gen != gen {
		e.mu.Unlock()
		return
	}
	w.timer.Stop()
	w.state = StateFailed
	spec := w.Spec
	delete(e.watches, seq)
	e.mu.Unlock()

	e.log.Warn("recovery exhausted",
		zap.Int64("client_write_seq", spec.ClientWriteSeq),
		zap.String("client_msg_id", spec.ClientMsgID))
	if e.hooks.OnFailed != nil {
		e.hooks.OnFailed(spec)
	}
}

// rearm retry_later：不消耗 attempt，但 rearm 总数有上限，
// 恶意后端也钉不死一个 watch
func (e *Engine) rearm(seq int64, gen uint64, delay time.Duration) {
	e.rearmN(seq, gen, delay, true)
}

func (e *Engine) rearmN(seq int64, gen uint64, delay time.Duration, countRearm bool) {
	e.mu.Lock()
	w, ok := e.watches[seq]
	if !ok || w.gen != gen || e.closed {
		e.mu.Unlock()
		return
	}
	if countRearm {
		w.rearms++
		if w.rearms > 2*e.cfg.MaxAttempts {
			e.mu.Unlock()
			e.fail(seq, gen)
			return
		}
	}
	if delay <= 0 {
		delay = e.backoff(w.attempt)
	}
	w.state = StateTimedOut
	w.timer = time.AfterFunc(delay, func() { e.onTimeout(seq, gen) })
	e.mu.Unlock()
}

// backoff base * 2^attempt，封顶 cap，乘 [1, 1+jitter) 随机抖动，
// 避免 resync 风暴齐步走
func (e *Engine) backoff(attempt int) time.Duration {
	d := safe.DefaultDuration(e.cfg.BackoffBase, 500*time.Millisecond)
	limit := safe.DefaultDuration(e.cfg.BackoffCap, 10*time.Second)
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	if e.cfg.BackoffJitter > 0 {
		d = time.Duration(float64(d) * (1 + rand.Float64()*e.cfg.BackoffJitter))
	}
	return d
}
