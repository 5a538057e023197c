package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"PPClient/global"
	"PPClient/logger"
	"PPClient/module/chat/cursor"
	"PPClient/module/chat/echo"
	"PPClient/module/chat/media"
	"PPClient/module/chat/model"
	"PPClient/module/chat/reconcile"
	"PPClient/module/chat/recovery"
	"PPClient/module/chat/rpc"
	"PPClient/service/realtime"
	"PPClient/tools/errs"
	"PPClient/tools/ids"
	"PPClient/tools/safe"
)

// UIEventKind 会话向上层（UI）的通知类型
type UIEventKind string

const (
	UIUpdated    UIEventKind = "updated"     // 可见列表有变化，重渲染
	UISendFailed UIEventKind = "send_failed" // 恢复耗尽/被拒，恢复输入态给手动重试
)

type UIEvent struct {
	Kind        UIEventKind
	ClientMsgID string
}

// Session 一个活跃会话视图的生命周期对象：
// 持有回显/合并/恢复/光标四个子件，own 轮询定时器与实时订阅，
// Close 确定性拆除（停表、退订），cancelled 标志拦掉迟到的异步续体。
type Session struct {
	cfg      global.AppConfig
	userID   string
	deviceID string
	convID   string

	backend rpc.Backend
	feed    realtime.Feed
	idstore identity
	idgen   ids.ClientMsgIDGenerator

	echoes *echo.Store
	rec    *reconcile.Reconciler
	eng    *recovery.Engine
	cur    *cursor.Manager

	events chan UIEvent

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	latMu     sync.Mutex
	latencies []int64

	log *zap.Logger
}

// identity 会话需要的本地身份面（identity.Store 即满足）
type identity interface {
	GetOrCreateDeviceID() (string, error)
	NextWriteSeq(userID string) (int64, error)
	cursor.WatermarkStore
}

func New(cfg global.AppConfig, backend rpc.Backend, feed realtime.Feed, idstore identity, userID, convID string) (*Session, error) {
	deviceID, err := idstore.GetOrCreateDeviceID()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		userID:   userID,
		deviceID: deviceID,
		convID:   convID,
		backend:  backend,
		feed:     feed,
		idstore:  idstore,
		idgen:    ids.UUIDGen{},
		events:   make(chan UIEvent, cfg.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.Named("session"),
	}
	s.echoes = echo.NewStore(cfg.DuplicateWindow)
	s.rec = reconcile.New(convID, s.echoes, cfg.FetchMatchWindow, cfg.RealtimeMatchWindow)
	s.cur = cursor.NewManager(cfg, backend, convID, userID, idstore)
	s.eng = recovery.NewEngine(cfg, backend, recovery.Hooks{
		OnResolved: s.onResolved,
		OnResynced: s.onResynced,
		OnSnapshot: s.onSnapshot,
		OnFailed:   s.onFailed,
		OnLatency:  s.onLatency,
		Checkpoint: func(string) int64 { return s.rec.MaxSeq() },
	})

	safe.SafeGo(s.drainFeed)
	safe.SafeGo(s.pollLoop)
	return s, nil
}

// Send 发送一条消息：指纹防抖 → 回显上屏 → 布防 → RPC。
// 瞬时失败不上抛（恢复引擎接管）；显式拒绝返回类型化错误并撤回显。
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	if s.cancelled.Load() {
		return "", errs.ErrSendRejected.WrapMsg("session closed")
	}
	nowMS := time.Now().UnixMilli()
	cid := s.idgen.New()
	fp := echo.Fingerprint(s.convID, s.userID, content)
	if existing, ok := s.echoes.BeginSend(fp, cid, nowMS); !ok {
		// 在途或冷却窗口内的重复提交：静默抑制，不二次写
		s.log.Debug("duplicate send suppressed", zap.String("client_msg_id", existing))
		return existing, nil
	}

	writeSeq, err := s.idstore.NextWriteSeq(s.userID)
	if err != nil {
		s.echoes.AbortSend(fp)
		return "", err
	}

	s.echoes.Arm(model.NewPendingEcho(cid, s.convID, s.userID, content, nowMS))
	s.emit(UIEvent{Kind: UIUpdated})

	// RPC 一发出即布防；同步确认到了再撤
	s.eng.Arm(recovery.Spec{
		ConversationID: s.convID,
		ClientWriteSeq: writeSeq,
		ClientMsgID:    cid,
		DeviceID:       s.deviceID,
	})

	resp, err := s.backend.SendMessage(ctx, &rpc.SendMessageReq{
		ConversationID: s.convID,
		SenderID:       s.userID,
		DeviceID:       s.deviceID,
		ClientWriteSeq: writeSeq,
		ClientMsgID:    cid,
		Content:        content,
		ClientTimeMS:   nowMS,
	})
	s.echoes.EndSend(fp, time.Now().UnixMilli())

	if err != nil {
		// 瞬时网络/超时：watch 留着，恢复引擎沿梯子往上爬
		s.log.Warn("send rpc error, recovery armed",
			zap.Int64("client_write_seq", writeSeq), zap.Error(err))
		return cid, nil
	}

	switch resp.Status {
	case rpc.AckRejected:
		s.eng.Cancel(writeSeq)
		s.echoes.Fail(cid)
		s.emit(UIEvent{Kind: UISendFailed, ClientMsgID: cid})
		return cid, errs.ErrSendRejected.WrapMsg("reject", "code", resp.RejectCode)
	case rpc.AckAccepted, rpc.AckDuplicate:
		if resp.MsgID != "" {
			s.eng.Cancel(writeSeq)
			s.rec.Apply([]*model.Message{{
				ID:             resp.MsgID,
				ClientMsgID:    cid,
				ConversationID: s.convID,
				SenderID:       s.userID,
				Content:        content,
				Seq:            resp.Seq,
				CreatedAtMS:    nowMS,
			}}, reconcile.SourcePoll)
			s.emit(UIEvent{Kind: UIUpdated})
		}
		// 没带 msg_id 的 accepted 视为歧义确认，等回执/恢复
		return cid, nil
	default:
		return cid, nil
	}
}

// SendMedia 媒体走同一条流水线：封套即 content
func (s *Session) SendMedia(ctx context.Context, kind, mime, url string, durationMS int64) (string, error) {
	content, err := media.Build(kind, mime, url, durationMS)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, content)
}

// MarkRead 会话打开/读到底：读光标推进到当前权威最大 seq
func (s *Session) MarkRead(ctx context.Context) error {
	return s.cur.MarkRead(ctx, s.rec.MaxSeq())
}

// Messages 当前有序去重视图
func (s *Session) Messages() []*model.Message { return s.rec.List() }

// Events UI 通知通道
func (s *Session) Events() <-chan UIEvent { return s.events }

// Cursor 本地光标镜像
func (s *Session) Cursor() (delivered, read int64) { return s.cur.Cursor() }

// Unread 保守未读数
func (s *Session) Unread() int64 {
	_, read := s.cur.Cursor()
	c := model.ConversationCursor{ReadUpToSeq: read}
	return c.Unread(s.rec.MaxSeq())
}

// Latencies 写回执观测到的时延（ms）
func (s *Session) Latencies() []int64 {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	out := make([]int64, len(s.latencies))
	copy(out, s.latencies)
	return out
}

// Pending 在途恢复 watch 数（诊断）
func (s *Session) Pending() int { return s.eng.Pending() }

// Close 拆除会话：停轮询、停恢复定时器、停去抖、退订实时流。
// 之后任何迟到的异步续体都会被 cancelled 标志拦下，不再改状态。
func (s *Session) Close() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.eng.Close()
	s.cur.Close()
	if s.feed != nil {
		_ = s.feed.Close()
	}
}

// ===== 恢复引擎回调 =====

func (s *Session) onResolved(clientMsgID string, row *model.Message) {
	if s.cancelled.Load() {
		return
	}
	if row != nil {
		s.rec.Apply([]*model.Message{row}, reconcile.SourcePoll)
	} else {
		s.echoes.Resolve(clientMsgID, "")
	}
	s.emit(UIEvent{Kind: UIUpdated})
}

func (s *Session) onResynced(convID string, rows []*model.Message) {
	if s.cancelled.Load() {
		return
	}
	// 补流成功视为全量对齐：清回显、应用增量、再拉一次
	s.echoes.Clear(convID)
	s.rec.Apply(rows, reconcile.SourcePoll)
	safe.SafeGo(s.fetchOnce)
	s.emit(UIEvent{Kind: UIUpdated})
}

func (s *Session) onSnapshot(convID string, rows []*model.Message) {
	if s.cancelled.Load() {
		return
	}
	s.rec.Replace(rows)
	s.echoes.Clear(convID)
	s.emit(UIEvent{Kind: UIUpdated})
}

func (s *Session) onFailed(spec recovery.Spec) {
	if s.cancelled.Load() {
		return
	}
	s.echoes.Fail(spec.ClientMsgID)
	s.emit(UIEvent{Kind: UISendFailed, ClientMsgID: spec.ClientMsgID})
}

func (s *Session) onLatency(_ int64, latencyMS int64) {
	s.latMu.Lock()
	s.latencies = append(s.latencies, latencyMS)
	s.latMu.Unlock()
}

// ===== 内部循环 =====

func (s *Session) drainFeed() {
	if s.feed == nil {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.feed.Events():
			if !ok {
				return
			}
			if s.cancelled.Load() {
				return
			}
			s.handleFeedEvent(ev)
		}
	}
}

func (s *Session) handleFeedEvent(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventInsert, realtime.EventUpdate:
		if ev.Msg == nil {
			return
		}
		s.rec.Apply([]*model.Message{ev.Msg}, reconcile.SourceRealtime)
		if ev.Msg.SenderID != s.userID && ev.Msg.Seq > 0 {
			s.cur.ScheduleDeliveredAck(ev.Msg.Seq)
		}
		s.emit(UIEvent{Kind: UIUpdated})
	case realtime.EventDelete:
		s.rec.Delete(ev.ID)
		s.emit(UIEvent{Kind: UIUpdated})
	case realtime.EventWriteReceipt:
		s.eng.OnReceipt(ev.DeviceID, ev.ClientWriteSeq, ev.LatencyMS)
	}
}

// pollLoop 轮询兜底：实时流可能静默丢事件，周期性增量拉取保证收敛
func (s *Session) pollLoop() {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.fetchOnce()
		}
	}
}

func (s *Session) fetchOnce() {
	if s.cancelled.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	resp, err := s.backend.ResyncStream(ctx, &rpc.ResyncStreamReq{
		ConversationID: s.convID,
		SinceSeq:       s.rec.MaxSeq(),
		Limit:          s.cfg.ResyncLimit,
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Warn("poll fetch failed", zap.Error(err))
		}
		return
	}
	if len(resp.Rows) == 0 {
		return
	}
	s.rec.Apply(resp.Rows, reconcile.SourcePoll)
	var maxOther int64
	for _, m := range resp.Rows {
		if m != nil && m.SenderID != s.userID && m.Seq > maxOther {
			maxOther = m.Seq
		}
	}
	if maxOther > 0 {
		s.cur.ScheduleDeliveredAck(maxOther)
	}
	s.emit(UIEvent{Kind: UIUpdated})
}

func (s *Session) emit(ev UIEvent) {
	if s.cancelled.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		// UI 消费不过来就丢通知；下一条 updated 会覆盖语义
	}
}
