package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"PPClient/logger"
	"PPClient/module/chat/echo"
	"PPClient/module/chat/model"
)

// Source 权威行批次的来源，决定近似匹配的时间窗口
type Source int

const (
	SourcePoll     Source = iota // 轮询/增量拉取
	SourceRealtime               // 实时推送（抖动大，窗口放宽）
	SourceSnapshot               // 恢复快照
)

// Reconciler 把权威消息流、在途回显、实时事件合并成一份有序去重视图。
// 合并是幂等的：同一批次应用两次，产出完全一致。
type Reconciler struct {
	mu     sync.Mutex
	convID string
	rows   map[string]*model.Message // 权威行，按服务端ID
	echoes *echo.Store

	fetchWindow    time.Duration
	realtimeWindow time.Duration

	log *zap.Logger
}

func New(convID string, echoes *echo.Store, fetchWindow, realtimeWindow time.Duration) *Reconciler {
	return &Reconciler{
		convID:         convID,
		rows:           make(map[string]*model.Message),
		echoes:         echoes,
		fetchWindow:    fetchWindow,
		realtimeWindow: realtimeWindow,
		log:            logger.Named("reconcile"),
	}
}

func (r *Reconciler) window(src Source) time.Duration {
	if src == SourceRealtime {
		return r.realtimeWindow
	}
	return r.fetchWindow
}

// Apply 合并一批权威行：
// 1) 按 id 建权威集，收集权威 client_msg_id 集合
// 2) 回显的 client_msg_id 命中 → 消解
// 3) 老行没有 client_msg_id → 近似匹配（同发送者+内容全等+时间窗内）
// 4) 未消解的回显保留，与权威集一起按全序排
// 坏行不让合并崩掉：跳过并记日志。
func (r *Reconciler) Apply(batch []*model.Message, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byCID := make(map[string]string, len(batch))
	var untagged []*model.Message
	for _, m := range batch {
		if m == nil || m.ID == "" || m.ConversationID == "" {
			r.log.Warn("skip malformed row", zap.Any("row", m))
			continue
		}
		if m.ConversationID != r.convID {
			continue
		}
		cp := *m
		r.rows[cp.ID] = &cp
		if cp.ClientMsgID != "" {
			byCID[cp.ClientMsgID] = cp.ID
		} else {
			untagged = append(untagged, &cp)
		}
	}

	win := r.window(src).Milliseconds()
	for _, e := range r.echoes.Snapshot() {
		if e.ConversationID != r.convID {
			continue
		}
		if sid, ok := byCID[e.ClientMsgID]; ok {
			r.echoes.Resolve(e.ClientMsgID, sid)
			continue
		}
		// 灰度 schema：权威行可能不带 client_msg_id，退化为近似匹配
		for _, m := range untagged {
			if m.SenderID != e.SenderID || m.Content != e.Content {
				continue
			}
			d := m.CreatedAtMS - e.CreatedAtMS
			if d < 0 {
				d = -d
			}
			if d <= win {
				r.echoes.Resolve(e.ClientMsgID, m.ID)
				break
			}
		}
	}
}

// Delete 实时删除事件
func (r *Reconciler) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
}

// Replace 全量快照整体替换可见集（最后一级恢复手段）。
// 回显由调用方通过 echo.Store.Clear 处理。
func (r *Reconciler) Replace(batch []*model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[string]*model.Message, len(batch))
	for _, m := range batch {
		if m == nil || m.ID == "" {
			r.log.Warn("skip malformed snapshot row", zap.Any("row", m))
			continue
		}
		cp := *m
		r.rows[cp.ID] = &cp
	}
}

// List 当前可见列表：权威行 + 未消解回显，按 seq→created_at→id 全序
func (r *Reconciler) List() []*model.Message {
	r.mu.Lock()
	out := make([]*model.Message, 0, len(r.rows)+4)
	for _, m := range r.rows {
		cp := *m
		out = append(out, &cp)
	}
	r.mu.Unlock()

	for _, e := range r.echoes.Snapshot() {
		if e.ConversationID == r.convID {
			cp := *e
			out = append(out, &cp)
		}
	}
	model.SortMessages(out)
	return out
}

// MaxSeq 权威行的最大序列，作为增量补流的 checkpoint
func (r *Reconciler) MaxSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max int64
	for _, m := range r.rows {
		if m.Seq > max {
			max = m.Seq
		}
	}
	return max
}

// Get 按服务端ID取行（测试用）
func (r *Reconciler) Get(id string) (*model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}
