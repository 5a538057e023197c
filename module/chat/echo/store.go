package echo

import (
	"strings"
	"sync"
	"time"

	"PPClient/module/chat/model"
)

// Store 管理本地回显与在途指纹，是这两类可变状态的唯一写入方。
// API 是全集（Arm/Resolve/Has/Clear），外部不直接摸 map。
// 已消解的 client_msg_id 留墓碑，保证同一批权威行合并两次不会复活回显。
type Store struct {
	mu       sync.Mutex
	pending  map[string]*model.Message // client_msg_id -> 回显行
	resolved map[string]string         // client_msg_id -> server msg id（墓碑）
	inflight map[string]flight         // 指纹 -> 在途/冷却状态
	cooldown time.Duration
}

type flight struct {
	clientMsgID string
	doneAtMS    int64 // 0=仍在途；否则为完成时间，冷却窗口内仍视为重复
}

func NewStore(cooldown time.Duration) *Store {
	return &Store{
		pending:  make(map[string]*model.Message),
		resolved: make(map[string]string),
		inflight: make(map[string]flight),
		cooldown: cooldown,
	}
}

// Fingerprint 重复发送指纹：(会话, 发送者, 规整后内容)
func Fingerprint(convID, senderID, content string) string {
	norm := strings.Join(strings.Fields(strings.TrimSpace(content)), " ")
	return convID + "|" + senderID + "|" + norm
}

// Arm 登记一条回显。已有墓碑的 client_msg_id 不再接受（防复活）。
func (s *Store) Arm(echo *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.resolved[echo.ClientMsgID]; dead {
		return false
	}
	s.pending[echo.ClientMsgID] = echo
	return true
}

// Has 回显是否仍在途
func (s *Store) Has(clientMsgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[clientMsgID]
	return ok
}

// Resolve 权威行到达，消解回显并落墓碑。返回是否确有消解。
func (s *Store) Resolve(clientMsgID, serverMsgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[clientMsgID]; !ok {
		return false
	}
	delete(s.pending, clientMsgID)
	s.resolved[clientMsgID] = serverMsgID
	return true
}

// Fail 恢复耗尽，回显出列（同样落墓碑，避免迟到的权威行重复上屏判定）
func (s *Store) Fail(clientMsgID string) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pending[clientMsgID]
	if !ok {
		return nil, false
	}
	delete(s.pending, clientMsgID)
	s.resolved[clientMsgID] = ""
	return m, true
}

// Clear 清掉某会话的全部回显（resync 成功视为已全量对齐）
func (s *Store) Clear(convID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared []string
	for cid, m := range s.pending {
		if m.ConversationID == convID {
			delete(s.pending, cid)
			s.resolved[cid] = ""
			cleared = append(cleared, cid)
		}
	}
	return cleared
}

// Snapshot 当前所有在途回显（拷贝，调用方可自由排序）
func (s *Store) Snapshot() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, 0, len(s.pending))
	for _, m := range s.pending {
		out = append(out, m)
	}
	return out
}

// ResolvedID 查墓碑（测试与诊断用）
func (s *Store) ResolvedID(clientMsgID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.resolved[clientMsgID]
	return v, ok
}

// BeginSend 指纹防抖：在途或冷却窗口内返回已占用的 client_msg_id 与 false。
// 返回 true 表示指纹已登记，调用方可以发起写。
func (s *Store) BeginSend(fp, clientMsgID string, nowMS int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.inflight[fp]; ok {
		if f.doneAtMS == 0 || nowMS-f.doneAtMS < s.cooldown.Milliseconds() {
			return f.clientMsgID, false
		}
	}
	s.inflight[fp] = flight{clientMsgID: clientMsgID}
	return clientMsgID, true
}

// EndSend 写完成（成败都算），进入冷却窗口
func (s *Store) EndSend(fp string, nowMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.inflight[fp]; ok {
		f.doneAtMS = nowMS
		s.inflight[fp] = f
	}
}

// AbortSend 写未发出（构造失败等），指纹立刻释放
func (s *Store) AbortSend(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, fp)
}
