package model

import (
	"sort"
	"strings"
)

// LocalIDPrefix 本地回显行的ID前缀；服务端永远不会分配这种ID
const LocalIDPrefix = "local:"

// Message 是一条会话消息的客户端视图。
// 服务端持久化后不可变；seq 为 0 表示历史/未编号行（灰度 schema），
// 排序退化到 created_at，再退化到 id。
type Message struct {
	ID             string `json:"id"`                      // 服务端分配，权威
	ClientMsgID    string `json:"client_msg_id,omitempty"` // 客户端幂等ID；老行可能为空
	ConversationID string `json:"conversation_id"`         // 会话ID
	SenderID       string `json:"sender_id"`               // 发送者ID
	Content        string `json:"content"`                 // 内容（文本或媒体封套JSON）
	Seq            int64  `json:"seq"`                     // 会话内自增序列；0=未编号
	CreatedAtMS    int64  `json:"created_at_ms"`           // 创建时间(Unix ms)
}

// IsLocal 是否为尚未确认的本地回显行
func (m *Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// LocalID 由 client_msg_id 构造回显行ID
func LocalID(clientMsgID string) string { return LocalIDPrefix + clientMsgID }

// NewPendingEcho 发送即上屏的占位行；seq 恒为 0，由权威行替换
func NewPendingEcho(clientMsgID, convID, senderID, content string, nowMS int64) *Message {
	return &Message{
		ID:             LocalID(clientMsgID),
		ClientMsgID:    clientMsgID,
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Seq:            0,
		CreatedAtMS:    nowMS,
	}
}

// Less 会话内全序：seq 升序；无 seq 的按 created_at，再按 id。
// 有 seq 的行排在同时间无 seq 行之前才能保证两条有 seq 的行永远按 seq 呈现，
// 所以比较时 seq 只与 seq 比，混合时间轴用 created_at 对齐。
func Less(a, b *Message) bool {
	if a.Seq > 0 && b.Seq > 0 {
		return a.Seq < b.Seq
	}
	if a.CreatedAtMS != b.CreatedAtMS {
		return a.CreatedAtMS < b.CreatedAtMS
	}
	return a.ID < b.ID
}

// SortMessages 就地按全序排序
func SortMessages(list []*Message) {
	sort.SliceStable(list, func(i, j int) bool { return Less(list[i], list[j]) })
}

// ConversationCursor 用户在某会话上的两级水位。
// 不变量：ReadUpToSeq <= DeliveredUpToSeq，任何时刻都成立。
type ConversationCursor struct {
	ConversationID   string `json:"conversation_id"`
	DeliveredUpToSeq int64  `json:"delivered_up_to_seq"`
	ReadUpToSeq      int64  `json:"read_up_to_seq"`
}

// Unread 保守未读数（O(1)，maxSeq 为会话权威最大序列）
func (c *ConversationCursor) Unread(maxSeq int64) int64 {
	n := maxSeq - c.ReadUpToSeq
	if n < 0 {
		return 0
	}
	return n
}
