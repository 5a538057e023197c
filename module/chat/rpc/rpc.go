package rpc

import (
	"context"

	"PPClient/module/chat/model"
)

// AckStatus send_message 的确认状态
type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDuplicate AckStatus = "duplicate"
	AckRejected  AckStatus = "rejected"
)

// 服务端拒绝码（随 AckRejected / 光标接口返回）
const (
	RejectReadGtDelivered = "read_gt_delivered"
	RejectRetryLater      = "retry_later"
	RejectContentEmpty    = "content_empty"
)

// ===== 请求/响应记录（闭集，未知形状直接拒绝）=====

type SendMessageReq struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	DeviceID       string `json:"device_id"`
	ClientWriteSeq int64  `json:"client_write_seq"`
	ClientMsgID    string `json:"client_msg_id"`
	Content        string `json:"content"`
	ClientTimeMS   int64  `json:"client_time_ms"`
}

type SendMessageResp struct {
	Status     AckStatus `json:"status"`
	RejectCode string    `json:"reject_code,omitempty"`
	MsgID      string    `json:"msg_id,omitempty"`
	Seq        int64     `json:"seq,omitempty"`
}

type StatusWriteReq struct {
	DeviceID       string `json:"device_id"`
	ClientWriteSeq int64  `json:"client_write_seq"`
}

type StatusWriteResp struct {
	Resolved bool           `json:"resolved"`
	MsgID    string         `json:"msg_id,omitempty"`
	Row      *model.Message `json:"row,omitempty"` // 已落库时附带权威行，客户端可直接消解回显
}

type ResyncStreamReq struct {
	ConversationID string `json:"conversation_id"`
	SinceSeq       int64  `json:"since_seq"`
	Limit          int    `json:"limit"`
}

type ResyncStreamResp struct {
	Rows    []*model.Message `json:"rows"`
	NextSeq int64            `json:"next_seq"` // 下一次增量拉取的 checkpoint
}

type FullSnapshotReq struct {
	ConversationID string `json:"conversation_id"`
	DeviceID       string `json:"device_id"`
	Limit          int    `json:"limit"`
}

type FullSnapshotResp struct {
	Rows []*model.Message `json:"rows"` // 权威全量，客户端整体替换
}

type AckDeliveredReq struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UpToSeq        int64  `json:"up_to_seq"`
}

type AckDeliveredResp struct {
	DeliveredUpToSeq int64 `json:"delivered_up_to_seq"`
}

type AckReadReq struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UpToSeq        int64  `json:"up_to_seq"`
}

type AckReadResp struct {
	ReadUpToSeq int64 `json:"read_up_to_seq"`
}

// Backend 权威 RPC 面。send/status 按 (device_id, client_write_seq) 幂等；
// resync 失败返回 errs.CodeResyncFailed，read 越界返回 errs.CodeReadGtDelivered，
// 服务端要求退避返回 errs.RetryLaterError。
type Backend interface {
	SendMessage(ctx context.Context, req *SendMessageReq) (*SendMessageResp, error)
	StatusWrite(ctx context.Context, req *StatusWriteReq) (*StatusWriteResp, error)
	ResyncStream(ctx context.Context, req *ResyncStreamReq) (*ResyncStreamResp, error)
	FullSnapshot(ctx context.Context, req *FullSnapshotReq) (*FullSnapshotResp, error)
	AckDelivered(ctx context.Context, req *AckDeliveredReq) (*AckDeliveredResp, error)
	AckRead(ctx context.Context, req *AckReadReq) (*AckReadResp, error)
}

// TokenProvider 鉴权是外部协作者，这里只消费一个不透明 token
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken 固定 token（测试/演示用）
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }
