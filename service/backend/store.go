package backend

import (
	"context"

	"PPClient/module/chat/model"
)

// WriteRecord (device_id, client_write_seq) -> 落库结果，幂等查询用
type WriteRecord struct {
	DeviceID       string `bson:"device_id" json:"device_id"`
	ClientWriteSeq int64  `bson:"client_write_seq" json:"client_write_seq"`
	ClientMsgID    string `bson:"client_msg_id" json:"client_msg_id"`
	MsgID          string `bson:"msg_id" json:"msg_id"`
	Seq            int64  `bson:"seq" json:"seq"`
}

// Store 后端持久化抽象：生产实现 Mongo/Postgres，测试用内存版。
// 唯一键约束：msg id、(sender, client_msg_id)、(conv, seq)。
type Store interface {
	EnsureConversation(ctx context.Context, convID string) error
	QueryMaxSeq(ctx context.Context, convID string) (int64, error)
	QueryMinSeq(ctx context.Context, convID string) (int64, error)
	// BumpMinSeq 历史清理（TTL）推进最小序列；checkpoint 早于它的补流请求判失败
	BumpMinSeq(ctx context.Context, convID string, seq int64) error

	InsertMessage(ctx context.Context, m *model.Message) error
	FindByID(ctx context.Context, id string) (*model.Message, error)
	FindByClientID(ctx context.Context, senderID, clientMsgID string) (*model.Message, error)
	ListSince(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*model.Message, error)
	ListLatest(ctx context.Context, convID string, limit int) ([]*model.Message, error)

	FindWrite(ctx context.Context, deviceID string, clientWriteSeq int64) (*WriteRecord, error)
	RecordWrite(ctx context.Context, rec *WriteRecord) error

	GetCursor(ctx context.Context, userID, convID string) (delivered, read int64, err error)
	PutCursor(ctx context.Context, userID, convID string, delivered, read int64) error

	IsUniqueClientIDErr(err error) bool
	IsUniqueSeqErr(err error) bool
	IsTransientErr(err error) bool
}

// SeqAllocator 会话内序列分配；发现落后时只升不降再取号
type SeqAllocator interface {
	NextSeq(ctx context.Context, convID string) (int64, error)
	ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error)
}
