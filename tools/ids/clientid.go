package ids

import "github.com/google/uuid"

// ClientMsgIDGenerator 客户端消息ID生成器接口（可接雪花/ULID）
type ClientMsgIDGenerator interface{ New() string }

// UUIDGen 默认 UUID 实现；client_msg_id 是幂等键的一半
type UUIDGen struct{}

func (UUIDGen) New() string { return uuid.NewString() }
