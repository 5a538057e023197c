package realtime

import (
	"encoding/json"

	"PPClient/module/chat/model"
	"PPClient/tools/decode"
	"PPClient/tools/errs"
)

// EventType 实时流事件类型（闭集）
type EventType string

const (
	EventInsert       EventType = "insert"
	EventUpdate       EventType = "update"
	EventDelete       EventType = "delete"
	EventWriteReceipt EventType = "write_receipt"
)

// Event 解码后的类型化事件。流是 at-least-once、可能静默丢事件，
// 消费方（Reconciler）永远不单独信任它，轮询兜底保证正确性。
type Event struct {
	Type EventType

	// insert/update
	Msg *model.Message

	// delete
	ID string

	// write_receipt
	DeviceID       string
	ClientWriteSeq int64
	LatencyMS      int64
}

// Feed 类型化入站事件队列；会话按自己的节奏 drain，
// 事件到达与合并时机解耦，合并步骤可离线同步测试。
type Feed interface {
	Events() <-chan Event
	Close() error
}

// ===== 线上格式 =====

type wireEnvelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type receiptPayload struct {
	DeviceID       string `json:"device_id"`
	ClientWriteSeq int64  `json:"client_write_seq"`
	LatencyMS      int64  `json:"latency_ms"`
}

type deletePayload struct {
	ID string `json:"id"`
}

// DecodeEvent 把一帧 JSON 解成类型化事件。
// 载荷是闭集：未知 type 或多余字段直接报错，不逐字段探测。
func DecodeEvent(data []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, errs.ErrMalformedRow.WrapMsg("bad envelope", "err", err)
	}
	switch EventType(env.Type) {
	case EventInsert, EventUpdate:
		msg, err := decode.DecodeMap[model.Message](env.Payload)
		if err != nil {
			return Event{}, errs.ErrMalformedRow.WrapMsg("bad message payload", "err", err)
		}
		return Event{Type: EventType(env.Type), Msg: msg}, nil
	case EventDelete:
		p, err := decode.DecodeMap[deletePayload](env.Payload)
		if err != nil {
			return Event{}, errs.ErrMalformedRow.WrapMsg("bad delete payload", "err", err)
		}
		return Event{Type: EventDelete, ID: p.ID}, nil
	case EventWriteReceipt:
		p, err := decode.DecodeMap[receiptPayload](env.Payload)
		if err != nil {
			return Event{}, errs.ErrMalformedRow.WrapMsg("bad receipt payload", "err", err)
		}
		return Event{
			Type:           EventWriteReceipt,
			DeviceID:       p.DeviceID,
			ClientWriteSeq: p.ClientWriteSeq,
			LatencyMS:      p.LatencyMS,
		}, nil
	default:
		return Event{}, errs.ErrMalformedRow.WrapMsg("unknown event type", "type", env.Type)
	}
}

// EncodeEvent 服务端/测试侧编码
func EncodeEvent(ev Event) ([]byte, error) {
	env := wireEnvelope{Type: string(ev.Type), Payload: map[string]any{}}
	switch ev.Type {
	case EventInsert, EventUpdate:
		b, err := json.Marshal(ev.Msg)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &env.Payload); err != nil {
			return nil, err
		}
	case EventDelete:
		env.Payload["id"] = ev.ID
	case EventWriteReceipt:
		env.Payload["device_id"] = ev.DeviceID
		env.Payload["client_write_seq"] = ev.ClientWriteSeq
		env.Payload["latency_ms"] = ev.LatencyMS
	}
	return json.Marshal(env)
}

// ChanFeed 进程内通道实现（测试与单进程演示）
type ChanFeed struct {
	ch chan Event
}

func NewChanFeed(buf int) *ChanFeed {
	return &ChanFeed{ch: make(chan Event, buf)}
}

func (f *ChanFeed) Events() <-chan Event { return f.ch }

// Push 非阻塞投递；满了丢弃——丢事件是这条流的契约内行为，轮询会兜底
func (f *ChanFeed) Push(ev Event) bool {
	select {
	case f.ch <- ev:
		return true
	default:
		return false
	}
}

func (f *ChanFeed) Close() error {
	close(f.ch)
	return nil
}
