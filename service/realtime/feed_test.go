package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPClient/module/chat/model"
	"PPClient/tools/errs"
)

func TestDecodeInsertRoundTrip(t *testing.T) {
	src := Event{Type: EventInsert, Msg: &model.Message{
		ID: "srv-1", ClientMsgID: "cid-1", ConversationID: "conv",
		SenderID: "alice", Content: "hi", Seq: 3, CreatedAtMS: 1000,
	}}
	data, err := EncodeEvent(src)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventInsert, got.Type)
	require.NotNil(t, got.Msg)
	assert.Equal(t, "srv-1", got.Msg.ID)
	assert.Equal(t, int64(3), got.Msg.Seq)
}

func TestDecodeReceipt(t *testing.T) {
	data, err := EncodeEvent(Event{
		Type: EventWriteReceipt, DeviceID: "dev", ClientWriteSeq: 7, LatencyMS: 12,
	})
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, EventWriteReceipt, got.Type)
	assert.Equal(t, "dev", got.DeviceID)
	assert.Equal(t, int64(7), got.ClientWriteSeq)
	assert.Equal(t, int64(12), got.LatencyMS)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"typing","payload":{}}`))
	assert.True(t, errs.IsCode(err, errs.CodeMalformedRow))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	// 载荷闭集：多余字段直接判坏帧
	_, err := DecodeEvent([]byte(`{"type":"delete","payload":{"id":"x","extra":1}}`))
	assert.True(t, errs.IsCode(err, errs.CodeMalformedRow))
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	_, err := DecodeEvent([]byte(`{not json`))
	assert.True(t, errs.IsCode(err, errs.CodeMalformedRow))
}

func TestChanFeedNonBlockingPush(t *testing.T) {
	f := NewChanFeed(1)
	assert.True(t, f.Push(Event{Type: EventDelete, ID: "a"}))
	// 满了丢弃，不阻塞
	assert.False(t, f.Push(Event{Type: EventDelete, ID: "b"}))

	ev := <-f.Events()
	assert.Equal(t, "a", ev.ID)
	require.NoError(t, f.Close())
	_, open := <-f.Events()
	assert.False(t, open)
}
