package backend

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPClient/module/chat/rpc"
	"PPClient/service/realtime"
	"PPClient/tools/errs"
)

func newTestHandler() (*Handler, *MemStore) {
	store := NewMemStore()
	return NewHandler(store, NewMemSeq(store)), store
}

func sendReq(cws int64, cid, content string) *rpc.SendMessageReq {
	return &rpc.SendMessageReq{
		ConversationID: "conv",
		SenderID:       "alice",
		DeviceID:       "dev",
		ClientWriteSeq: cws,
		ClientMsgID:    cid,
		Content:        content,
	}
}

func TestSendAcceptedAndSequenced(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	r1, err := h.SendMessage(ctx, sendReq(1, "cid-1", "one"))
	require.NoError(t, err)
	assert.Equal(t, rpc.AckAccepted, r1.Status)
	assert.Equal(t, int64(1), r1.Seq)
	require.NotEmpty(t, r1.MsgID)

	r2, err := h.SendMessage(ctx, sendReq(2, "cid-2", "two"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Seq)
}

func TestSendIdempotentOnWriteSeqReplay(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	r1, err := h.SendMessage(ctx, sendReq(1, "cid-1", "hello"))
	require.NoError(t, err)

	// 同 (device_id, client_write_seq) 重放任意次：只落一条，回同一 msg_id
	for i := 0; i < 3; i++ {
		r2, err := h.SendMessage(ctx, sendReq(1, "cid-1", "hello"))
		require.NoError(t, err)
		assert.Equal(t, rpc.AckDuplicate, r2.Status)
		assert.Equal(t, r1.MsgID, r2.MsgID)
		assert.Equal(t, r1.Seq, r2.Seq)
	}

	resync, err := h.ResyncStream(ctx, &rpc.ResyncStreamReq{ConversationID: "conv", SinceSeq: 0})
	require.NoError(t, err)
	assert.Len(t, resync.Rows, 1)
}

func TestSendIdempotentOnClientMsgID(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	r1, err := h.SendMessage(ctx, sendReq(1, "cid-1", "hello"))
	require.NoError(t, err)

	// 新写序号、同 client_msg_id（换设备重装等路径）同样幂等
	r2, err := h.SendMessage(ctx, sendReq(9, "cid-1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, rpc.AckDuplicate, r2.Status)
	assert.Equal(t, r1.MsgID, r2.MsgID)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	h, _ := newTestHandler()
	r, err := h.SendMessage(context.Background(), sendReq(1, "cid-1", ""))
	require.NoError(t, err)
	assert.Equal(t, rpc.AckRejected, r.Status)
	assert.Equal(t, rpc.RejectContentEmpty, r.RejectCode)
}

func TestSendPublishesInsertAndReceipt(t *testing.T) {
	h, _ := newTestHandler()
	var events []realtime.Event
	h.Publish = func(ev realtime.Event) { events = append(events, ev) }

	_, err := h.SendMessage(context.Background(), sendReq(1, "cid-1", "hello"))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, realtime.EventInsert, events[0].Type)
	assert.Equal(t, "hello", events[0].Msg.Content)
	assert.Equal(t, realtime.EventWriteReceipt, events[1].Type)
	assert.Equal(t, "dev", events[1].DeviceID)
	assert.Equal(t, int64(1), events[1].ClientWriteSeq)
}

func TestStatusWrite(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	st, err := h.StatusWrite(ctx, &rpc.StatusWriteReq{DeviceID: "dev", ClientWriteSeq: 1})
	require.NoError(t, err)
	assert.False(t, st.Resolved)

	r, err := h.SendMessage(ctx, sendReq(1, "cid-1", "hello"))
	require.NoError(t, err)

	st, err = h.StatusWrite(ctx, &rpc.StatusWriteReq{DeviceID: "dev", ClientWriteSeq: 1})
	require.NoError(t, err)
	assert.True(t, st.Resolved)
	assert.Equal(t, r.MsgID, st.MsgID)
	require.NotNil(t, st.Row)
	assert.Equal(t, "hello", st.Row.Content)
}

func TestResyncStreamAndCheckpointTooOld(t *testing.T) {
	h, store := newTestHandler()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := h.SendMessage(ctx, sendReq(int64(i), fmt.Sprintf("cid-%d", i), fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	rs, err := h.ResyncStream(ctx, &rpc.ResyncStreamReq{ConversationID: "conv", SinceSeq: 2})
	require.NoError(t, err)
	require.Len(t, rs.Rows, 3)
	assert.Equal(t, int64(3), rs.Rows[0].Seq)
	assert.Equal(t, int64(5), rs.NextSeq)

	// 历史被清理（min_seq 前移）后，过旧 checkpoint 显式判失败
	require.NoError(t, store.BumpMinSeq(ctx, "conv", 3))
	_, err = h.ResyncStream(ctx, &rpc.ResyncStreamReq{ConversationID: "conv", SinceSeq: 2})
	assert.True(t, errs.IsCode(err, errs.CodeResyncFailed))
}

func TestFullSnapshotReturnsLatestAscending(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := h.SendMessage(ctx, sendReq(int64(i), fmt.Sprintf("cid-%d", i), fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	sn, err := h.FullSnapshot(ctx, &rpc.FullSnapshotReq{ConversationID: "conv", Limit: 2})
	require.NoError(t, err)
	require.Len(t, sn.Rows, 2)
	assert.Equal(t, int64(3), sn.Rows[0].Seq)
	assert.Equal(t, int64(4), sn.Rows[1].Seq)
}

func TestCursorOps(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	// up_to=0 是纯查询
	d, err := h.AckDelivered(ctx, &rpc.AckDeliveredReq{ConversationID: "conv", UserID: "alice"})
	require.NoError(t, err)
	assert.Zero(t, d.DeliveredUpToSeq)

	d, err = h.AckDelivered(ctx, &rpc.AckDeliveredReq{ConversationID: "conv", UserID: "alice", UpToSeq: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), d.DeliveredUpToSeq)

	// delivered 只升不降
	d, err = h.AckDelivered(ctx, &rpc.AckDeliveredReq{ConversationID: "conv", UserID: "alice", UpToSeq: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(5), d.DeliveredUpToSeq)

	// read 越过 delivered 拒绝
	_, err = h.AckRead(ctx, &rpc.AckReadReq{ConversationID: "conv", UserID: "alice", UpToSeq: 7})
	assert.True(t, errs.IsCode(err, errs.CodeReadGtDelivered))

	r, err := h.AckRead(ctx, &rpc.AckReadReq{ConversationID: "conv", UserID: "alice", UpToSeq: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.ReadUpToSeq)
}

func TestSeqReconcileOnConflict(t *testing.T) {
	h, store := newTestHandler()
	ctx := context.Background()

	// 分配器视角外先占掉 seq 1（模拟分配器落后于库）
	r1, err := h.SendMessage(ctx, sendReq(1, "cid-1", "one"))
	require.NoError(t, err)
	require.Equal(t, int64(1), r1.Seq)

	// 换一个分配器实例（计数从 0 起，会先撞 seq 1）
	h2 := NewHandler(store, NewMemSeq(NewMemStore()))
	r2, err := h2.SendMessage(ctx, sendReq(2, "cid-2", "two"))
	require.NoError(t, err)
	assert.Equal(t, rpc.AckAccepted, r2.Status)
	assert.Equal(t, int64(2), r2.Seq)
}
