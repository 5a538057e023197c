package backend

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PPClient/logger"
	"PPClient/module/chat/model"
	"PPClient/module/chat/rpc"
	"PPClient/service/realtime"
	"PPClient/tools/errs"
	"PPClient/tools/ids"
)

// Handler 六个权威操作的实现，直接满足 rpc.Backend，
// 测试可以不过网络直连。实时事件经 Publish 推出去（ws hub / ChanFeed）。
type Handler struct {
	store Store
	seq   SeqAllocator

	// Publish 为空则不推（纯拉模式也正确，只是慢）
	Publish func(ev realtime.Event)

	log *zap.Logger
}

func NewHandler(store Store, seq SeqAllocator) *Handler {
	return &Handler{store: store, seq: seq, log: logger.Named("backend")}
}

func (h *Handler) publish(ev realtime.Event) {
	if h.Publish != nil {
		h.Publish(ev)
	}
}

// SendMessage 占位→seq→落库→(冲突矫正)→提交→ACK。
// (device_id, client_write_seq) 与 (sender, client_msg_id) 双路幂等。
func (h *Handler) SendMessage(ctx context.Context, req *rpc.SendMessageReq) (*rpc.SendMessageResp, error) {
	if req.Content == "" {
		return &rpc.SendMessageResp{Status: rpc.AckRejected, RejectCode: rpc.RejectContentEmpty}, nil
	}

	// 1) 幂等命中：同一写序号重放任意次只落一条
	if rec, err := h.store.FindWrite(ctx, req.DeviceID, req.ClientWriteSeq); err == nil && rec != nil {
		return &rpc.SendMessageResp{Status: rpc.AckDuplicate, MsgID: rec.MsgID, Seq: rec.Seq}, nil
	}
	if m, err := h.store.FindByClientID(ctx, req.SenderID, req.ClientMsgID); err == nil && m != nil {
		return &rpc.SendMessageResp{Status: rpc.AckDuplicate, MsgID: m.ID, Seq: m.Seq}, nil
	}

	// 2) 分配 seq（首条自动初始化）
	seq, err := h.seq.NextSeq(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             ids.GenerateString(),
		ClientMsgID:    req.ClientMsgID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Seq:            seq,
		CreatedAtMS:    time.Now().UnixMilli(),
	}

	// 3) 落库 + 冲突处理（重试）
	const maxRetry = 3
	backoff := 50 * time.Millisecond
	for i := 0; i <= maxRetry; i++ {
		err = h.store.InsertMessage(ctx, msg)
		if err == nil {
			break
		}
		// (1) client_msg_id 唯一：幂等命中
		if h.store.IsUniqueClientIDErr(err) {
			if m, e := h.store.FindByClientID(ctx, req.SenderID, req.ClientMsgID); e == nil && m != nil {
				_ = h.store.RecordWrite(ctx, &WriteRecord{
					DeviceID: req.DeviceID, ClientWriteSeq: req.ClientWriteSeq,
					ClientMsgID: req.ClientMsgID, MsgID: m.ID, Seq: m.Seq,
				})
				return &rpc.SendMessageResp{Status: rpc.AckDuplicate, MsgID: m.ID, Seq: m.Seq}, nil
			}
		}
		// (2) seq 唯一：分配器落后 → 矫正到 dbMax 后取新号
		if h.store.IsUniqueSeqErr(err) {
			if dbMax, e := h.store.QueryMaxSeq(ctx, req.ConversationID); e == nil {
				if newSeq, e2 := h.seq.ReconcileAndNext(ctx, req.ConversationID, dbMax); e2 == nil {
					msg.Seq = newSeq
					continue
				}
			}
		}
		// (3) 瞬时错误：退避
		if h.store.IsTransientErr(err) && i < maxRetry {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := h.store.RecordWrite(ctx, &WriteRecord{
		DeviceID: req.DeviceID, ClientWriteSeq: req.ClientWriteSeq,
		ClientMsgID: req.ClientMsgID, MsgID: msg.ID, Seq: msg.Seq,
	}); err != nil {
		h.log.Warn("record write failed", zap.Error(err))
	}

	// 4) 推 insert + 写回执
	h.publish(realtime.Event{Type: realtime.EventInsert, Msg: msg})
	latency := time.Now().UnixMilli() - req.ClientTimeMS
	if latency < 0 {
		latency = 0
	}
	h.publish(realtime.Event{
		Type:           realtime.EventWriteReceipt,
		DeviceID:       req.DeviceID,
		ClientWriteSeq: req.ClientWriteSeq,
		LatencyMS:      latency,
	})

	return &rpc.SendMessageResp{Status: rpc.AckAccepted, MsgID: msg.ID, Seq: msg.Seq}, nil
}

// StatusWrite 写状态终查；已落库时附带权威行
func (h *Handler) StatusWrite(ctx context.Context, req *rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) {
	rec, err := h.store.FindWrite(ctx, req.DeviceID, req.ClientWriteSeq)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &rpc.StatusWriteResp{Resolved: false}, nil
	}
	row, err := h.store.FindByID(ctx, rec.MsgID)
	if err != nil {
		return nil, err
	}
	return &rpc.StatusWriteResp{Resolved: true, MsgID: rec.MsgID, Row: row}, nil
}

// ResyncStream checkpoint 早于 min_seq（历史被清理）时显式判失败，
// 逼客户端走全量快照
func (h *Handler) ResyncStream(ctx context.Context, req *rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error) {
	minSeq, err := h.store.QueryMinSeq(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.SinceSeq < minSeq {
		return nil, errs.ErrResyncFailed.WrapMsg("checkpoint too old",
			"since", req.SinceSeq, "min_seq", minSeq)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := h.store.ListSince(ctx, req.ConversationID, req.SinceSeq, limit)
	if err != nil {
		return nil, err
	}
	next := req.SinceSeq
	for _, m := range rows {
		if m.Seq > next {
			next = m.Seq
		}
	}
	return &rpc.ResyncStreamResp{Rows: rows, NextSeq: next}, nil
}

func (h *Handler) FullSnapshot(ctx context.Context, req *rpc.FullSnapshotReq) (*rpc.FullSnapshotResp, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := h.store.ListLatest(ctx, req.ConversationID, limit)
	if err != nil {
		return nil, err
	}
	return &rpc.FullSnapshotResp{Rows: rows}, nil
}

// AckDelivered up_to=0 是纯查询；否则 delivered 只升不降
func (h *Handler) AckDelivered(ctx context.Context, req *rpc.AckDeliveredReq) (*rpc.AckDeliveredResp, error) {
	delivered, read, err := h.store.GetCursor(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.UpToSeq > delivered {
		delivered = req.UpToSeq
		if err := h.store.PutCursor(ctx, req.UserID, req.ConversationID, delivered, read); err != nil {
			return nil, err
		}
	}
	return &rpc.AckDeliveredResp{DeliveredUpToSeq: delivered}, nil
}

// AckRead 服务端同样持有 read<=delivered 不变量，越界拒绝
func (h *Handler) AckRead(ctx context.Context, req *rpc.AckReadReq) (*rpc.AckReadResp, error) {
	delivered, read, err := h.store.GetCursor(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.UpToSeq > delivered {
		return nil, errs.ErrReadGtDelivered.WrapMsg("read ack beyond delivered",
			"up_to", req.UpToSeq, "delivered", delivered)
	}
	if req.UpToSeq > read {
		read = req.UpToSeq
		if err := h.store.PutCursor(ctx, req.UserID, req.ConversationID, delivered, read); err != nil {
			return nil, err
		}
	}
	return &rpc.AckReadResp{ReadUpToSeq: read}, nil
}

var _ rpc.Backend = (*Handler)(nil)
