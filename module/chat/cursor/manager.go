package cursor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"PPClient/global"
	"PPClient/logger"
	"PPClient/module/chat/rpc"
	"PPClient/tools/errs"
)

// WatermarkStore 可选的去抖高水位持久化（见 identity.Store）
type WatermarkStore interface {
	AckWatermark(convID string) (int64, error)
	SaveAckWatermark(convID string, seq int64) error
}

// Manager 维护 (user, conversation) 的两级光标。
// 不变量 read <= delivered 本地与服务端都成立：推进 read 前先推进 delivered。
// 已送达回执做 600ms 单飞去抖，把密集到达合并成一次 RPC。
type Manager struct {
	mu      sync.Mutex
	cfg     global.AppConfig
	backend rpc.Backend
	convID  string
	userID  string

	delivered int64 // 本地镜像
	read      int64
	highWater int64 // 待回执的最高 seq

	timer  *time.Timer // arm-if-absent，单飞
	closed bool

	wm  WatermarkStore
	log *zap.Logger
}

func NewManager(cfg global.AppConfig, backend rpc.Backend, convID, userID string, wm WatermarkStore) *Manager {
	m := &Manager{
		cfg:     cfg,
		backend: backend,
		convID:  convID,
		userID:  userID,
		wm:      wm,
		log:     logger.Named("cursor"),
	}
	if wm != nil {
		if seq, err := wm.AckWatermark(convID); err == nil {
			m.delivered = seq
			m.highWater = seq
		}
	}
	return m
}

// ScheduleDeliveredAck 观察到非自己发的消息：抬高水位，去抖后批量回执。
// 定时器不存在才布（单飞），存在则只更新水位。上次回执失败后水位仍高于
// delivered，轮询路径带着同一 seq 再进来时照样重新布防。
func (m *Manager) ScheduleDeliveredAck(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if seq > m.highWater {
		m.highWater = seq
	}
	if m.timer == nil && m.highWater > m.delivered {
		m.timer = time.AfterFunc(m.cfg.AckDebounce, m.flushDelivered)
	}
}

func (m *Manager) flushDelivered() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	upTo := m.highWater
	if upTo <= m.delivered {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := m.backend.AckDelivered(ctx, &rpc.AckDeliveredReq{
		ConversationID: m.convID,
		UserID:         m.userID,
		UpToSeq:        upTo,
	})
	if err != nil {
		// 回执丢了不致命：轮询路径之后还会再触发
		m.log.Warn("ack_delivered failed", zap.Int64("up_to", upTo), zap.Error(err))
		return
	}

	m.mu.Lock()
	if resp.DeliveredUpToSeq > m.delivered {
		m.delivered = resp.DeliveredUpToSeq
	}
	m.mu.Unlock()

	if m.wm != nil {
		_ = m.wm.SaveAckWatermark(m.convID, resp.DeliveredUpToSeq)
	}
}

// MarkRead 把会话读到权威最大 seq：
// 先保证 delivered >= upTo（服务端同样持有 read<=delivered 不变量），
// 再发读回执；被 read_gt_delivered 拒绝时重取 delivered、以纠正后的
// 较低值重试一次，不做无界重试。
func (m *Manager) MarkRead(ctx context.Context, upTo int64) error {
	if upTo <= 0 {
		return nil
	}
	m.mu.Lock()
	delivered := m.delivered
	if upTo <= m.read {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if delivered < upTo {
		resp, err := m.backend.AckDelivered(ctx, &rpc.AckDeliveredReq{
			ConversationID: m.convID,
			UserID:         m.userID,
			UpToSeq:        upTo,
		})
		if err != nil {
			return err
		}
		m.mu.Lock()
		if resp.DeliveredUpToSeq > m.delivered {
			m.delivered = resp.DeliveredUpToSeq
		}
		delivered = m.delivered
		m.mu.Unlock()
	}

	target := upTo
	if target > delivered {
		target = delivered
	}
	err := m.ackRead(ctx, target)
	if err == nil {
		return nil
	}
	if !errs.IsCode(err, errs.CodeReadGtDelivered) {
		return err
	}

	// 本地镜像偏高：重取服务端 delivered（up_to=0 的回执即查询），重试一次
	m.log.Warn("read_gt_delivered, refetch and retry once", zap.Int64("up_to", target))
	resp, err := m.backend.AckDelivered(ctx, &rpc.AckDeliveredReq{
		ConversationID: m.convID,
		UserID:         m.userID,
		UpToSeq:        0,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.delivered = resp.DeliveredUpToSeq
	m.mu.Unlock()
	corrected := upTo
	if corrected > resp.DeliveredUpToSeq {
		corrected = resp.DeliveredUpToSeq
	}
	return m.ackRead(ctx, corrected)
}

func (m *Manager) ackRead(ctx context.Context, upTo int64) error {
	if upTo <= 0 {
		return nil
	}
	resp, err := m.backend.AckRead(ctx, &rpc.AckReadReq{
		ConversationID: m.convID,
		UserID:         m.userID,
		UpToSeq:        upTo,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	if resp.ReadUpToSeq > m.read {
		m.read = resp.ReadUpToSeq
	}
	// 本地不变量兜底
	if m.read > m.delivered {
		m.delivered = m.read
	}
	m.mu.Unlock()
	return nil
}

// Cursor 本地镜像快照
func (m *Manager) Cursor() (delivered, read int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.read
}

// Close 拆除去抖定时器；之后的回调不再发 RPC
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
