package cursor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPClient/global"
	"PPClient/module/chat/rpc"
	"PPClient/tools/errs"
)

// cursorBackend 只实现光标两个操作，其余 panic（本包测试不会触达）
type cursorBackend struct {
	mu             sync.Mutex
	deliveredCalls []int64
	readCalls      []int64

	delivered func(upTo int64) (*rpc.AckDeliveredResp, error)
	read      func(upTo int64) (*rpc.AckReadResp, error)
}

func (b *cursorBackend) AckDelivered(_ context.Context, req *rpc.AckDeliveredReq) (*rpc.AckDeliveredResp, error) {
	b.mu.Lock()
	b.deliveredCalls = append(b.deliveredCalls, req.UpToSeq)
	b.mu.Unlock()
	if b.delivered != nil {
		return b.delivered(req.UpToSeq)
	}
	return &rpc.AckDeliveredResp{DeliveredUpToSeq: req.UpToSeq}, nil
}

func (b *cursorBackend) AckRead(_ context.Context, req *rpc.AckReadReq) (*rpc.AckReadResp, error) {
	b.mu.Lock()
	b.readCalls = append(b.readCalls, req.UpToSeq)
	b.mu.Unlock()
	if b.read != nil {
		return b.read(req.UpToSeq)
	}
	return &rpc.AckReadResp{ReadUpToSeq: req.UpToSeq}, nil
}

func (b *cursorBackend) SendMessage(context.Context, *rpc.SendMessageReq) (*rpc.SendMessageResp, error) {
	panic("not used")
}
func (b *cursorBackend) StatusWrite(context.Context, *rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) {
	panic("not used")
}
func (b *cursorBackend) ResyncStream(context.Context, *rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error) {
	panic("not used")
}
func (b *cursorBackend) FullSnapshot(context.Context, *rpc.FullSnapshotReq) (*rpc.FullSnapshotResp, error) {
	panic("not used")
}

var _ rpc.Backend = (*cursorBackend)(nil)

func (b *cursorBackend) snapshotCalls() ([]int64, []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := append([]int64(nil), b.deliveredCalls...)
	r := append([]int64(nil), b.readCalls...)
	return d, r
}

func cursorCfg() global.AppConfig {
	cfg := global.Default()
	cfg.AckDebounce = 30 * time.Millisecond
	return cfg
}

func TestDebounceBatchesDeliveredAcks(t *testing.T) {
	be := &cursorBackend{}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)
	defer m.Close()

	// 去抖窗口内密集到达：合并成一次 RPC，取最高水位
	m.ScheduleDeliveredAck(3)
	m.ScheduleDeliveredAck(5)
	m.ScheduleDeliveredAck(4)

	require.Eventually(t, func() bool {
		d, _ := be.snapshotCalls()
		return len(d) == 1
	}, time.Second, 5*time.Millisecond)

	d, _ := be.snapshotCalls()
	assert.Equal(t, []int64{5}, d)
	delivered, _ := m.Cursor()
	assert.Equal(t, int64(5), delivered)
}

func TestScheduleIgnoresLowerSeq(t *testing.T) {
	be := &cursorBackend{}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)
	defer m.Close()

	m.ScheduleDeliveredAck(5)
	require.Eventually(t, func() bool {
		delivered, _ := m.Cursor()
		return delivered == 5
	}, time.Second, 5*time.Millisecond)

	// 不高于已回执水位：不再布定时器
	m.ScheduleDeliveredAck(4)
	time.Sleep(60 * time.Millisecond)
	d, _ := be.snapshotCalls()
	assert.Len(t, d, 1)
}

func TestMarkReadAdvancesDeliveredFirst(t *testing.T) {
	be := &cursorBackend{}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)
	defer m.Close()

	require.NoError(t, m.MarkRead(context.Background(), 8))

	d, r := be.snapshotCalls()
	require.Equal(t, []int64{8}, d) // 先推 delivered
	require.Equal(t, []int64{8}, r)
	delivered, read := m.Cursor()
	assert.Equal(t, int64(8), delivered)
	assert.Equal(t, int64(8), read)
	assert.LessOrEqual(t, read, delivered)
}

func TestMarkReadCorrectsOnReadGtDelivered(t *testing.T) {
	be := &cursorBackend{}
	be.delivered = func(upTo int64) (*rpc.AckDeliveredResp, error) {
		if upTo == 0 {
			// up_to=0 是纯查询：服务端权威 delivered=3
			return &rpc.AckDeliveredResp{DeliveredUpToSeq: 3}, nil
		}
		return &rpc.AckDeliveredResp{DeliveredUpToSeq: upTo}, nil
	}
	first := true
	be.read = func(upTo int64) (*rpc.AckReadResp, error) {
		if first {
			first = false
			return nil, errs.ErrReadGtDelivered.WrapMsg("beyond delivered")
		}
		return &rpc.AckReadResp{ReadUpToSeq: upTo}, nil
	}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)
	defer m.Close()

	require.NoError(t, m.MarkRead(context.Background(), 5))

	_, r := be.snapshotCalls()
	// 被拒后重取 delivered，以纠正后的较低值重试一次
	require.Equal(t, []int64{5, 3}, r)
	delivered, read := m.Cursor()
	assert.Equal(t, int64(3), read)
	assert.LessOrEqual(t, read, delivered)
}

func TestMarkReadNoopWhenAlreadyRead(t *testing.T) {
	be := &cursorBackend{}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)
	defer m.Close()

	require.NoError(t, m.MarkRead(context.Background(), 4))
	require.NoError(t, m.MarkRead(context.Background(), 4))

	_, r := be.snapshotCalls()
	assert.Len(t, r, 1)

	require.NoError(t, m.MarkRead(context.Background(), 0))
	_, r = be.snapshotCalls()
	assert.Len(t, r, 1)
}

func TestDeliveredAckRetriedAfterFlushFailure(t *testing.T) {
	be := &cursorBackend{}
	var down atomic.Bool
	down.Store(true)
	be.delivered = func(upTo int64) (*rpc.AckDeliveredResp, error) {
		if down.Load() {
			return nil, errors.New("backend down")
		}
		return &rpc.AckDeliveredResp{DeliveredUpToSeq: upTo}, nil
	}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)
	defer m.Close()

	m.ScheduleDeliveredAck(5)
	require.Eventually(t, func() bool {
		d, _ := be.snapshotCalls()
		return len(d) == 1
	}, time.Second, 5*time.Millisecond)
	delivered, _ := m.Cursor()
	assert.Zero(t, delivered)

	// 后端恢复；轮询带着同一水位再进来，要能重新布防把回执补上
	down.Store(false)
	m.ScheduleDeliveredAck(5)
	require.Eventually(t, func() bool {
		delivered, _ := m.Cursor()
		return delivered == 5
	}, time.Second, 5*time.Millisecond)
	d, _ := be.snapshotCalls()
	assert.Equal(t, []int64{5, 5}, d)
}

func TestCloseStopsPendingFlush(t *testing.T) {
	be := &cursorBackend{}
	m := NewManager(cursorCfg(), be, "conv", "alice", nil)

	m.ScheduleDeliveredAck(9)
	m.Close()
	time.Sleep(60 * time.Millisecond)
	d, _ := be.snapshotCalls()
	assert.Empty(t, d)
}
