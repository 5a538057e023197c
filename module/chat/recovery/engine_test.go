package recovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPClient/global"
	"PPClient/module/chat/model"
	"PPClient/module/chat/rpc"
	"PPClient/tools/errs"
)

// fakeBackend 可编程后端：每步的行为由函数字段决定
type fakeBackend struct {
	status   func(*rpc.StatusWriteReq) (*rpc.StatusWriteResp, error)
	resync   func(*rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error)
	snapshot func(*rpc.FullSnapshotReq) (*rpc.FullSnapshotResp, error)

	statusCalls int32
	resyncCalls int32
	snapCalls   int32
}

func (f *fakeBackend) SendMessage(context.Context, *rpc.SendMessageReq) (*rpc.SendMessageResp, error) {
	return &rpc.SendMessageResp{Status: rpc.AckAccepted}, nil
}

func (f *fakeBackend) StatusWrite(_ context.Context, req *rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) {
	atomic.AddInt32(&f.statusCalls, 1)
	if f.status != nil {
		return f.status(req)
	}
	return &rpc.StatusWriteResp{Resolved: false}, nil
}

func (f *fakeBackend) ResyncStream(_ context.Context, req *rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error) {
	atomic.AddInt32(&f.resyncCalls, 1)
	if f.resync != nil {
		return f.resync(req)
	}
	return &rpc.ResyncStreamResp{}, nil
}

func (f *fakeBackend) FullSnapshot(_ context.Context, req *rpc.FullSnapshotReq) (*rpc.FullSnapshotResp, error) {
	atomic.AddInt32(&f.snapCalls, 1)
	if f.snapshot != nil {
		return f.snapshot(req)
	}
	return &rpc.FullSnapshotResp{}, nil
}

func (f *fakeBackend) AckDelivered(context.Context, *rpc.AckDeliveredReq) (*rpc.AckDeliveredResp, error) {
	return &rpc.AckDeliveredResp{}, nil
}

func (f *fakeBackend) AckRead(context.Context, *rpc.AckReadReq) (*rpc.AckReadResp, error) {
	return &rpc.AckReadResp{}, nil
}

var _ rpc.Backend = (*fakeBackend)(nil)

func testCfg() global.AppConfig {
	cfg := global.Default()
	cfg.ReceiptDeadline = 20 * time.Millisecond
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 20 * time.Millisecond
	cfg.BackoffJitter = 0
	cfg.MaxAttempts = 2
	return cfg
}

func spec() Spec {
	return Spec{ConversationID: "conv", ClientWriteSeq: 7, ClientMsgID: "cid-7", DeviceID: "dev"}
}

func waitCh[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatal("timed out waiting for hook")
		panic("unreachable")
	}
}

func TestReceiptBeforeDeadline(t *testing.T) {
	be := &fakeBackend{}
	lat := make(chan int64, 1)
	e := NewEngine(testCfg(), be, Hooks{
		OnLatency: func(_, ms int64) { lat <- ms },
	})
	defer e.Close()

	e.Arm(spec())
	e.OnReceipt("dev", 7, 42)

	assert.Equal(t, int64(42), waitCh(t, lat, time.Second))
	assert.Equal(t, 0, e.Pending())
	// 回执已清 watch：截止时间之后也没有恢复步骤被触发
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&be.statusCalls))
}

func TestReceiptIgnoresWrongDevice(t *testing.T) {
	be := &fakeBackend{}
	e := NewEngine(testCfg(), be, Hooks{})
	defer e.Close()

	e.Arm(spec())
	e.OnReceipt("other-device", 7, 1)
	assert.Equal(t, 1, e.Pending())
}

func TestTimeoutStatusCheckResolved(t *testing.T) {
	row := &model.Message{ID: "srv-1", ClientMsgID: "cid-7", ConversationID: "conv", Seq: 3}
	be := &fakeBackend{
		status: func(*rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) {
			return &rpc.StatusWriteResp{Resolved: true, MsgID: "srv-1", Row: row}, nil
		},
	}
	resolved := make(chan *model.Message, 1)
	e := NewEngine(testCfg(), be, Hooks{
		OnResolved: func(cid string, row *model.Message) {
			assert.Equal(t, "cid-7", cid)
			resolved <- row
		},
	})
	defer e.Close()

	e.Arm(spec())
	got := waitCh(t, resolved, time.Second)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, 0, e.Pending())
	// 状态查询就解决了，不该升级到补流
	assert.Zero(t, atomic.LoadInt32(&be.resyncCalls))
}

func TestEscalateToResync(t *testing.T) {
	rows := []*model.Message{{ID: "srv-2", ConversationID: "conv", Seq: 5}}
	be := &fakeBackend{
		resync: func(req *rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error) {
			assert.Equal(t, int64(4), req.SinceSeq)
			return &rpc.ResyncStreamResp{Rows: rows, NextSeq: 5}, nil
		},
	}
	resynced := make(chan []*model.Message, 1)
	e := NewEngine(testCfg(), be, Hooks{
		OnResynced: func(convID string, rows []*model.Message) {
			assert.Equal(t, "conv", convID)
			resynced <- rows
		},
		Checkpoint: func(string) int64 { return 4 },
	})
	defer e.Close()

	e.Arm(spec())
	got := waitCh(t, resynced, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "srv-2", got[0].ID)
	assert.Equal(t, 0, e.Pending())
}

func TestEscalateToSnapshot(t *testing.T) {
	be := &fakeBackend{
		resync: func(*rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error) {
			return nil, errs.ErrResyncFailed.WrapMsg("checkpoint too old")
		},
		snapshot: func(*rpc.FullSnapshotReq) (*rpc.FullSnapshotResp, error) {
			return &rpc.FullSnapshotResp{Rows: []*model.Message{{ID: "srv-3", ConversationID: "conv", Seq: 1}}}, nil
		},
	}
	snap := make(chan []*model.Message, 1)
	e := NewEngine(testCfg(), be, Hooks{
		OnSnapshot: func(_ string, rows []*model.Message) { snap <- rows },
	})
	defer e.Close()

	e.Arm(spec())
	got := waitCh(t, snap, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "srv-3", got[0].ID)
	assert.Equal(t, 0, e.Pending())
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	boom := errs.NewCodeError(999, "down").Wrap()
	be := &fakeBackend{
		status:   func(*rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) { return nil, boom },
		resync:   func(*rpc.ResyncStreamReq) (*rpc.ResyncStreamResp, error) { return nil, boom },
		snapshot: func(*rpc.FullSnapshotReq) (*rpc.FullSnapshotResp, error) { return nil, boom },
	}
	failed := make(chan Spec, 1)
	e := NewEngine(testCfg(), be, Hooks{
		OnFailed: func(s Spec) { failed <- s },
	})
	defer e.Close()

	e.Arm(spec())
	got := waitCh(t, failed, 2*time.Second)
	assert.Equal(t, "cid-7", got.ClientMsgID)
	assert.Equal(t, 0, e.Pending())
	// 整轮打满 MaxAttempts 次
	assert.Equal(t, int32(2), atomic.LoadInt32(&be.statusCalls))
}

func TestRetryLaterDoesNotConsumeAttemptButIsBounded(t *testing.T) {
	be := &fakeBackend{
		status: func(*rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) {
			return nil, errs.NewRetryLater(time.Millisecond)
		},
	}
	failed := make(chan Spec, 1)
	e := NewEngine(testCfg(), be, Hooks{
		OnFailed: func(s Spec) { failed <- s },
	})
	defer e.Close()

	e.Arm(spec())
	waitCh(t, failed, 2*time.Second)
	// retry_later 不走 attempt 预算，按 rearm 上限（2*MaxAttempts）终止
	calls := atomic.LoadInt32(&be.statusCalls)
	assert.Greater(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(5))
}

func TestCancelStopsWatch(t *testing.T) {
	be := &fakeBackend{}
	e := NewEngine(testCfg(), be, Hooks{})
	defer e.Close()

	e.Arm(spec())
	e.Cancel(7)
	assert.Equal(t, 0, e.Pending())
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&be.statusCalls))
}

func TestRearmReplacesWatch(t *testing.T) {
	be := &fakeBackend{}
	e := NewEngine(testCfg(), be, Hooks{})
	defer e.Close()

	e.Arm(spec())
	e.Arm(spec()) // 同 key 重复布防顶掉旧 watch
	assert.Equal(t, 1, e.Pending())
}

func TestStaleEscalationDoesNotTouchReplacementWatch(t *testing.T) {
	rel1 := make(chan struct{})
	rel2 := make(chan struct{})
	var n int32
	be := &fakeBackend{
		status: func(*rpc.StatusWriteReq) (*rpc.StatusWriteResp, error) {
			if atomic.AddInt32(&n, 1) == 1 {
				<-rel1
			} else {
				<-rel2
			}
			return &rpc.StatusWriteResp{Resolved: true, MsgID: "srv-1",
				Row: &model.Message{ID: "srv-1", ConversationID: "conv", Seq: 1}}, nil
		},
	}
	resolved := make(chan string, 2)
	e := NewEngine(testCfg(), be, Hooks{
		OnResolved: func(cid string, _ *model.Message) { resolved <- cid },
	})
	defer e.Close()

	e.Arm(spec())
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&n) >= 1
	}, time.Second, time.Millisecond)

	// 旧轮次恢复还卡在状态查询里，同 key 重新布防顶掉旧 watch
	e.Arm(spec())
	rel1 <- struct{}{}
	time.Sleep(50 * time.Millisecond)

	// 旧轮次的终态不碰新 watch，也不触发回调
	assert.Equal(t, 1, e.Pending())
	assert.Empty(t, resolved)

	// 新 watch 自己的一轮正常消解
	rel2 <- struct{}{}
	waitCh(t, resolved, time.Second)
	assert.Equal(t, 0, e.Pending())
}

func TestCloseIsDeterministic(t *testing.T) {
	be := &fakeBackend{}
	e := NewEngine(testCfg(), be, Hooks{})
	e.Arm(spec())
	e.Close()
	assert.Equal(t, 0, e.Pending())
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&be.statusCalls))

	// 关闭后布防是 no-op
	e.Arm(spec())
	assert.Equal(t, 0, e.Pending())
}
