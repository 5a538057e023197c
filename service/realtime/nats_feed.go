package realtime

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"PPClient/logger"
)

// ----- 消费侧幂等窗口（推送可能重复投递） -----

type idemStore struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expireUnix
	ttl time.Duration
}

func newIdemStore(ttl time.Duration) *idemStore {
	return &idemStore{m: make(map[string]int64), ttl: ttl}
}

func (s *idemStore) seenOnce(key string) bool {
	now := time.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.m[key]; ok && old > now {
		return true // 已见过
	}
	// 顺手清一点过期键，省掉后台协程
	if len(s.m) > 4096 {
		for k, exp := range s.m {
			if exp <= now {
				delete(s.m, k)
			}
		}
	}
	s.m[key] = time.Now().Add(s.ttl).Unix()
	return false
}

// NATSFeed 实时流的 NATS 适配：按 subject 订阅，
// Nats-Msg-Id 头做去重窗口，坏帧跳过。
type NATSFeed struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	ch   chan Event
	idem *idemStore
	log  *zap.Logger
}

func SubscribeNATS(nc *nats.Conn, subject string, buf int) (*NATSFeed, error) {
	f := &NATSFeed{
		nc:   nc,
		ch:   make(chan Event, buf),
		idem: newIdemStore(10 * time.Minute),
		log:  logger.Named("natsfeed"),
	}
	sub, err := nc.Subscribe(subject, f.onMsg)
	if err != nil {
		return nil, err
	}
	f.sub = sub
	return f, nil
}

func (f *NATSFeed) onMsg(msg *nats.Msg) {
	if id := msgID(msg); id != "" && f.idem.seenOnce(id) {
		return
	}
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		f.log.Warn("drop bad frame", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	select {
	case f.ch <- ev:
	default:
		f.log.Warn("feed buffer full, drop event", zap.String("type", string(ev.Type)))
	}
}

// 标准头 Nats-Msg-Id；业务自定义 X-Msg-Id 也认
func msgID(msg *nats.Msg) string {
	for _, k := range []string{"Nats-Msg-Id", "X-Msg-Id"} {
		if v := msg.Header.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func (f *NATSFeed) Events() <-chan Event { return f.ch }

func (f *NATSFeed) Close() error {
	err := f.sub.Unsubscribe()
	close(f.ch)
	return err
}
