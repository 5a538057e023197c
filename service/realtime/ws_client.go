package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPClient/logger"
	"PPClient/tools/safe"
)

// WSFeed gorilla/websocket 客户端实现：读循环把帧解码后写入类型化通道，
// 断线指数退避重连并重新订阅。尽力而为——丢事件由轮询兜底。
type WSFeed struct {
	url    string
	header map[string]string

	ch     chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn

	log *zap.Logger
}

func DialWS(url string, header map[string]string, buf int) *WSFeed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &WSFeed{
		url:    url,
		header: header,
		ch:     make(chan Event, buf),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Named("wsfeed"),
	}
	safe.SafeGo(f.run)
	return f
}

func (f *WSFeed) Events() <-chan Event { return f.ch }

func (f *WSFeed) Close() error {
	f.cancel()
	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.mu.Unlock()
	return nil
}

func (f *WSFeed) run() {
	defer close(f.ch)
	backoff := 500 * time.Millisecond
	for {
		if f.ctx.Err() != nil {
			return
		}
		conn, err := f.dial()
		if err != nil {
			f.log.Warn("dial failed", zap.String("url", f.url), zap.Error(err))
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 500 * time.Millisecond
		f.readLoop(conn)
	}
}

func (f *WSFeed) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	hdr := map[string][]string{}
	for k, v := range f.header {
		hdr[k] = []string{v}
	}
	conn, _, err := d.DialContext(f.ctx, f.url, hdr)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return conn, nil
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() == nil {
				f.log.Warn("read failed, reconnecting", zap.Error(err))
			}
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			// 坏帧跳过，不中断流
			f.log.Warn("drop bad frame", zap.Error(err))
			continue
		}
		select {
		case f.ch <- ev:
		case <-f.ctx.Done():
			return
		default:
			f.log.Warn("feed buffer full, drop event", zap.String("type", string(ev.Type)))
		}
	}
}
