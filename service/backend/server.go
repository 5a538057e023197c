package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPClient/logger"
	"PPClient/middleware/security"
	"PPClient/service/realtime"
	"PPClient/tools/errs"
	"PPClient/tools/safe"
)

// Hub 把后端事件广播给所有在线 ws 连接。
// 慢消费者直接丢帧，客户端轮询兜底。
type Hub struct {
	mu    sync.RWMutex
	conns map[*hubConn]struct{}
	log   *zap.Logger
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*hubConn]struct{}), log: logger.Named("hub")}
}

// Broadcast 挂给 Handler.Publish
func (h *Hub) Broadcast(ev realtime.Event) {
	data, err := realtime.EncodeEvent(ev)
	if err != nil {
		h.log.Warn("encode event failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default: // 满了丢帧
		}
	}
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server 六个权威操作 + /v1/feed 实时流的 HTTP 面
type Server struct {
	handler *Handler
	hub     *Hub
	auth    *security.Options
	log     *zap.Logger
}

func NewServer(handler *Handler, auth *security.Options) *Server {
	s := &Server{
		handler: handler,
		hub:     NewHub(),
		auth:    auth,
		log:     logger.Named("server"),
	}
	handler.Publish = s.hub.Broadcast
	return s
}

func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	if s.auth != nil {
		v1.Use(security.Middleware(s.auth))
	}
	v1.POST("/message/send", handle(s.handler.SendMessage))
	v1.POST("/message/status", handle(s.handler.StatusWrite))
	v1.POST("/stream/resync", handle(s.handler.ResyncStream))
	v1.POST("/conversation/snapshot", handle(s.handler.FullSnapshot))
	v1.POST("/cursor/delivered", handle(s.handler.AckDelivered))
	v1.POST("/cursor/read", handle(s.handler.AckRead))
	v1.GET("/feed", s.serveFeed)
	return r
}

// handle JSON in/out 的统一包装；错误走 CodeError 信封
func handle[Req any, Resp any](fn func(ctx context.Context, req *Req) (*Resp, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Req
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeMalformedRow, "msg": "bad request", "detail": err.Error()})
			return
		}
		resp, err := fn(c.Request.Context(), &req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func writeError(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	body := gin.H{"code": code, "msg": err.Error()}
	switch code {
	case errs.CodeReadGtDelivered, errs.CodeResyncFailed, errs.CodeSchemaGap, errs.CodeMalformedRow:
		status = http.StatusConflict
	case errs.CodeRetryLater:
		status = http.StatusTooManyRequests
		if after, ok := errs.RetryAfter(err); ok {
			body["retry_after_ms"] = after.Milliseconds()
		}
	}
	c.JSON(status, body)
}

func (s *Server) serveFeed(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn := &hubConn{ws: ws, send: make(chan []byte, 256)}
	s.hub.add(conn)

	safe.SafeGo(func() { s.writeLoop(conn) })
	safe.SafeGo(func() { s.readLoop(conn) })
}

func (s *Server) writeLoop(c *hubConn) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer func() { _ = c.ws.Close() }()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.remove(c)
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.remove(c)
				return
			}
		}
	}
}

// readLoop 只为感知断开；入站帧忽略
func (s *Server) readLoop(c *hubConn) {
	c.ws.SetReadLimit(1 << 20)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			s.hub.remove(c)
			return
		}
	}
}

// Run 阻塞启动
func (s *Server) Run(addr string) error {
	s.log.Info("backend listening", zap.String("addr", addr))
	return s.Routes().Run(addr)
}
