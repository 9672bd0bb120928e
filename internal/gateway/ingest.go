// ingest.go — WebSocket 事件注入: 连接管理与读循环。
//
// 生产者协议是单向通知流: 每帧一个 {type, data} 信封, 服务端不回执。
// 仅在帧无法解码时回写一条 {"error": ...}, 随后继续读下一帧;
// 单个坏帧绝不终止连接。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

// ingestConn 一条生产者连接。错误回执与关闭可能并发, wrMu 串行化写。
type ingestConn struct {
	ws        *websocket.Conn
	wrMu      sync.Mutex
	closeOnce sync.Once
}

func (c *ingestConn) writeMsg(data []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *ingestConn) closeNow() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

// checkLocalOrigin 仅允许 localhost 来源的 WebSocket 连接。
//
// 接受: 无 Origin header (本地工具), localhost, 127.0.0.1, [::1], Wails 桌面端。
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.ToLower(origin)
	for _, allowed := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
		"wails://",
	} {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	logger.Warn("gateway: rejected non-local origin", "origin", origin)
	return false
}

func (s *Server) connCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// closeConns 关闭全部生产者连接 (优雅关闭路径)。
func (s *Server) closeConns() {
	s.connMu.Lock()
	conns := make([]*ingestConn, 0, len(s.conns))
	for id, conn := range s.conns {
		conns = append(conns, conn)
		delete(s.conns, id)
	}
	s.connMu.Unlock()
	for _, conn := range conns {
		conn.closeNow()
	}
}

// ingestWS 升级 WebSocket 并同步运行读循环到连接结束。
func (s *Server) ingestWS(c *gin.Context) {
	if s.connCount() >= s.maxConns {
		logger.Warn("gateway: ingest connection rejected (max reached)",
			logger.FieldMax, s.maxConns)
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("gateway: upgrade failed", logger.FieldError, err)
		return
	}
	ws.SetReadLimit(s.maxFrame)

	connID := fmt.Sprintf("ingest-%d", s.nextConn.Add(1))
	conn := &ingestConn{ws: ws}
	s.connMu.Lock()
	s.conns[connID] = conn
	s.connMu.Unlock()

	logger.Info("gateway: producer connected",
		logger.FieldConn, connID, logger.FieldRemote, c.Request.RemoteAddr)

	defer func() {
		s.connMu.Lock()
		delete(s.conns, connID)
		s.connMu.Unlock()
		conn.closeNow()
		logger.Info("gateway: producer disconnected", logger.FieldConn, connID)
	}()

	s.readLoop(c.Request.Context(), conn, connID)
}

// readLoop 持续读帧: 解码 → 录制 → 引擎应用。坏帧回执后继续。
func (s *Server) readLoop(ctx context.Context, conn *ingestConn, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("gateway: ingest read loop panicked",
				logger.FieldConn, connID, logger.FieldError, r)
		}
	}()
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("gateway: ingest read error",
					logger.FieldConn, connID, logger.FieldError, err)
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn("gateway: ingest frame is not an envelope, dropped",
				logger.FieldConn, connID, logger.FieldLen, len(raw))
			if !s.writeIngestError(conn, connID, "invalid envelope json") {
				return
			}
			continue
		}
		if _, err := s.Ingest(ctx, env); err != nil {
			logger.Warn("gateway: malformed event dropped",
				logger.FieldConn, connID,
				logger.FieldEventType, env.Type,
				logger.FieldError, err)
			if !s.writeIngestError(conn, connID, err.Error()) {
				return
			}
			continue
		}
	}
}

// writeIngestError 回写一条错误帧; 写失败说明连接已死, 返回 false。
func (s *Server) writeIngestError(conn *ingestConn, connID, message string) bool {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return true
	}
	if err := conn.writeMsg(data); err != nil {
		logger.Warn("gateway: error frame write failed",
			logger.FieldConn, connID, logger.FieldError, err)
		return false
	}
	return true
}
