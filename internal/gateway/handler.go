// handler.go — REST API handlers 与路由注册。
package gateway

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/internal/store"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)

	api := s.router.Group("/api")

	api.GET("/turns", s.listTurns)
	api.GET("/turns/:id", s.getTurn)
	api.POST("/turns/:id/abandon", s.abandonTurn)

	api.GET("/artifacts", s.listArtifacts)
	api.GET("/artifacts/:id", s.getArtifact)

	api.GET("/events", s.sseHandler)
	api.POST("/events", s.ingestEvent)
	api.GET("/ingest", s.ingestWS)

	api.POST("/session/reset", s.resetSession)

	api.GET("/sessions", s.listSessions)
	api.GET("/turn-events", s.listTurnEvents)
	api.GET("/system-log", s.listSystemLog)
	api.GET("/system-log/filters", s.listSystemLogFilters)

	api.POST("/sandbox/run", s.runSandbox)
	api.POST("/sandbox/stop", s.stopSandbox)
	api.GET("/sandbox/runs", s.listSandboxRuns)
}

// ========================================
// 辅助: 从 query 读分页参数 (DRY)
// ========================================

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// requireStores 历史路由的共用守卫。
func (s *Server) requireStores(c *gin.Context) bool {
	if s.stores == nil {
		unavailable(c, "history store disabled")
		return false
	}
	return true
}

// requireRunner 沙箱路由的共用守卫。
func (s *Server) requireRunner(c *gin.Context) bool {
	if s.runner == nil {
		unavailable(c, "sandbox disabled")
		return false
	}
	return true
}

// ========================================
// 健康检查
// ========================================

func (s *Server) healthz(c *gin.Context) {
	h := gin.H{
		"status":       "ok",
		"turns":        len(s.engine.Turns()),
		"artifacts":    s.engine.Registry().Len(),
		"subscribers":  s.bus.SubscriberCount(),
		"ingest_conns": s.connCount(),
	}
	if s.rec != nil {
		h["session_id"] = s.rec.SessionID()
		h["recorder_healthy"] = s.rec.Healthy()
	}
	success(c, h)
}

// ========================================
// 回合
// ========================================

func (s *Server) listTurns(c *gin.Context) {
	success(c, s.engine.Turns())
}

func (s *Server) getTurn(c *gin.Context) {
	snap, err := s.engine.SnapshotTurn(c.Param("id"))
	if err != nil {
		apiError(c, err)
		return
	}
	success(c, snap)
}

// abandonTurn 走与 WS 注入相同的录制链路, 回放能还原放弃动作。
func (s *Server) abandonTurn(c *gin.Context) {
	turnID := c.Param("id")
	seq := s.dispatch(c.Request.Context(),
		event.EncodeAbandonTurn(turnID), event.AbandonTurn{TurnID: turnID})
	success(c, gin.H{"ok": true, "seq": seq})
}

// ========================================
// 工件
// ========================================

func (s *Server) listArtifacts(c *gin.Context) {
	success(c, s.engine.Registry().Snapshot())
}

func (s *Server) getArtifact(c *gin.Context) {
	art, err := s.engine.Registry().Reopen(c.Param("id"))
	if err != nil {
		apiError(c, err)
		return
	}
	success(c, art)
}

// ========================================
// HTTP 注入 (回放 / 测试 / 无 WS 的生产者)
// ========================================

func (s *Server) ingestEvent(c *gin.Context) {
	var env event.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	seq, err := s.Ingest(c.Request.Context(), env)
	if err != nil {
		apiError(c, err)
		return
	}
	success(c, gin.H{"ok": true, "seq": seq})
}

// ========================================
// 会话
// ========================================

// sessionResetPayload session.reset 总线负载。
type sessionResetPayload struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) resetSession(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_request", err.Error())
			return
		}
	}
	sessionID := s.ResetSession(c.Request.Context(), req.Label)
	success(c, gin.H{"ok": true, "session_id": sessionID})
}

// ResetSession 清空引擎与注册表; 有录制时旧会话标记重置、换新会话。
// 换会话的数据库失败不回滚引擎重置, 录制器留在旧会话上继续补写。
// 返回新会话 ID, 无录制或换会话失败时为空串。
func (s *Server) ResetSession(ctx context.Context, label string) string {
	s.engine.Reset()

	var sessionID string
	if s.rec != nil && s.stores != nil {
		if old := s.rec.SessionID(); old != "" {
			if err := s.stores.Session.MarkReset(ctx, old); err != nil {
				logger.Warn("gateway: mark session reset failed",
					logger.FieldSessionID, old, logger.FieldError, err)
			}
		}
		sess, err := s.stores.Session.Create(ctx, label)
		if err != nil {
			logger.Warn("gateway: create session failed, recorder keeps previous session",
				logger.FieldError, err)
		} else {
			s.rec.SwitchSession(sess.ID)
			sessionID = sess.ID
		}
	}

	s.bus.PublishJSON(bus.TopicSessionReset, "gateway", sessionResetPayload{SessionID: sessionID})
	return sessionID
}

func (s *Server) listSessions(c *gin.Context) {
	if !s.requireStores(c) {
		return
	}
	items, err := s.stores.Session.List(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// ========================================
// 事件留档
// ========================================

func (s *Server) listTurnEvents(c *gin.Context) {
	if !s.requireStores(c) {
		return
	}
	ctx := c.Request.Context()
	limit := queryLimit(c, 200)

	if turnID := c.Query("turn_id"); turnID != "" {
		items, err := s.stores.TurnEvent.ListByTurn(ctx, turnID, limit)
		if err != nil {
			serverError(c, err)
			return
		}
		success(c, items)
		return
	}

	sessionID := c.Query("session_id")
	if sessionID == "" && s.rec != nil {
		sessionID = s.rec.SessionID()
	}
	if sessionID == "" {
		badRequest(c, "invalid_request", "turn_id or session_id is required")
		return
	}
	items, err := s.stores.TurnEvent.ListBySession(ctx, sessionID, limit)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// ========================================
// 系统日志
// ========================================

func (s *Server) listSystemLog(c *gin.Context) {
	if !s.requireStores(c) {
		return
	}
	items, err := s.stores.SystemLog.List(c.Request.Context(), store.ListParams{
		Level:     c.Query("level"),
		Source:    c.Query("source"),
		Component: c.Query("component"),
		SessionID: c.Query("session_id"),
		TurnID:    c.Query("turn_id"),
		Owner:     c.Query("owner"),
		EventType: c.Query("event_type"),
		ToolName:  c.Query("tool_name"),
		Keyword:   c.Query("keyword"),
		Limit:     queryLimit(c, 100),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listSystemLogFilters(c *gin.Context) {
	if !s.requireStores(c) {
		return
	}
	values, err := s.stores.SystemLog.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, values)
}

// ========================================
// 沙箱
// ========================================

func (s *Server) runSandbox(c *gin.Context) {
	if !s.requireRunner(c) {
		return
	}
	var req struct {
		ArtifactID string `json:"artifactId"`
		Command    string `json:"command"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.runner.Run(req.ArtifactID, req.Command); err != nil {
		apiError(c, err)
		return
	}
	created(c, gin.H{"artifactId": req.ArtifactID})
}

func (s *Server) stopSandbox(c *gin.Context) {
	if !s.requireRunner(c) {
		return
	}
	var req struct {
		ArtifactID string `json:"artifactId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	success(c, gin.H{"stopped": s.runner.Stop(req.ArtifactID)})
}

func (s *Server) listSandboxRuns(c *gin.Context) {
	if !s.requireRunner(c) {
		return
	}
	success(c, s.runner.ActiveRuns())
}
