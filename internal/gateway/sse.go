// sse.go — 总线 → SSE 推送。
package gateway

import (
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

// sseHandler 订阅总线并以 SSE 长连接推送。事件名取消息 topic,
// data 为整条总线消息的 JSON。?filter= 支持 topic 前缀过滤, 默认全量。
// 无消息时按保活间隔发 ping, 代理不致掐断空闲连接。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	filter := c.DefaultQuery("filter", bus.TopicAll)
	sub := s.bus.Subscribe(clientID, filter)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("gateway: SSE client disconnected", logger.FieldSubscriber, clientID)
	}()

	logger.Info("gateway: SSE client connected",
		logger.FieldSubscriber, clientID, logger.FieldFilter, filter)

	c.Stream(func(w io.Writer) bool {
		keepalive := time.NewTimer(s.keepalive)
		defer keepalive.Stop()

		select {
		case msg, ok := <-sub.Ch:
			if !ok {
				return false
			}
			c.SSEvent(msg.Topic, msg)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
