// Package gateway 是引擎的 HTTP/WebSocket 双向边界。
//
// 入站: WebSocket (/api/ingest) 与 HTTP (POST /api/events) 接收
// {type, data} 信封, 在边界解码后先录制再交引擎应用; 本地沙箱的
// live-process 事件走同一条链路。
//
// 出站: REST 读路径 (回合快照 / 工件重开 / 历史查询) + SSE
// (GET /api/events) 把总线通知推送给浏览器端。
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/engine"
	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/internal/live"
	"github.com/multi-agent/turn-engine/internal/store"
	apperrors "github.com/multi-agent/turn-engine/pkg/errors"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

const (
	defaultMaxConns  = 64
	defaultMaxFrame  = 1 << 20
	defaultKeepalive = 30 * time.Second
)

// Stores 历史侧 store 聚合 (DRY: 一次注入)。无数据库时整体为 nil,
// 对应路由返回 503。
type Stores struct {
	Session   *store.SessionStore
	TurnEvent *store.TurnEventStore
	SystemLog *store.SystemLogStore
}

// Options 网关构造参数。Engine 与 Bus 必填, 其余可空。
type Options struct {
	Engine *engine.Engine
	Bus    *bus.MessageBus

	// Stores / Recorder 历史侧依赖; nil 时历史路由下线、事件不录制。
	Stores   *Stores
	Recorder *store.Recorder

	// Sandbox 本地沙箱配置; nil 时沙箱路由下线。Sink 字段由网关接管。
	Sandbox *live.Options

	MaxConns      int           // WS 生产者连接上限, <= 0 取 64
	MaxFrameBytes int64         // WS 单帧大小上限, <= 0 取 1MB
	Keepalive     time.Duration // SSE 保活间隔, <= 0 取 30s
}

// Server 网关服务。
type Server struct {
	router *gin.Engine
	engine *engine.Engine
	bus    *bus.MessageBus
	stores *Stores
	rec    *store.Recorder
	runner *live.Runner

	keepalive time.Duration

	// WS 生产者连接管理
	maxConns int
	maxFrame int64
	connMu   sync.RWMutex
	conns    map[string]*ingestConn
	nextConn atomic.Int64
	upgrader websocket.Upgrader
}

// NewServer 创建网关并注册路由。
func NewServer(opts Options) (*Server, error) {
	const op = "gateway.NewServer"
	if opts.Engine == nil {
		return nil, apperrors.New(op, "engine is required")
	}
	if opts.Bus == nil {
		return nil, apperrors.New(op, "bus is required")
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrame
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}

	s := &Server{
		router:    gin.Default(),
		engine:    opts.Engine,
		bus:       opts.Bus,
		stores:    opts.Stores,
		rec:       opts.Recorder,
		keepalive: opts.Keepalive,
		maxConns:  opts.MaxConns,
		maxFrame:  opts.MaxFrameBytes,
		conns:     make(map[string]*ingestConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkLocalOrigin,
		},
	}

	if opts.Sandbox != nil {
		sb := *opts.Sandbox
		sb.Sink = s.liveSink
		runner, err := live.NewRunner(sb)
		if err != nil {
			return nil, apperrors.Wrap(err, op, "create sandbox runner")
		}
		s.runner = runner
	}

	s.registerRoutes()
	return s, nil
}

// Router 返回 Gin 引擎 (测试与桌面端复用)。
func (s *Server) Router() *gin.Engine { return s.router }

// Runner 返回沙箱执行器, 未启用时为 nil。
func (s *Server) Runner() *live.Runner { return s.runner }

// Run 启动 HTTP 服务并阻塞到 ctx 取消。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅关闭: 先断生产者连接, 再给在途请求 5 秒收尾
	util.SafeGo(func() {
		<-ctx.Done()
		logger.Info("gateway: shutting down")
		s.closeConns()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("gateway: shutdown completed")
	})

	logger.Info("gateway: listening", logger.FieldAddr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(err, "Server.Run", "listen")
	}
	return nil
}

// ========================================
// 入站分发
// ========================================

// dispatch 入站事件的唯一通道: 先录制原始信封, 再交引擎应用。
// 返回录制 seq, 未启用录制时为 0。
func (s *Server) dispatch(ctx context.Context, env event.Envelope, msg event.Message) int64 {
	var seq int64
	if s.rec != nil {
		seq = s.rec.Record(ctx, env, event.TurnOf(msg))
	}
	s.engine.Apply(msg)
	return seq
}

// Ingest 解码并注入一个事件信封。REST / WS / 桌面绑定共用的编程入口。
// 返回录制 seq, 未启用录制时为 0。
func (s *Server) Ingest(ctx context.Context, env event.Envelope) (int64, error) {
	msg, err := event.Decode(env.Type, env.Data)
	if err != nil {
		return 0, err
	}
	return s.dispatch(ctx, env, msg), nil
}

// liveSink 沙箱事件回调: 与入站 live-process 同路, 另将输出块
// 以轻量 sandbox.output 消息发布 (终端视图不必等整包工件更新)。
func (s *Server) liveSink(p event.LiveProcess) {
	env := event.EncodeLiveProcess(p)
	s.dispatch(context.Background(), env, p)

	if p.Phase == event.PhaseOutput {
		s.bus.Publish(bus.Message{
			Topic:   bus.TopicSandboxOutput,
			Source:  "sandbox",
			Payload: env.Data,
		})
	}
}
