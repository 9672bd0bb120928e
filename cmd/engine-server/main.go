// cmd/engine-server — 回合渲染引擎主入口。
//
// 入站: WebSocket /api/ingest + POST /api/events (事件信封)
// 出站: REST 快照 + SSE /api/events (总线推送)
//
// POSTGRES_CONNECTION_STRING 留空时跳过录制与历史查询, 纯内存运行。
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/turn-engine/internal/artifact"
	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/config"
	"github.com/multi-agent/turn-engine/internal/database"
	"github.com/multi-agent/turn-engine/internal/engine"
	"github.com/multi-agent/turn-engine/internal/gateway"
	"github.com/multi-agent/turn-engine/internal/live"
	"github.com/multi-agent/turn-engine/internal/monitor"
	"github.com/multi-agent/turn-engine/internal/store"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogEnv)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warn("file logging unavailable", logger.Any(logger.FieldError, err))
		} else {
			defer logger.ShutdownFileHandler()
		}
	}

	// PostgreSQL (可选)
	var pool *pgxpool.Pool
	if cfg.PostgresConnStr != "" {
		var err error
		pool, err = database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("postgres connect failed", logger.Any(logger.FieldError, err))
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
			logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
		}
		logger.AttachDBHandler(pool)
		defer logger.ShutdownDBHandler()
	}

	b := bus.NewMessageBus(cfg.SSESubscriberQueue)

	reg := artifact.NewRegistry(cfg.PendingArtifactWait(), cfg.SandboxMaxOutputKB*1024,
		func(change string, art artifact.Artifact) {
			topic := bus.TopicArtifactCreated
			if change == artifact.ChangeUpdated {
				topic = bus.TopicArtifactUpdated
			}
			b.PublishJSON(topic, "registry", art)
		})

	eng := engine.New(engine.Options{
		Registry:            reg,
		StepSummaryMaxRunes: cfg.StepSummaryMaxRunes,
		Notify: func(topic string, payload any) {
			b.PublishJSON(topic, "engine", payload)
		},
	})

	opts := gateway.Options{
		Engine:        eng,
		Bus:           b,
		MaxConns:      cfg.IngestMaxConns,
		MaxFrameBytes: int64(cfg.IngestMaxFrameKB) * 1024,
		Keepalive:     time.Duration(cfg.SSEKeepaliveSec) * time.Second,
	}

	if pool != nil {
		sessions := store.NewSessionStore(pool)
		rec := store.NewRecorder(store.NewTurnEventStore(pool), resolveSession(ctx, sessions), 0)
		rec.Start(ctx)
		defer rec.Stop()

		opts.Recorder = rec
		opts.Stores = &gateway.Stores{
			Session:   sessions,
			TurnEvent: store.NewTurnEventStore(pool),
			SystemLog: store.NewSystemLogStore(pool),
		}
	}

	if cfg.SandboxEnabled {
		opts.Sandbox = &live.Options{
			MaxConcurrent:  cfg.SandboxMaxConcurrent,
			WorkRoot:       cfg.SandboxWorkRoot,
			Timeout:        cfg.SandboxTimeout(),
			MaxOutputBytes: cfg.SandboxMaxOutputKB * 1024,
		}
	}

	srv, err := gateway.NewServer(opts)
	if err != nil {
		logger.Fatal("gateway init failed", logger.Any(logger.FieldError, err))
	}

	// 启动巡检
	patrol := monitor.NewPatrol(monitor.Options{
		Engine:      eng,
		Bus:         b,
		Ingest:      srv.Ingest,
		Interval:    cfg.PatrolInterval(),
		StuckAfter:  cfg.PatrolStuckAfter(),
		AutoAbandon: cfg.PatrolAutoAbandon,
	})
	patrol.Start(ctx)

	logger.Infow("engine-server starting",
		logger.FieldAddr, cfg.HTTPAddr,
		"recording", pool != nil,
		"sandbox", cfg.SandboxEnabled)

	if err := srv.Run(ctx, cfg.HTTPAddr); err != nil {
		logger.Fatal("engine-server failed", logger.Any(logger.FieldError, err))
	}

	if r := srv.Runner(); r != nil {
		r.StopAll()
	}
	logger.Info("shutdown complete")
}

// resolveSession 复用最近的活跃会话, 没有则新建一个。
func resolveSession(ctx context.Context, sessions *store.SessionStore) string {
	s, err := sessions.Latest(ctx)
	if err != nil {
		logger.Fatal("session lookup failed", logger.Any(logger.FieldError, err))
	}
	if s != nil {
		logger.Infow("session resumed", logger.FieldSessionID, s.ID)
		return s.ID
	}
	created, err := sessions.Create(ctx, "default")
	if err != nil {
		logger.Fatal("session create failed", logger.Any(logger.FieldError, err))
	}
	logger.Infow("session created", logger.FieldSessionID, created.ID)
	return created.ID
}
