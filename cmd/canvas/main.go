// cmd/canvas — Wails v3 桌面画布: 回合流与工件的原生查看端。
//
// 统一架构:
//   - 内嵌 gateway — 生产者照常连 WS /api/ingest, 前端通过绑定方法读快照
//   - 总线消息经 SetOnPublish 桥接为 Wails 事件推送到前端
//
// 构建:
//
//	go build -tags "production" -o canvas ./cmd/canvas/
package main

import (
	"bufio"
	"context"
	"embed"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wailsapp/wails/v3/pkg/application"

	"github.com/multi-agent/turn-engine/internal/artifact"
	"github.com/multi-agent/turn-engine/internal/bus"
	"github.com/multi-agent/turn-engine/internal/config"
	"github.com/multi-agent/turn-engine/internal/database"
	"github.com/multi-agent/turn-engine/internal/engine"
	"github.com/multi-agent/turn-engine/internal/gateway"
	"github.com/multi-agent/turn-engine/internal/live"
	"github.com/multi-agent/turn-engine/internal/store"
	"github.com/multi-agent/turn-engine/pkg/logger"
	"github.com/multi-agent/turn-engine/pkg/util"
)

//go:embed all:frontend/dist
var assets embed.FS

// frontendAssets 返回前端静态资源 FS, 去掉 "frontend/dist" 前缀。
func frontendAssets() http.FileSystem {
	sub, err := fs.Sub(assets, "frontend/dist")
	if err != nil {
		logger.Error("embed: failed to sub frontend/dist", logger.FieldError, err)
		return http.FS(assets)
	}
	return http.FS(sub)
}

// loadEnvFile 从当前目录向上搜索 .env 并加载, 不覆盖已设置的环境变量。
func loadEnvFile() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for range 5 {
		envPath := filepath.Join(dir, ".env")
		if f, err := os.Open(envPath); err == nil {
			scanner := bufio.NewScanner(f)
			count := 0
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				key, val, ok := strings.Cut(line, "=")
				if !ok {
					continue
				}
				key = strings.TrimSpace(key)
				if _, exists := os.LookupEnv(key); !exists {
					if err := os.Setenv(key, strings.TrimSpace(val)); err != nil {
						logger.Warn("loadEnvFile: setenv failed", "key", key, logger.FieldError, err)
						continue
					}
					count++
				}
			}
			_ = f.Close()
			logger.Info("loaded .env file", logger.FieldPath, envPath, "vars_set", count)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

func main() {
	loadEnvFile()
	info := currentBuildInfo()
	logger.Info("build info",
		"version", info.Version,
		"commit", info.Commit,
		"build_time", info.BuildTime,
		"runtime", info.Runtime,
	)

	if err := logger.InitWithFile("logs"); err != nil {
		logger.Warn("file logging unavailable", logger.FieldError, err)
	}

	addr := flag.String("addr", "127.0.0.1:8090", "内嵌网关监听地址 (生产者 WS 入口)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	pool := setupDatabase(ctx, cfg)

	b := bus.NewMessageBus(cfg.SSESubscriberQueue)
	srv, eng := setupGateway(ctx, cfg, pool, b, *addr)

	appSvc := NewApp(srv, eng)
	b.SetOnPublish(appSvc.handleBusMessage)

	app := application.New(application.Options{
		Name: "Turn Canvas",
		Assets: application.AssetOptions{
			Handler: http.FileServer(frontendAssets()),
		},
		Services: []application.Service{
			application.NewService(appSvc),
		},
		Mac: application.MacOptions{
			ApplicationShouldTerminateAfterLastWindowClosed: true,
		},
		OnShutdown: func() {
			cancel()
			appSvc.shutdown()
			logger.ShutdownDBHandler()
			logger.ShutdownFileHandler()
			if pool != nil {
				pool.Close()
			}
		},
	})
	appSvc.wailsApp = app

	app.Window.NewWithOptions(application.WebviewWindowOptions{
		Title:           "Turn Canvas",
		Width:           1440,
		Height:          900,
		MinWidth:        800,
		MinHeight:       600,
		InitialPosition: application.WindowCentered,
		BackgroundColour: application.RGBA{
			Red: 12, Green: 16, Blue: 23, Alpha: 255,
		},
		Mac: application.MacWindow{
			TitleBar: application.MacTitleBarDefault,
		},
	})

	if err := app.Run(); err != nil {
		logger.Error("wails app failed", logger.FieldError, err)
	}
	logger.Info("canvas exited")
}

// setupDatabase 初始化连接池 + 自动迁移。桌面端缺库不致命: 跳过录制与历史页。
func setupDatabase(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	if cfg.PostgresConnStr == "" {
		logger.Info("no POSTGRES_CONNECTION_STRING, history pages disabled")
		return nil
	}
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Warn("DB not available, history pages will be empty", logger.FieldError, err)
		return nil
	}
	if mErr := database.Migrate(ctx, pool, "./migrations"); mErr != nil {
		logger.Warn("DB migration failed (non-fatal)", logger.FieldError, mErr)
	}
	logger.AttachDBHandler(pool)
	return pool
}

// setupGateway 组装总线 / 引擎 / 网关并启动监听。
func setupGateway(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, b *bus.MessageBus, addr string) (*gateway.Server, *engine.Engine) {
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
		opts.Stores = &gateway.Stores{
			Session:   sessions,
			TurnEvent: store.NewTurnEventStore(pool),
			SystemLog: store.NewSystemLogStore(pool),
		}
		if sid := canvasSession(ctx, sessions); sid != "" {
			rec := store.NewRecorder(store.NewTurnEventStore(pool), sid, 0)
			rec.Start(ctx)
			opts.Recorder = rec
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
		logger.Fatal("gateway init failed", logger.FieldError, err)
	}

	util.SafeGo(func() {
		if err := srv.Run(ctx, addr); err != nil {
			logger.Error("gateway failed", logger.FieldError, err)
		}
	})
	return srv, eng
}

// canvasSession 复用最近的活跃会话, 没有则新建。失败退回不录制。
func canvasSession(ctx context.Context, sessions *store.SessionStore) string {
	if s, err := sessions.Latest(ctx); err == nil && s != nil {
		return s.ID
	}
	s, err := sessions.Create(ctx, "canvas")
	if err != nil {
		logger.Warn("session create failed, recording disabled", logger.FieldError, err)
		return ""
	}
	return s.ID
}
