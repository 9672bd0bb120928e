// cmd/migrate — 独立执行数据库迁移后退出。
//
// 用于部署流水线中在启动服务前准备 schema。服务进程自身启动时
// 也会执行同样的迁移, 本命令仅为显式运行提供入口。
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/multi-agent/turn-engine/internal/config"
	"github.com/multi-agent/turn-engine/internal/database"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

func main() {
	dir := flag.String("dir", "./migrations", "migrations directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogEnv)

	if cfg.PostgresConnStr == "" {
		logger.Fatal("POSTGRES_CONNECTION_STRING not set")
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("connect postgres failed", logger.FieldError, err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, *dir); err != nil {
		logger.Fatal("migration failed", logger.FieldError, err)
	}

	logger.Info("migrations up to date")
	os.Exit(0)
}
