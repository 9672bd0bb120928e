// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"time"

	"github.com/multi-agent/turn-engine/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// HTTP / 网关
	HTTPAddr           string `env:"HTTP_ADDR" default:":8090"`
	IngestMaxConns     int    `env:"INGEST_MAX_CONNS" default:"64" min:"1"`
	IngestMaxFrameKB   int    `env:"INGEST_MAX_FRAME_KB" default:"1024" min:"1"`
	SSEKeepaliveSec    int    `env:"SSE_KEEPALIVE_SEC" default:"30" min:"1"`
	SSESubscriberQueue int    `env:"SSE_SUBSCRIBER_QUEUE" default:"64" min:"1"`

	// 引擎
	PendingArtifactWaitSec int `env:"PENDING_ARTIFACT_WAIT_SEC" default:"30" min:"1"`
	StepSummaryMaxRunes    int `env:"STEP_SUMMARY_MAX_RUNES" default:"120" min:"16"`

	// PostgreSQL (留空则禁用会话录制)
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// 沙箱 (本地 live-process 生产者)
	SandboxEnabled       bool   `env:"SANDBOX_ENABLED" default:"false"`
	SandboxWorkRoot      string `env:"SANDBOX_WORK_ROOT" default:".turn-engine/sandbox"`
	SandboxMaxConcurrent int    `env:"SANDBOX_MAX_CONCURRENT" default:"2" min:"1"`
	SandboxTimeoutSec    int    `env:"SANDBOX_TIMEOUT_SEC" default:"60" min:"1"`
	SandboxMaxOutputKB   int    `env:"SANDBOX_MAX_OUTPUT_KB" default:"256" min:"1"`

	// 巡检 (停滞回合检测)
	PatrolIntervalSec int  `env:"PATROL_INTERVAL_SEC" default:"15" min:"1"`
	PatrolStuckSec    int  `env:"PATROL_STUCK_SEC" default:"600" min:"30"`
	PatrolAutoAbandon bool `env:"PATROL_AUTO_ABANDON" default:"false"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogEnv   string `env:"LOG_ENV" default:"production"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// PendingArtifactWait 返回 pending artifact 占位超时。
func (c *Config) PendingArtifactWait() time.Duration {
	return time.Duration(c.PendingArtifactWaitSec) * time.Second
}

// SandboxTimeout 返回单次沙箱运行的超时。
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.SandboxTimeoutSec) * time.Second
}

// PatrolInterval 返回巡检周期。
func (c *Config) PatrolInterval() time.Duration {
	return time.Duration(c.PatrolIntervalSec) * time.Second
}

// PatrolStuckAfter 返回判定回合停滞的阈值。
func (c *Config) PatrolStuckAfter() time.Duration {
	return time.Duration(c.PatrolStuckSec) * time.Second
}
