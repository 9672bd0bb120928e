// models.go — store 层数据模型 (db 标签对齐迁移列名)。
package store

import (
	"encoding/json"
	"time"
)

// Session 一次画布会话。ResetAt 非空表示会话已被重置归档。
type Session struct {
	ID        string     `db:"id" json:"id"`
	Label     string     `db:"label" json:"label"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	ResetAt   *time.Time `db:"reset_at" json:"reset_at"`
}

// TurnEvent 入站事件留档行。
// Payload 保留线格式原文，回放时重新走边界解码。
type TurnEvent struct {
	ID         int64           `db:"id" json:"id"`
	SessionID  string          `db:"session_id" json:"session_id"`
	Seq        int64           `db:"seq" json:"seq"`
	EventType  string          `db:"event_type" json:"event_type"`
	TurnID     string          `db:"turn_id" json:"turn_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt time.Time       `db:"received_at" json:"received_at"`
}

// SystemLog 系统日志行。写入方为 pkg/logger 的 DBHandler，store 只读查询。
type SystemLog struct {
	ID         int64     `db:"id" json:"id"`
	Ts         time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Message    string    `db:"message" json:"message"`
	Source     string    `db:"source" json:"source"`
	Component  string    `db:"component" json:"component"`
	SessionID  string    `db:"session_id" json:"session_id"`
	TurnID     string    `db:"turn_id" json:"turn_id"`
	Owner      string    `db:"owner" json:"owner"`
	ArtifactID string    `db:"artifact_id" json:"artifact_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	ToolName   string    `db:"tool_name" json:"tool_name"`
	DurationMS *int      `db:"duration_ms" json:"duration_ms"`
	Extra      any       `db:"extra" json:"extra"`
}
