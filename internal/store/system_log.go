// system_log.go — 系统日志查询 (表 system_logs)。
// 写入方为 pkg/logger 的 DBHandler，此处只做读取与清理。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemLogStore 系统日志存储。
type SystemLogStore struct{ BaseStore }

// NewSystemLogStore 创建系统日志存储。
func NewSystemLogStore(pool *pgxpool.Pool) *SystemLogStore {
	return &SystemLogStore{NewBaseStore(pool)}
}

const sysLogCols = `id, ts, level, message, source, component,
	session_id, turn_id, owner, artifact_id,
	event_type, tool_name, duration_ms, extra`

// ListParams 日志查询参数。空字段跳过对应过滤。
type ListParams struct {
	Level     string
	Source    string
	Component string
	SessionID string
	TurnID    string
	Owner     string
	EventType string
	ToolName  string
	Keyword   string
	Limit     int
}

// List 查询系统日志 (ts 倒序)。
func (s *SystemLogStore) List(ctx context.Context, p ListParams) ([]SystemLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("session_id", p.SessionID).
		Eq("turn_id", p.TurnID).
		Eq("owner", p.Owner).
		Eq("event_type", p.EventType).
		Eq("tool_name", p.ToolName).
		KeywordLike(p.Keyword, "message", "source", "component", "tool_name")
	sql, params := q.Build("SELECT "+sysLogCols+" FROM system_logs", "ts DESC, id DESC", p.Limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[SystemLog](rows)
}

// ListFilterValues 返回去重筛选值 (筛选器下拉)。
func (s *SystemLogStore) ListFilterValues(ctx context.Context) (map[string][]string, error) {
	return DistinctMap(ctx, s.pool, "system_logs",
		"level", "source", "component", "event_type", "tool_name")
}

// Cleanup 删除超过 retentionDays 天的日志，返回删除行数。
func (s *SystemLogStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM system_logs WHERE ts < NOW() - ($1 || ' days')::INTERVAL`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
