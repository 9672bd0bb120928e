// turn_event.go — 回合事件留档与回放 (表 turn_events)。
package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/turn-engine/internal/event"
	"github.com/multi-agent/turn-engine/pkg/logger"
)

// TurnEventStore 回合事件存储。
type TurnEventStore struct{ BaseStore }

// NewTurnEventStore 创建回合事件存储。
func NewTurnEventStore(pool *pgxpool.Pool) *TurnEventStore {
	return &TurnEventStore{NewBaseStore(pool)}
}

const teCols = "id, session_id, seq, event_type, turn_id, payload, received_at"

// Insert 落库一条事件。(session_id, seq) 冲突视为重复投递，静默吸收。
func (s *TurnEventStore) Insert(ctx context.Context, e *TurnEvent) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_events (session_id, seq, event_type, turn_id, payload)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		e.SessionID, e.Seq, e.EventType, e.TurnID, string(payload))
	return err
}

// ListBySession 按会话列出事件 (seq 升序)。
func (s *TurnEventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]TurnEvent, error) {
	sql, params := NewQueryBuilder().
		Eq("session_id", sessionID).
		Build("SELECT "+teCols+" FROM turn_events", "seq ASC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[TurnEvent](rows)
}

// ListByTurn 按回合列出事件 (seq 升序)。
func (s *TurnEventStore) ListByTurn(ctx context.Context, turnID string, limit int) ([]TurnEvent, error) {
	sql, params := NewQueryBuilder().
		Eq("turn_id", turnID).
		Build("SELECT "+teCols+" FROM turn_events", "seq ASC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[TurnEvent](rows)
}

// Replay 按 seq 升序重放一个会话的全部事件。
// 每行重新走边界解码；解码失败记录警告并跳过，不中断后续事件。
// 返回成功重放的条数。
func (s *TurnEventStore) Replay(ctx context.Context, sessionID string, apply func(seq int64, msg event.Message)) (int, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+teCols+" FROM turn_events WHERE session_id = $1 ORDER BY seq ASC",
		sessionID)
	if err != nil {
		return 0, err
	}
	events, err := collectRows[TurnEvent](rows)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, te := range events {
		msg, err := event.Decode(te.EventType, te.Payload)
		if err != nil {
			logger.Warn("replay: skip malformed event",
				logger.FieldSessionID, sessionID,
				logger.FieldSeq, te.Seq,
				logger.FieldError, err)
			continue
		}
		apply(te.Seq, msg)
		replayed++
	}
	return replayed, nil
}

// Cleanup 删除超过 retentionDays 天的事件留档，返回删除行数。
func (s *TurnEventStore) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM turn_events WHERE received_at < NOW() - ($1 || ' days')::INTERVAL`,
		retentionDays)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
