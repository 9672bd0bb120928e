// session.go — 会话 CRUD (表 sessions)。
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionStore 会话存储。
type SessionStore struct{ BaseStore }

// NewSessionStore 创建会话存储。
func NewSessionStore(pool *pgxpool.Pool) *SessionStore { return &SessionStore{NewBaseStore(pool)} }

const sessionCols = "id, label, started_at, reset_at"

// Create 创建新会话，ID 由服务端生成。
func (s *SessionStore) Create(ctx context.Context, label string) (*Session, error) {
	rows, err := s.pool.Query(ctx,
		`INSERT INTO sessions (id, label) VALUES ($1, $2) RETURNING `+sessionCols,
		uuid.NewString(), label)
	if err != nil {
		return nil, err
	}
	return collectOne[Session](rows)
}

// Get 按 ID 查询，无结果返回 nil。
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	return collectOne[Session](rows)
}

// Latest 返回最近一个未重置的会话，没有则返回 nil。
func (s *SessionStore) Latest(ctx context.Context) (*Session, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE reset_at IS NULL ORDER BY started_at DESC LIMIT 1")
	if err != nil {
		return nil, err
	}
	return collectOne[Session](rows)
}

// MarkReset 标记会话已重置。重复标记只刷新时间戳，无副作用。
func (s *SessionStore) MarkReset(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE sessions SET reset_at = NOW() WHERE id = $1", id)
	return err
}

// List 按开始时间倒序列出会话。
func (s *SessionStore) List(ctx context.Context, limit int) ([]Session, error) {
	sql, params := NewQueryBuilder().
		Build("SELECT "+sessionCols+" FROM sessions", "started_at DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[Session](rows)
}
