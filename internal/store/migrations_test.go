// migrations_test.go — 迁移文件与 Go 代码列定义的一致性校验。
package store

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// migrationDir 返回 migrations 目录的绝对路径 (基于源文件位置)。
func migrationDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/store → ../../migrations
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// readMigration 读取迁移文件并转小写。
func readMigration(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(migrationDir(t), name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migration %s: %v", name, err)
	}
	return strings.ToLower(string(data))
}

// requireCols 验证迁移 SQL 包含列清单常量引用的所有列。
func requireCols(t *testing.T, sql, cols string) {
	t.Helper()
	for _, col := range strings.Split(cols, ",") {
		col = strings.TrimSpace(col)
		if col == "" {
			continue
		}
		if !strings.Contains(sql, col) {
			t.Errorf("migration missing column referenced by Go code: %q", col)
		}
	}
}

func TestMigrationFilesExist(t *testing.T) {
	for _, name := range []string{
		"0001_sessions.sql",
		"0002_turn_events.sql",
		"0003_system_logs.sql",
	} {
		path := filepath.Join(migrationDir(t), name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Errorf("migration file does not exist: %s", path)
		}
	}
}

func TestSessionsMigration(t *testing.T) {
	sql := readMigration(t, "0001_sessions.sql")
	if !strings.Contains(sql, "create table") {
		t.Fatal("migration does not contain CREATE TABLE")
	}
	if !strings.Contains(sql, "sessions") {
		t.Fatal("migration does not reference sessions table")
	}
	requireCols(t, sql, sessionCols)
	if !strings.Contains(sql, "primary key") {
		t.Fatal("sessions migration does not define a PRIMARY KEY")
	}
}

func TestTurnEventsMigration(t *testing.T) {
	sql := readMigration(t, "0002_turn_events.sql")
	if !strings.Contains(sql, "turn_events") {
		t.Fatal("migration does not reference turn_events table")
	}
	requireCols(t, sql, teCols)

	// Insert 的 ON CONFLICT (session_id, seq) 依赖唯一约束
	if !strings.Contains(sql, "unique") {
		t.Fatal("turn_events migration does not define the UNIQUE constraint required by ON CONFLICT")
	}
}

func TestSystemLogsMigration(t *testing.T) {
	sql := readMigration(t, "0003_system_logs.sql")
	if !strings.Contains(sql, "system_logs") {
		t.Fatal("migration does not reference system_logs table")
	}
	requireCols(t, sql, sysLogCols)
}
