// Package dbtest opens throwaway SQLite databases carrying the bus schema.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
  event_id TEXT PRIMARY KEY,
  trace_id TEXT,
  span_id TEXT,
  parent_event_id TEXT,
  topic TEXT NOT NULL,
  payload BLOB NOT NULL,
  payload_type TEXT NOT NULL,
  initiator_service TEXT,
  initiator_operation TEXT,
  initiator_user_id TEXT,
  initiator_client_request_id TEXT,
  occurred_at DATETIME NOT NULL,
  sent_at DATETIME,
  expire_at DATETIME,
  status TEXT NOT NULL,
  status_at DATETIME NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_sent_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS event_consumptions (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  consumer_id TEXT NOT NULL,
  attempt_no INTEGER NOT NULL,
  success BOOLEAN,
  consumed_at DATETIME,
  error_message TEXT,
  error_code TEXT,
  created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_event_consumptions_attempt
  ON event_consumptions (event_id, consumer_id, attempt_no);
CREATE TABLE IF NOT EXISTS topic_consumers (
  topic TEXT NOT NULL,
  consumer_id TEXT NOT NULL,
  enabled BOOLEAN NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME,
  PRIMARY KEY (topic, consumer_id)
);`

// Open returns an isolated in-memory database with the bus tables created.
// A single connection is kept so every statement sees the same memory database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.Exec(schema).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return conn
}
