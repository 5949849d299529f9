package testutil

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestContext 30 秒后超时，测试结束时取消
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// OpenSQLite path 为空时使用内存库。只保留一个连接，
// 否则 :memory: 下每个连接各自是一张空库。
func OpenSQLite(t *testing.T, path string, models ...any) *gorm.DB {
	t.Helper()
	if path == "" {
		path = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard, TranslateError: true})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		require.NoError(t, db.AutoMigrate(models...), "auto migrate")
	}
	return db
}

// AssertJSONEqual 忽略键顺序与空白比较两个 JSON 文档。
// 参数可以是 string、[]byte、json.RawMessage 或任意可序列化的值。
func AssertJSONEqual(t *testing.T, expected, actual any) bool {
	t.Helper()
	return assert.JSONEq(t, string(rawJSON(t, expected)), string(rawJSON(t, actual)))
}

func rawJSON(t *testing.T, v any) []byte {
	t.Helper()
	switch b := v.(type) {
	case string:
		return []byte(b)
	case []byte:
		return b
	case json.RawMessage:
		return b
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.TrimSpace(data)
}
