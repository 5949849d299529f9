package schemastore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/schemaflow/structured"
	"github.com/BaSui01/schemaflow/types"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =============================================================================
// 🧪 CAS 冲突测试（sqlmock + postgres 方言）
// =============================================================================

var resourceColumns = []string{
	"id", "owner_id", "name", "description", "schema", "example_output",
	"visibility", "usage_count", "version", "is_latest", "parent_id",
	"created_at", "updated_at",
}

func setupMockManager(t *testing.T, cfg Config) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	m, err := NewManager(db, structured.NewCompiler(), WithConfig(cfg))
	require.NoError(t, err)
	return m, mock
}

func expectCurrentRow(mock sqlmock.Sqlmock, version int) {
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "schema_resources"`).
		WillReturnRows(sqlmock.NewRows(resourceColumns).AddRow(
			"res-1", "owner-1", "old", "", []byte(`{"type":"object"}`), []byte("null"),
			"private", 0, version, true, nil, now, now,
		))
}

func TestManager_Update_CASConflictExhausts(t *testing.T) {
	m, mock := setupMockManager(t, Config{DeletePolicy: DeleteCascade, MaxUpdateAttempts: 3})

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		expectCurrentRow(mock, 3)
		mock.ExpectExec(`UPDATE "schema_resources" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	_, err := m.Update(context.Background(), "owner-1", "res-1", UpdateInput{Name: strPtr("new")}, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrVersionConflict), "got %v", err)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 409, e.HTTPStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Update_DuplicateVersionRetries(t *testing.T) {
	m, mock := setupMockManager(t, DefaultConfig())

	// First attempt: the CAS passes but the record insert hits the unique index.
	mock.ExpectBegin()
	expectCurrentRow(mock, 3)
	mock.ExpectExec(`UPDATE "schema_resources" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "schema_versions"`).
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "idx_schema_versions_resource_version"`))
	mock.ExpectRollback()

	// Second attempt sees the newer version and succeeds.
	mock.ExpectBegin()
	expectCurrentRow(mock, 4)
	mock.ExpectExec(`UPDATE "schema_resources" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "schema_versions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	res, err := m.Update(context.Background(), "owner-1", "res-1", UpdateInput{Name: strPtr("new")}, "")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Version)
	assert.Equal(t, "new", res.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Update_DatabaseErrorIsInternal(t *testing.T) {
	m, mock := setupMockManager(t, DefaultConfig())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "schema_resources"`).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := m.Update(context.Background(), "owner-1", "res-1", UpdateInput{Name: strPtr("new")}, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInternalError))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKey(errors.New("UNIQUE constraint failed: schema_versions.resource_id")))
	assert.True(t, isDuplicateKey(errors.New("Error 1062: Duplicate entry 'x-1' for key")))
	assert.False(t, isDuplicateKey(errors.New("deadlock detected")))
}
