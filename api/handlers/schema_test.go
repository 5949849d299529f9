package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/schemaflow/api"
	"github.com/BaSui01/schemaflow/schemastore"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/BaSui01/schemaflow/testutil"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPersonSchema = `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`

// wireEnvelope 测试用响应结构，Data 延迟解码
type wireEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

func newSchemaMux(t *testing.T) *http.ServeMux {
	t.Helper()
	db := testutil.OpenSQLite(t, "", schemastore.AllModels()...)

	store, err := schemastore.NewManager(db, structured.NewCompiler(), schemastore.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewSchemaHandler(store, zap.NewNop()).Register(mux)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, owner, body string) (*httptest.ResponseRecorder, wireEnvelope) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		r.Header.Set(OwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var env wireEnvelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func createSchema(t *testing.T, h http.Handler, owner, body string) api.SchemaResponse {
	t.Helper()
	w, env := do(t, h, http.MethodPost, "/api/v1/schemas", owner, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res api.SchemaResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

// =============================================================================
// 🧪 SchemaHandler 测试
// =============================================================================

func TestSchemaHandler_Create(t *testing.T) {
	mux := newSchemaMux(t)

	res := createSchema(t, mux, "alice", `{"name":"person","schema":`+testPersonSchema+`}`)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "alice", res.OwnerID)
	assert.Equal(t, 1, res.Version)
	assert.True(t, res.IsLatest)
	assert.Equal(t, "private", res.Visibility)
	assert.Nil(t, res.ExampleOutput, "absent example is omitted")
	assert.JSONEq(t, testPersonSchema, string(res.Schema))
}

func TestSchemaHandler_CreateErrors(t *testing.T) {
	mux := newSchemaMux(t)

	tests := []struct {
		name       string
		owner      string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing owner", "", `{"name":"x","schema":{"type":"object"}}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"malformed schema", "alice", `{"name":"x","schema":{"type":42}}`, http.StatusUnprocessableEntity, "SCHEMA_INVALID"},
		{"empty name", "alice", `{"name":" ","schema":{"type":"object"}}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", "alice", `{"name":"x","schema":{},"extra":1}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad visibility", "alice", `{"name":"x","schema":{},"visibility":"team"}`, http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, mux, http.MethodPost, "/api/v1/schemas", tt.owner, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

func TestSchemaHandler_GetScopedToOwner(t *testing.T) {
	mux := newSchemaMux(t)
	private := createSchema(t, mux, "alice", `{"name":"p","schema":{}}`)
	public := createSchema(t, mux, "alice", `{"name":"q","schema":{},"visibility":"public"}`)

	w, _ := do(t, mux, http.MethodGet, "/api/v1/schemas/"+private.ID, "alice", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, mux, http.MethodGet, "/api/v1/schemas/"+private.ID, "bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RESOURCE_NOT_FOUND", env.Error.Code)

	w, _ = do(t, mux, http.MethodGet, "/api/v1/schemas/"+public.ID, "bob", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchemaHandler_List(t *testing.T) {
	mux := newSchemaMux(t)
	createSchema(t, mux, "alice", `{"name":"a1","schema":{}}`)
	createSchema(t, mux, "bob", `{"name":"b1","schema":{},"visibility":"public"}`)
	createSchema(t, mux, "bob", `{"name":"b2","schema":{}}`)

	var list api.SchemaListResponse

	w, env := do(t, mux, http.MethodGet, "/api/v1/schemas", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.Items, 1)

	w, env = do(t, mux, http.MethodGet, "/api/v1/schemas?include_public=true", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.Items, 2)

	w, env = do(t, mux, http.MethodGet, "/api/v1/schemas?include_public=true&limit=1&offset=1", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Limit)
	assert.Equal(t, 1, list.Offset)

	for _, q := range []string{"include_public=maybe", "limit=-1", "offset=x"} {
		w, _ = do(t, mux, http.MethodGet, "/api/v1/schemas?"+q, "alice", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestSchemaHandler_UpdateVersioning(t *testing.T) {
	mux := newSchemaMux(t)
	res := createSchema(t, mux, "alice", `{"name":"person","schema":`+testPersonSchema+`,"example_output":{"name":"Ada"}}`)
	require.JSONEq(t, `{"name":"Ada"}`, string(res.ExampleOutput))
	path := "/api/v1/schemas/" + res.ID

	// 相同内容不产生新版本
	w, env := do(t, mux, http.MethodPatch, path, "alice", `{"name":"person"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got api.SchemaResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 1, got.Version)

	w, env = do(t, mux, http.MethodPatch, path, "alice", `{"description":"people","change_summary":"describe"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "people", got.Description)

	// example_output: null 清除示例
	w, env = do(t, mux, http.MethodPatch, path, "alice", `{"example_output":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	got = api.SchemaResponse{}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 3, got.Version)
	assert.Nil(t, got.ExampleOutput)

	w, env = do(t, mux, http.MethodGet, path+"/versions", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var versions []api.VersionResponse
	require.NoError(t, json.Unmarshal(env.Data, &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, 1, versions[1].Version)
	assert.Equal(t, "describe", versions[1].ChangeSummary)
	assert.Equal(t, "alice", versions[1].ChangedBy)

	// 非所有者不能修改
	w, _ = do(t, mux, http.MethodPatch, path, "bob", `{"description":"mine"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = do(t, mux, http.MethodPatch, path, "alice", `{"schema":{"type":"bogus"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "SCHEMA_INVALID", env.Error.Code)
}

func TestSchemaHandler_RestoreAndCompare(t *testing.T) {
	mux := newSchemaMux(t)
	res := createSchema(t, mux, "alice", `{"name":"v1","schema":{}}`)
	path := "/api/v1/schemas/" + res.ID

	w, _ := do(t, mux, http.MethodPatch, path, "alice", `{"name":"v2"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, mux, http.MethodPost, path+"/restore", "alice", `{"version":1,"change_summary":"rollback"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got api.SchemaResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 3, got.Version, "restore moves forward")
	assert.Equal(t, "v1", got.Name)

	w, env = do(t, mux, http.MethodGet, path+"/compare?a=2&b=3", "alice", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cmp api.CompareResponse
	require.NoError(t, json.Unmarshal(env.Data, &cmp))
	assert.Equal(t, res.ID, cmp.ResourceID)
	assert.Equal(t, "v2", cmp.A.Name)
	assert.False(t, cmp.A.Live)
	assert.Equal(t, "v1", cmp.B.Name)
	assert.True(t, cmp.B.Live)

	w, env = do(t, mux, http.MethodPost, path+"/restore", "alice", `{"version":9}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "VERSION_NOT_FOUND", env.Error.Code)

	w, _ = do(t, mux, http.MethodPost, path+"/restore", "alice", `{"version":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, mux, http.MethodGet, path+"/compare?a=1", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchemaHandler_Fork(t *testing.T) {
	mux := newSchemaMux(t)
	src := createSchema(t, mux, "alice", `{"name":"shared","schema":{},"visibility":"public"}`)

	w, env := do(t, mux, http.MethodPost, "/api/v1/schemas/"+src.ID+"/fork", "bob", `{"name":"mine"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var fork api.SchemaResponse
	require.NoError(t, json.Unmarshal(env.Data, &fork))
	assert.Equal(t, "bob", fork.OwnerID)
	assert.Equal(t, "mine", fork.Name)
	assert.Equal(t, 1, fork.Version)
	assert.Equal(t, "private", fork.Visibility)
	require.NotNil(t, fork.ParentID)
	assert.Equal(t, src.ID, *fork.ParentID)

	// 无请求体时沿用源名称
	w, env = do(t, mux, http.MethodPost, "/api/v1/schemas/"+src.ID+"/fork", "carol", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &fork))
	assert.Contains(t, fork.Name, "shared")
}

func TestSchemaHandler_Delete(t *testing.T) {
	mux := newSchemaMux(t)
	res := createSchema(t, mux, "alice", `{"name":"gone","schema":{}}`)
	path := "/api/v1/schemas/" + res.ID

	w, _ := do(t, mux, http.MethodDelete, path, "bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, mux, http.MethodDelete, path, "alice", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, _ = do(t, mux, http.MethodGet, path, "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
