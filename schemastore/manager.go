package schemastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/schemaflow/internal/cache"
	"github.com/BaSui01/schemaflow/structured"
	"github.com/BaSui01/schemaflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeletePolicy decides what happens to version records when a resource is deleted.
type DeletePolicy string

const (
	DeleteCascade DeletePolicy = "cascade"
	DeleteRetain  DeletePolicy = "retain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// errVersionMoved 表示 CAS 更新时版本已被其他写入者推进
var errVersionMoved = errors.New("schemastore: version moved during update")

// =============================================================================
// ⚙️ 配置与依赖
// =============================================================================

// Config 版本管理器配置
type Config struct {
	DeletePolicy DeletePolicy `yaml:"delete_policy" json:"delete_policy"`

	// 单次更新在 CAS 冲突时整体重试的最大次数
	MaxUpdateAttempts int `yaml:"max_update_attempts" json:"max_update_attempts"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DeletePolicy:      DeleteCascade,
		MaxUpdateAttempts: 5,
	}
}

// VersionCache stores immutable version records keyed by resource and version.
// Implementations return an error wrapping cache.ErrCacheMiss on a miss.
type VersionCache interface {
	GetVersion(ctx context.Context, resourceID string, version int, dest any) error
	SetVersion(ctx context.Context, resourceID string, version int, value any) error
}

// OperationRecorder observes store operations.
type OperationRecorder interface {
	RecordSchemaOperation(operation, result string, duration time.Duration)
}

type nopOperationRecorder struct{}

func (nopOperationRecorder) RecordSchemaOperation(string, string, time.Duration) {}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the manager configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithVersionCache enables the version snapshot cache.
func WithVersionCache(c VersionCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithOperationRecorder attaches an operation metrics recorder.
func WithOperationRecorder(r OperationRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// =============================================================================
// 📚 版本管理器
// =============================================================================

// Manager owns schema resources and their version history.
type Manager struct {
	db       *gorm.DB
	compiler structured.Compiler
	cache    VersionCache
	metrics  OperationRecorder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a version manager over db.
func NewManager(db *gorm.DB, compiler structured.Compiler, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if compiler == nil {
		return nil, fmt.Errorf("compiler cannot be nil")
	}
	m := &Manager{
		db:       db,
		compiler: compiler,
		metrics:  nopOperationRecorder{},
		cfg:      DefaultConfig(),
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxUpdateAttempts <= 0 {
		m.cfg.MaxUpdateAttempts = DefaultConfig().MaxUpdateAttempts
	}
	switch m.cfg.DeletePolicy {
	case "":
		m.cfg.DeletePolicy = DeleteCascade
	case DeleteCascade, DeleteRetain:
	default:
		return nil, fmt.Errorf("unknown delete policy %q", m.cfg.DeletePolicy)
	}
	m.logger = m.logger.With(zap.String("component", "schemastore"))
	return m, nil
}

func (m *Manager) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(types.GetErrorCode(err))
		if result == "" {
			result = string(types.ErrInternalError)
		}
	}
	m.metrics.RecordSchemaOperation(op, result, time.Since(start))
}

// Create stores a new resource at version 1.
func (m *Manager) Create(ctx context.Context, owner string, in CreateInput) (res *SchemaResource, err error) {
	defer func(start time.Time) { m.observe("create", start, err) }(time.Now())

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "name is required")
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown visibility %q", visibility)
	}
	if err := m.checkSchema(in.Schema); err != nil {
		return nil, err
	}
	if err := checkExample(in.ExampleOutput); err != nil {
		return nil, err
	}

	now := m.now()
	res = &SchemaResource{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		Name:          name,
		Description:   in.Description,
		Schema:        datatypes.JSON(compactJSON(in.Schema)),
		ExampleOutput: normalizeExample(in.ExampleOutput),
		Visibility:    visibility,
		Version:       1,
		IsLatest:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.db.WithContext(ctx).Create(res).Error; err != nil {
		return nil, internalError("create schema resource", err)
	}

	m.logger.Info("schema resource created",
		zap.String("id", res.ID),
		zap.String("owner", owner),
		zap.String("name", res.Name))
	return res, nil
}

// Get returns a resource owned by owner or publicly visible.
func (m *Manager) Get(ctx context.Context, owner, id string) (res *SchemaResource, err error) {
	defer func(start time.Time) { m.observe("get", start, err) }(time.Now())
	return m.getReadable(ctx, m.db, owner, id)
}

// ListOptions 列表查询参数
type ListOptions struct {
	IncludePublic bool
	Limit         int
	Offset        int
}

// List returns the owner's resources, plus public ones when requested, newest first.
func (m *Manager) List(ctx context.Context, owner string, opts ListOptions) (out []SchemaResource, err error) {
	defer func(start time.Time) { m.observe("list", start, err) }(time.Now())

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	q := m.db.WithContext(ctx).Where("is_latest = ?", true)
	if opts.IncludePublic {
		q = q.Where("owner_id = ? OR visibility = ?", owner, VisibilityPublic)
	} else {
		q = q.Where("owner_id = ?", owner)
	}
	out = []SchemaResource{}
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, internalError("list schema resources", err)
	}
	return out, nil
}

// Update applies a partial update. Identical values are a no-op; any change
// snapshots the current state into a VersionRecord and bumps the version by one.
func (m *Manager) Update(ctx context.Context, owner, id string, in UpdateInput, changeSummary string) (res *SchemaResource, err error) {
	defer func(start time.Time) { m.observe("update", start, err) }(time.Now())
	return m.update(ctx, owner, id, in, changeSummary)
}

func (m *Manager) update(ctx context.Context, owner, id string, in UpdateInput, changeSummary string) (*SchemaResource, error) {
	if err := m.checkUpdate(in); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= m.cfg.MaxUpdateAttempts; attempt++ {
		res, err := m.tryUpdate(ctx, owner, id, in, changeSummary)
		if !errors.Is(err, errVersionMoved) {
			return res, err
		}
		if ctx.Err() != nil {
			return nil, internalError("update schema resource", ctx.Err())
		}
		m.logger.Debug("schema update lost version race, retrying",
			zap.String("id", id),
			zap.Int("attempt", attempt))
	}

	m.logger.Warn("schema update gave up after repeated version conflicts",
		zap.String("id", id),
		zap.Int("attempts", m.cfg.MaxUpdateAttempts))
	return nil, types.Errorf(types.ErrVersionConflict,
		"schema %s was modified concurrently; gave up after %d attempts", id, m.cfg.MaxUpdateAttempts)
}

// tryUpdate runs one read-diff-write cycle inside a transaction.
func (m *Manager) tryUpdate(ctx context.Context, owner, id string, in UpdateInput, changeSummary string) (*SchemaResource, error) {
	var (
		out     *SchemaResource
		changed bool
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := m.getOwned(ctx, tx, owner, id)
		if err != nil {
			return err
		}

		var next fields
		next, changed = in.apply(fieldsOf(cur))
		if !changed {
			out = cur
			return nil
		}

		now := m.now()
		result := tx.Model(&SchemaResource{}).
			Where("id = ? AND version = ?", cur.ID, cur.Version).
			Updates(map[string]any{
				"name":           next.Name,
				"description":    next.Description,
				"schema":         next.Schema,
				"example_output": next.ExampleOutput,
				"visibility":     next.Visibility,
				"version":        cur.Version + 1,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errVersionMoved
		}

		record := &VersionRecord{
			ResourceID:    cur.ID,
			Version:       cur.Version,
			Name:          cur.Name,
			Description:   cur.Description,
			Schema:        cur.Schema,
			ExampleOutput: cur.ExampleOutput,
			Visibility:    cur.Visibility,
			ChangedBy:     owner,
			ChangeSummary: changeSummary,
			CreatedAt:     now,
		}
		if err := tx.Create(record).Error; err != nil {
			if isDuplicateKey(err) {
				return errVersionMoved
			}
			return err
		}

		updated := *cur
		updated.Name = next.Name
		updated.Description = next.Description
		updated.Schema = next.Schema
		updated.ExampleOutput = next.ExampleOutput
		updated.Visibility = next.Visibility
		updated.Version = cur.Version + 1
		updated.UpdatedAt = now
		out = &updated
		return nil
	})
	if err != nil {
		if errors.Is(err, errVersionMoved) {
			return nil, err
		}
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, internalError("update schema resource", err)
	}

	if changed {
		m.logger.Info("schema resource updated",
			zap.String("id", out.ID),
			zap.Int("version", out.Version))
	}
	return out, nil
}

// Restore makes version target current again by applying its snapshot as an
// update. Restoring the current version changes nothing.
func (m *Manager) Restore(ctx context.Context, owner, id string, target int, changeSummary string) (res *SchemaResource, err error) {
	defer func(start time.Time) { m.observe("restore", start, err) }(time.Now())

	cur, err := m.getOwned(ctx, m.db, owner, id)
	if err != nil {
		return nil, err
	}
	if target == cur.Version {
		return cur, nil
	}
	record, err := m.loadVersion(ctx, cur, target)
	if err != nil {
		return nil, err
	}

	if changeSummary == "" {
		changeSummary = fmt.Sprintf("Restored to version %d", target)
	}
	in := updateFromFields(fields{
		Name:          record.Name,
		Description:   record.Description,
		Schema:        record.Schema,
		ExampleOutput: record.ExampleOutput,
		Visibility:    record.Visibility,
	})
	res, err = m.update(ctx, owner, id, in, changeSummary)
	if err != nil {
		return nil, err
	}

	m.logger.Info("schema resource restored",
		zap.String("id", id),
		zap.Int("restored_version", target),
		zap.Int("version", res.Version))
	return res, nil
}

// Fork copies a readable resource into a new private resource owned by owner.
func (m *Manager) Fork(ctx context.Context, owner, id, newName string) (res *SchemaResource, err error) {
	defer func(start time.Time) { m.observe("fork", start, err) }(time.Now())

	src, err := m.getReadable(ctx, m.db, owner, id)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(newName)
	if name == "" {
		name = src.Name + " (fork)"
	}
	parent := src.ID
	now := m.now()
	res = &SchemaResource{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		Name:          name,
		Description:   src.Description,
		Schema:        src.Schema,
		ExampleOutput: normalizeExample(src.ExampleOutput),
		Visibility:    VisibilityPrivate,
		Version:       1,
		IsLatest:      true,
		ParentID:      &parent,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.db.WithContext(ctx).Create(res).Error; err != nil {
		return nil, internalError("fork schema resource", err)
	}

	m.logger.Info("schema resource forked",
		zap.String("id", res.ID),
		zap.String("parent_id", parent),
		zap.String("owner", owner))
	return res, nil
}

// ListVersions returns every superseded version, newest first. The live
// state is not included.
func (m *Manager) ListVersions(ctx context.Context, owner, id string) (out []VersionRecord, err error) {
	defer func(start time.Time) { m.observe("list_versions", start, err) }(time.Now())

	if _, err := m.getReadable(ctx, m.db, owner, id); err != nil {
		return nil, err
	}
	out = []VersionRecord{}
	if err := m.db.WithContext(ctx).
		Where("resource_id = ?", id).
		Order("version DESC").
		Find(&out).Error; err != nil {
		return nil, internalError("list schema versions", err)
	}
	return out, nil
}

// Compare returns the snapshots of versions a and b side by side.
func (m *Manager) Compare(ctx context.Context, owner, id string, a, b int) (left, right *Snapshot, err error) {
	defer func(start time.Time) { m.observe("compare", start, err) }(time.Now())

	cur, err := m.getReadable(ctx, m.db, owner, id)
	if err != nil {
		return nil, nil, err
	}
	if left, err = m.snapshot(ctx, cur, a); err != nil {
		return nil, nil, err
	}
	if right, err = m.snapshot(ctx, cur, b); err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func (m *Manager) snapshot(ctx context.Context, cur *SchemaResource, version int) (*Snapshot, error) {
	if version == cur.Version {
		return liveSnapshot(cur), nil
	}
	record, err := m.loadVersion(ctx, cur, version)
	if err != nil {
		return nil, err
	}
	return recordSnapshot(record), nil
}

// Delete removes an owned resource. Version records are removed too unless
// the delete policy is retain.
func (m *Manager) Delete(ctx context.Context, owner, id string) (err error) {
	defer func(start time.Time) { m.observe("delete", start, err) }(time.Now())

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND owner_id = ?", id, owner).Delete(&SchemaResource{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return notFound(id)
		}
		if m.cfg.DeletePolicy == DeleteCascade {
			return tx.Where("resource_id = ?", id).Delete(&VersionRecord{}).Error
		}
		return nil
	})
	if err != nil {
		if _, ok := types.AsError(err); ok {
			return err
		}
		return internalError("delete schema resource", err)
	}

	m.logger.Info("schema resource deleted",
		zap.String("id", id),
		zap.String("policy", string(m.cfg.DeletePolicy)))
	return nil
}

// IncrementUsage adds one to the usage counter in a single statement.
func (m *Manager) IncrementUsage(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { m.observe("increment_usage", start, err) }(time.Now())

	result := m.db.WithContext(ctx).
		Model(&SchemaResource{}).
		Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if result.Error != nil {
		return internalError("increment usage", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// Resolve loads a readable resource for use in a structured completion and
// counts the use.
func (m *Manager) Resolve(ctx context.Context, owner, id string) (*SchemaResource, error) {
	res, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := m.IncrementUsage(ctx, id); err != nil {
		return nil, err
	}
	res.UsageCount++
	return res, nil
}

// ResolveSchema implements structured.SchemaResolver.
func (m *Manager) ResolveSchema(ctx context.Context, owner, id string) (*structured.ResolvedSchema, error) {
	res, err := m.Resolve(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	resolved := &structured.ResolvedSchema{
		ID:      res.ID,
		Version: res.Version,
		Schema:  []byte(res.Schema),
	}
	if res.HasExample() {
		resolved.Example = []byte(res.ExampleOutput)
	}
	return resolved, nil
}

// =============================================================================
// 🔍 内部查询
// =============================================================================

func (m *Manager) getReadable(ctx context.Context, db *gorm.DB, owner, id string) (*SchemaResource, error) {
	var res SchemaResource
	err := db.WithContext(ctx).
		Where("id = ? AND is_latest = ?", id, true).
		Where("owner_id = ? OR visibility = ?", owner, VisibilityPublic).
		First(&res).Error
	if err != nil {
		return nil, lookupError(id, err)
	}
	return &res, nil
}

func (m *Manager) getOwned(ctx context.Context, db *gorm.DB, owner, id string) (*SchemaResource, error) {
	var res SchemaResource
	err := db.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND is_latest = ?", id, owner, true).
		First(&res).Error
	if err != nil {
		return nil, lookupError(id, err)
	}
	return &res, nil
}

// loadVersion reads an immutable version record, through the cache when set.
func (m *Manager) loadVersion(ctx context.Context, cur *SchemaResource, version int) (*VersionRecord, error) {
	if version < 1 || version >= cur.Version {
		return nil, versionNotFound(cur.ID, version)
	}

	if m.cache != nil {
		var cached VersionRecord
		err := m.cache.GetVersion(ctx, cur.ID, version, &cached)
		if err == nil {
			return &cached, nil
		}
		if !cache.IsCacheMiss(err) {
			m.logger.Warn("version cache read failed", zap.String("id", cur.ID), zap.Int("version", version), zap.Error(err))
		}
	}

	var record VersionRecord
	err := m.db.WithContext(ctx).
		Where("resource_id = ? AND version = ?", cur.ID, version).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, versionNotFound(cur.ID, version)
		}
		return nil, internalError("load schema version", err)
	}

	if m.cache != nil {
		if err := m.cache.SetVersion(ctx, cur.ID, version, &record); err != nil {
			m.logger.Warn("version cache write failed", zap.String("id", cur.ID), zap.Int("version", version), zap.Error(err))
		}
	}
	return &record, nil
}

func (m *Manager) checkSchema(schema []byte) error {
	_, err := m.compiler.Compile(schema)
	return err
}

func (m *Manager) checkUpdate(in UpdateInput) error {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return types.NewError(types.ErrInvalidRequest, "name cannot be empty")
	}
	if in.Visibility != nil && !in.Visibility.Valid() {
		return types.Errorf(types.ErrInvalidRequest, "unknown visibility %q", *in.Visibility)
	}
	if in.Schema != nil {
		if err := m.checkSchema(in.Schema); err != nil {
			return err
		}
	}
	return checkExample(in.ExampleOutput)
}

func checkExample(example []byte) error {
	if isNullJSON(example) {
		return nil
	}
	if !validJSON(example) {
		return types.NewError(types.ErrInvalidRequest, "example_output must be valid JSON")
	}
	return nil
}

// =============================================================================
// ❌ 错误构造
// =============================================================================

func notFound(id string) error {
	return types.Errorf(types.ErrResourceNotFound, "schema %s not found", id)
}

func versionNotFound(id string, version int) error {
	return types.Errorf(types.ErrVersionNotFound, "schema %s has no version %d", id, version)
}

func lookupError(id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(id)
	}
	return internalError("load schema resource", err)
}

func internalError(op string, err error) error {
	return types.Errorf(types.ErrInternalError, "%s failed", op).WithCause(err)
}

// isDuplicateKey 判断是否为唯一索引冲突
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
