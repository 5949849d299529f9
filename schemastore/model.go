package schemastore

import (
	"time"

	"gorm.io/datatypes"
)

// Visibility controls who can read a schema resource.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// =============================================================================
// 🗄️ 持久化模型
// =============================================================================

// SchemaResource 可复用的输出契约（JSON Schema），表中只保存当前版本
type SchemaResource struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	OwnerID       string         `gorm:"size:128;not null;index" json:"owner_id"`
	Name          string         `gorm:"size:255;not null" json:"name"`
	Description   string         `gorm:"type:text" json:"description,omitempty"`
	Schema        datatypes.JSON `gorm:"not null" json:"schema"`
	ExampleOutput datatypes.JSON `gorm:"not null" json:"example_output,omitempty"`
	Visibility    Visibility     `gorm:"size:16;not null;index" json:"visibility"`
	UsageCount    int64          `gorm:"not null" json:"usage_count"`
	Version       int            `gorm:"not null" json:"version"`
	IsLatest      bool           `gorm:"not null" json:"is_latest"`
	ParentID      *string        `gorm:"size:36;index" json:"parent_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (SchemaResource) TableName() string {
	return "schema_resources"
}

// VersionRecord 更新前的不可变快照，以 (resource_id, version) 唯一
type VersionRecord struct {
	ID            uint           `gorm:"primaryKey" json:"-"`
	ResourceID    string         `gorm:"size:36;not null;uniqueIndex:idx_schema_versions_resource_version" json:"resource_id"`
	Version       int            `gorm:"not null;uniqueIndex:idx_schema_versions_resource_version" json:"version"`
	Name          string         `gorm:"size:255;not null" json:"name"`
	Description   string         `gorm:"type:text" json:"description,omitempty"`
	Schema        datatypes.JSON `gorm:"not null" json:"schema"`
	ExampleOutput datatypes.JSON `gorm:"not null" json:"example_output,omitempty"`
	Visibility    Visibility     `gorm:"size:16;not null" json:"visibility"`
	ChangedBy     string         `gorm:"size:128;not null" json:"changed_by"`
	ChangeSummary string         `gorm:"type:text" json:"change_summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TableName 指定表名
func (VersionRecord) TableName() string {
	return "schema_versions"
}

// Snapshot is one version of a resource as returned by Compare. Live is set
// when the snapshot is the resource's current state rather than a record.
type Snapshot struct {
	ResourceID    string         `json:"resource_id"`
	Version       int            `json:"version"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Schema        datatypes.JSON `json:"schema"`
	ExampleOutput datatypes.JSON `json:"example_output,omitempty"`
	Visibility    Visibility     `json:"visibility"`
	Live          bool           `json:"live"`
	ChangedBy     string         `json:"changed_by,omitempty"`
	ChangeSummary string         `json:"change_summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func liveSnapshot(r *SchemaResource) *Snapshot {
	return &Snapshot{
		ResourceID:    r.ID,
		Version:       r.Version,
		Name:          r.Name,
		Description:   r.Description,
		Schema:        r.Schema,
		ExampleOutput: r.ExampleOutput,
		Visibility:    r.Visibility,
		Live:          true,
		ChangedBy:     r.OwnerID,
		CreatedAt:     r.UpdatedAt,
	}
}

func recordSnapshot(v *VersionRecord) *Snapshot {
	return &Snapshot{
		ResourceID:    v.ResourceID,
		Version:       v.Version,
		Name:          v.Name,
		Description:   v.Description,
		Schema:        v.Schema,
		ExampleOutput: v.ExampleOutput,
		Visibility:    v.Visibility,
		ChangedBy:     v.ChangedBy,
		ChangeSummary: v.ChangeSummary,
		CreatedAt:     v.CreatedAt,
	}
}

// HasExample reports whether the resource carries an example output.
func (r *SchemaResource) HasExample() bool {
	return !isNullJSON(r.ExampleOutput)
}

// AllModels 返回需要迁移的模型，供 AutoMigrate 使用
func AllModels() []any {
	return []any{&SchemaResource{}, &VersionRecord{}}
}
