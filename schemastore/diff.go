package schemastore

import (
	"bytes"
	"reflect"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
)

var nullJSON = datatypes.JSON("null")

// CreateInput carries the fields of a new schema resource.
type CreateInput struct {
	Name          string
	Description   string
	Schema        []byte
	ExampleOutput []byte
	Visibility    Visibility
}

// UpdateInput is a partial update; nil fields are left unchanged.
// ExampleOutput set to the JSON literal null clears the example.
type UpdateInput struct {
	Name          *string
	Description   *string
	Schema        []byte
	ExampleOutput []byte
	Visibility    *Visibility
}

// Empty reports whether the input names no field at all.
func (in UpdateInput) Empty() bool {
	return in.Name == nil && in.Description == nil && in.Schema == nil &&
		in.ExampleOutput == nil && in.Visibility == nil
}

// fields 可更新字段集合
type fields struct {
	Name          string
	Description   string
	Schema        datatypes.JSON
	ExampleOutput datatypes.JSON
	Visibility    Visibility
}

func fieldsOf(r *SchemaResource) fields {
	return fields{
		Name:          r.Name,
		Description:   r.Description,
		Schema:        r.Schema,
		ExampleOutput: r.ExampleOutput,
		Visibility:    r.Visibility,
	}
}

// apply returns the fields after applying in, and whether anything differs
// from cur. JSON fields compare semantically.
func (in UpdateInput) apply(cur fields) (fields, bool) {
	next := cur
	changed := false

	if in.Name != nil && *in.Name != cur.Name {
		next.Name = *in.Name
		changed = true
	}
	if in.Description != nil && *in.Description != cur.Description {
		next.Description = *in.Description
		changed = true
	}
	if in.Schema != nil && !jsonEqual(in.Schema, cur.Schema) {
		next.Schema = datatypes.JSON(compactJSON(in.Schema))
		changed = true
	}
	if in.ExampleOutput != nil && !jsonEqual(in.ExampleOutput, cur.ExampleOutput) {
		next.ExampleOutput = normalizeExample(in.ExampleOutput)
		changed = true
	}
	if in.Visibility != nil && *in.Visibility != cur.Visibility {
		next.Visibility = *in.Visibility
		changed = true
	}
	return next, changed
}

// updateFromFields builds an input that sets every field to f.
func updateFromFields(f fields) UpdateInput {
	name, desc, vis := f.Name, f.Description, f.Visibility
	example := []byte(f.ExampleOutput)
	if len(example) == 0 {
		example = nullJSON
	}
	return UpdateInput{
		Name:          &name,
		Description:   &desc,
		Schema:        []byte(f.Schema),
		ExampleOutput: example,
		Visibility:    &vis,
	}
}

// =============================================================================
// 🔧 JSON 辅助函数
// =============================================================================

func isNullJSON(b []byte) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, nullJSON)
}

// jsonEqual compares two JSON documents by value; empty and null are equal.
func jsonEqual(a, b []byte) bool {
	if isNullJSON(a) || isNullJSON(b) {
		return isNullJSON(a) && isNullJSON(b)
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func compactJSON(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}

func normalizeExample(b []byte) datatypes.JSON {
	if isNullJSON(b) {
		return nullJSON
	}
	return datatypes.JSON(compactJSON(b))
}

func validJSON(b []byte) bool {
	return json.Valid(b)
}
