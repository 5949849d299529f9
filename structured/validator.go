package structured

import (
	"bytes"
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/schemaflow/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"
)

// Violation is a single schema violation located by JSON pointer.
// An empty Path denotes the document root.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	if v.Path == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ValidationResult carries every violation found, not just the first.
type ValidationResult struct {
	Valid  bool        `json:"valid"`
	Errors []Violation `json:"errors,omitempty"`
}

// Validator validates decoded JSON values against one compiled schema.
type Validator interface {
	Validate(data any) ValidationResult
}

// Compiler turns a JSON Schema document into a reusable Validator.
// Compile fails with a SCHEMA_INVALID *types.Error.
type Compiler interface {
	Compile(schema []byte) (Validator, error)
}

// DefaultCacheSize 编译缓存默认容量
const DefaultCacheSize = 256

// JSONSchemaCompiler compiles schemas with santhosh-tekuri/jsonschema and
// caches the compiled result by content hash. The cache holds at most
// CacheSize entries and evicts the least recently used one.
type JSONSchemaCompiler struct {
	mu       sync.Mutex
	compiled map[string]*list.Element
	lru      *list.List
	size     int
	group    singleflight.Group
	draft    *jsonschema.Draft
}

type cacheEntry struct {
	key       string
	validator *jsonSchemaValidator
}

// CompilerOption configures a JSONSchemaCompiler.
type CompilerOption func(*JSONSchemaCompiler)

// WithCacheSize bounds the compiled schema cache; n <= 0 keeps the default.
func WithCacheSize(n int) CompilerOption {
	return func(c *JSONSchemaCompiler) {
		if n > 0 {
			c.size = n
		}
	}
}

// NewCompiler creates a compiler that defaults to draft 2020-12 for
// documents without a $schema keyword.
func NewCompiler(opts ...CompilerOption) *JSONSchemaCompiler {
	c := &JSONSchemaCompiler{
		compiled: make(map[string]*list.Element),
		lru:      list.New(),
		size:     DefaultCacheSize,
		draft:    jsonschema.Draft2020,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// annotationFormats 让 format 只作注解：v5 对无 $schema 的文档和 2019 之前的
// draft 都会断言 format，编译器级别的 Formats 优先于全局表
func annotationFormats() map[string]func(any) bool {
	out := make(map[string]func(any) bool, len(jsonschema.Formats))
	for name := range jsonschema.Formats {
		out[name] = func(any) bool { return true }
	}
	return out
}

// Compile compiles a schema definition and caches it.
func (c *JSONSchemaCompiler) Compile(schema []byte) (Validator, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, types.NewError(types.ErrSchemaInvalid, "schema is empty")
	}

	key := cacheKey(schema)

	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = c.draft
		compiler.Formats = annotationFormats()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
			return nil, types.NewError(types.ErrSchemaInvalid, "schema is not a valid JSON document").WithCause(err)
		}
		compiled, err := compiler.Compile("schema.json")
		if err != nil {
			return nil, types.NewError(types.ErrSchemaInvalid, "schema failed to compile").WithCause(err)
		}

		validator := &jsonSchemaValidator{schema: compiled}
		c.store(key, validator)
		return validator, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jsonSchemaValidator), nil
}

func cacheKey(schema []byte) string {
	sum := sha256.Sum256(schema)
	return hex.EncodeToString(sum[:])
}

func (c *JSONSchemaCompiler) lookup(key string) (*jsonSchemaValidator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.compiled[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).validator, true
}

func (c *JSONSchemaCompiler) store(key string, v *jsonSchemaValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.compiled[key]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.compiled[key] = c.lru.PushFront(&cacheEntry{key: key, validator: v})
	for c.lru.Len() > c.size {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.compiled, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached compiled schemas.
func (c *JSONSchemaCompiler) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.compiled)
}

// ClearCache clears the compiled schema cache.
func (c *JSONSchemaCompiler) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[string]*list.Element)
	c.lru.Init()
}

type jsonSchemaValidator struct {
	schema *jsonschema.Schema
}

func (v *jsonSchemaValidator) Validate(data any) ValidationResult {
	err := v.schema.Validate(data)
	if err == nil {
		return ValidationResult{Valid: true}
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationResult{Errors: []Violation{{Path: "", Message: err.Error()}}}
	}

	violations := collectLeaves(ve, nil)
	if len(violations) == 0 {
		violations = []Violation{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Path < violations[j].Path
	})
	return ValidationResult{Errors: dedupe(violations)}
}

// collectLeaves flattens the cause tree; only leaves describe concrete
// failures, inner nodes just say "doesn't validate with ...".
func collectLeaves(ve *jsonschema.ValidationError, out []Violation) []Violation {
	if len(ve.Causes) == 0 {
		return append(out, Violation{Path: ve.InstanceLocation, Message: ve.Message})
	}
	for _, cause := range ve.Causes {
		out = collectLeaves(cause, out)
	}
	return out
}

func dedupe(in []Violation) []Violation {
	seen := make(map[Violation]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// FormatViolations renders violations one per line as "- path: message".
func FormatViolations(violations []Violation) string {
	var sb strings.Builder
	for i, v := range violations {
		if i > 0 {
			sb.WriteString("\n")
		}
		path := v.Path
		if path == "" {
			path = "(root)"
		}
		fmt.Fprintf(&sb, "- %s: %s", path, v.Message)
	}
	return sb.String()
}
