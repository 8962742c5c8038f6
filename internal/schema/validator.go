// Package schema validates runtime contexts against stored JSON-Schema
// documents. Compiled schemas are cached by code; in production schemas are
// effectively immutable once loaded, so the cache has no TTL and is only
// invalidated by admin writes.
package schema

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/acumenpress/commerce/internal/models"
)

// Source loads schema documents by code.
type Source interface {
	SchemaByCode(ctx context.Context, code string) (models.ContextSchema, error)
}

// CachedValidator compiles and caches schemas from a Source.
type CachedValidator struct {
	source   Source
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	log      zerolog.Logger
}

// NewCachedValidator returns a validator over the given source.
func NewCachedValidator(source Source, log zerolog.Logger) *CachedValidator {
	return &CachedValidator{
		source:   source,
		compiled: map[string]*jsonschema.Schema{},
		log:      log.With().Str("component", "schema").Logger(),
	}
}

// Validate checks runtime against the schema registered under code. An empty
// code always passes. The returned issues carry the failing JSON path and a
// human message; a non-nil error means the schema itself could not be loaded
// or compiled.
func (v *CachedValidator) Validate(ctx context.Context, runtime map[string]interface{}, code string) ([]models.SchemaIssue, error) {
	if code == "" {
		return nil, nil
	}
	sch, err := v.schema(ctx, code)
	if err != nil {
		return nil, err
	}
	err = sch.Validate(normalize(runtime))
	if err == nil {
		return nil, nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []models.SchemaIssue{{Path: "$", Message: err.Error()}}, nil
	}
	return flatten(verr), nil
}

// Invalidate drops the compiled schema for a code after an admin write.
func (v *CachedValidator) Invalidate(code string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.compiled, code)
}

func (v *CachedValidator) schema(ctx context.Context, code string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	sch, ok := v.compiled[code]
	v.mu.RUnlock()
	if ok {
		return sch, nil
	}

	stored, err := v.source.SchemaByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load schema %q: %w", code, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "schema:///" + code + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(stored.Schema)); err != nil {
		return nil, fmt.Errorf("add schema %q: %w", code, err)
	}
	sch, err = compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", code, err)
	}

	v.mu.Lock()
	v.compiled[code] = sch
	v.mu.Unlock()
	v.log.Debug().Str("schema_code", code).Msg("schema compiled and cached")
	return sch, nil
}

// flatten walks a validation error tree and keeps the leaf causes, which name
// the actual failing instance locations.
func flatten(err *jsonschema.ValidationError) []models.SchemaIssue {
	if len(err.Causes) == 0 {
		path := err.InstanceLocation
		if path == "" {
			path = "$"
		}
		return []models.SchemaIssue{{Path: path, Message: err.Message}}
	}
	var issues []models.SchemaIssue
	for _, cause := range err.Causes {
		issues = append(issues, flatten(cause)...)
	}
	return issues
}

// normalize converts Go scalar shapes produced outside encoding/json (ints,
// nested typed maps) into the interface shapes the validator expects.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
