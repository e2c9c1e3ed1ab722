package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// PatchOperation is a single RFC 6902 JSON Patch operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// JSON Patch operation names.
const (
	PatchOpTest    = "test"
	PatchOpReplace = "replace"
	PatchOpAdd     = "add"
	PatchOpRemove  = "remove"
)

// Test returns a "test" op that fails the whole patch unless path equals value.
func Test(path string, value any) PatchOperation {
	return PatchOperation{Op: PatchOpTest, Path: path, Value: value}
}

// Replace returns a "replace" op.
func Replace(path string, value any) PatchOperation {
	return PatchOperation{Op: PatchOpReplace, Path: path, Value: value}
}

// Add returns an "add" op.
func Add(path string, value any) PatchOperation {
	return PatchOperation{Op: PatchOpAdd, Path: path, Value: value}
}

// Store is the subset of the FHIR REST API used by the scheduling core.
// Implementations must be safe for concurrent use.
type Store interface {
	// Search returns the matching resources; params.Encode() is the query string.
	Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error)
	Read(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	Create(ctx context.Context, resourceType string, resource any) (json.RawMessage, error)
	// Patch applies ops atomically; a failed "test" op yields ErrConflict.
	Patch(ctx context.Context, resourceType, id string, ops []PatchOperation) (json.RawMessage, error)
}

// SearchResources runs a search and decodes every entry into T.
func SearchResources[T any](ctx context.Context, s Store, resourceType string, params url.Values) ([]T, error) {
	bundle, err := s.Search(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		var v T
		if err := json.Unmarshal(entry.Resource, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s entry %d: %w", resourceType, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadResource reads one resource and decodes it into T.
func ReadResource[T any](ctx context.Context, s Store, resourceType, id string) (*T, error) {
	raw, err := s.Read(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	return decode[T](resourceType, raw)
}

// CreateResource creates a resource and decodes the stored copy into T.
func CreateResource[T any](ctx context.Context, s Store, resourceType string, resource *T) (*T, error) {
	raw, err := s.Create(ctx, resourceType, resource)
	if err != nil {
		return nil, err
	}
	return decode[T](resourceType, raw)
}

// PatchResource patches a resource and decodes the result into T.
func PatchResource[T any](ctx context.Context, s Store, resourceType, id string, ops []PatchOperation) (*T, error) {
	raw, err := s.Patch(ctx, resourceType, id, ops)
	if err != nil {
		return nil, err
	}
	return decode[T](resourceType, raw)
}

func decode[T any](resourceType string, raw json.RawMessage) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", resourceType, err)
	}
	return v, nil
}
