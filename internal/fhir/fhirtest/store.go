// Package fhirtest provides an in-memory fhir.Store for tests.
package fhirtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
)

// Store methods, as recorded in Call.Method and used by FailOn.
const (
	MethodSearch = "search"
	MethodRead   = "read"
	MethodCreate = "create"
	MethodPatch  = "patch"
)

// Call is one recorded store invocation.
type Call struct {
	Method       string
	ResourceType string
	ID           string
	Ops          []fhir.PatchOperation
}

type failure struct {
	method       string
	resourceType string
	skip         int
	err          error
}

type hook struct {
	method       string
	resourceType string
	fn           func()
}

// Store is a goroutine-safe in-memory fhir.Store. Resources are kept as
// JSON objects keyed by type and id.
type Store struct {
	mu        sync.Mutex
	resources map[string]map[string]map[string]any
	order     map[string][]string
	nextID    int
	calls     []Call
	failures  []*failure
	hooks     []hook
}

var _ fhir.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		resources: make(map[string]map[string]map[string]any),
		order:     make(map[string][]string),
	}
}

// Put stores resource (any JSON-encodable value) and returns its id,
// assigning one when the resource has none. Put is not recorded as a call.
func (s *Store) Put(resourceType string, resource any) string {
	obj, err := toObject(resource)
	if err != nil {
		panic(fmt.Sprintf("fhirtest: cannot encode %s: %v", resourceType, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(resourceType, obj)
}

// FailOn makes every call of method on resourceType return err.
func (s *Store) FailOn(method, resourceType string, err error) {
	s.FailAfter(method, resourceType, 0, err)
}

// FailAfter lets n matching calls succeed, then fails every later one with err.
func (s *Store) FailAfter(method, resourceType string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, resourceType: resourceType, skip: n, err: err})
}

// Before registers fn to run before each matching call, outside the store lock.
// Tests use it to interleave a competing write.
func (s *Store) Before(method, resourceType string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook{method: method, resourceType: resourceType, fn: fn})
}

// Calls returns a copy of the recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls matching method and resource type.
func (s *Store) CallsTo(method, resourceType string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method && c.ResourceType == resourceType {
			out = append(out, c)
		}
	}
	return out
}

// Raw returns the stored JSON of a resource, or nil.
func (s *Store) Raw(resourceType, id string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.resources[resourceType][id]
	if !ok {
		return nil
	}
	data, _ := json.Marshal(obj)
	return data
}

// Get decodes a stored resource into T, failing the test if it is missing.
func Get[T any](tb testing.TB, s *Store, resourceType, id string) *T {
	tb.Helper()
	raw := s.Raw(resourceType, id)
	if raw == nil {
		tb.Fatalf("fhirtest: %s/%s not found", resourceType, id)
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		tb.Fatalf("fhirtest: decode %s/%s: %v", resourceType, id, err)
	}
	return v
}

// Search implements fhir.Store. Each parameter must equal the top-level
// field of that name, or its "reference" when the field is a Reference.
// Parameters starting with "_" are ignored.
func (s *Store) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	if _, err := s.begin(ctx, Call{Method: MethodSearch, ResourceType: resourceType}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bundle := &fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}
	for _, id := range s.order[resourceType] {
		obj := s.resources[resourceType][id]
		if !matches(obj, params) {
			continue
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  resourceType + "/" + id,
			Resource: data,
		})
	}
	bundle.Total = len(bundle.Entry)
	return bundle, nil
}

// Read implements fhir.Store.
func (s *Store) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	if _, err := s.begin(ctx, Call{Method: MethodRead, ResourceType: resourceType, ID: id}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.resources[resourceType][id]
	if !ok {
		return nil, notFound(http.MethodGet, resourceType, id)
	}
	return json.Marshal(obj)
}

// Create implements fhir.Store. Any client-supplied id is replaced.
func (s *Store) Create(ctx context.Context, resourceType string, resource any) (json.RawMessage, error) {
	idx, err := s.begin(ctx, Call{Method: MethodCreate, ResourceType: resourceType})
	if err != nil {
		return nil, err
	}

	obj, err := toObject(resource)
	if err != nil {
		return nil, err
	}
	delete(obj, "id")
	delete(obj, "meta")

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.put(resourceType, obj)
	s.calls[idx].ID = id
	return json.Marshal(s.resources[resourceType][id])
}

// Patch implements fhir.Store by applying ops as an RFC 6902 patch. The
// patch is atomic; a failed "test" op returns a conflict.
func (s *Store) Patch(ctx context.Context, resourceType, id string, ops []fhir.PatchOperation) (json.RawMessage, error) {
	if _, err := s.begin(ctx, Call{Method: MethodPatch, ResourceType: resourceType, ID: id, Ops: ops}); err != nil {
		return nil, err
	}

	body, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(body)
	if err != nil {
		return nil, badRequest(resourceType, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.resources[resourceType][id]
	if !ok {
		return nil, notFound(http.MethodPatch, resourceType, id)
	}
	doc, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}

	patched, err := patch.Apply(doc)
	if errors.Is(err, jsonpatch.ErrTestFailed) {
		return nil, &fhir.RemoteError{
			Method:       http.MethodPatch,
			ResourceType: resourceType,
			StatusCode:   http.StatusBadRequest,
			Diagnostics:  fmt.Sprintf("Test failed: %v", err),
			Err:          fhir.ErrConflict,
		}
	}
	if err != nil {
		return nil, badRequest(resourceType, err.Error())
	}

	var next map[string]any
	if err := json.Unmarshal(patched, &next); err != nil {
		return nil, err
	}
	s.stamp(next)
	s.resources[resourceType][id] = next
	return json.Marshal(next)
}

// begin records the call, runs hooks and returns an injected failure if one applies.
func (s *Store) begin(ctx context.Context, c Call) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, c)
	var fns []func()
	for _, h := range s.hooks {
		if h.method == c.Method && h.resourceType == c.ResourceType {
			fns = append(fns, h.fn)
		}
	}
	var injected error
	for _, f := range s.failures {
		if f.method != c.Method || f.resourceType != c.ResourceType {
			continue
		}
		if f.skip > 0 {
			f.skip--
			continue
		}
		injected = f.err
		break
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return idx, injected
}

func (s *Store) put(resourceType string, obj map[string]any) string {
	id, _ := obj["id"].(string)
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("%s-%d", strings.ToLower(resourceType), s.nextID)
	}
	obj["id"] = id
	obj["resourceType"] = resourceType
	s.stamp(obj)

	if s.resources[resourceType] == nil {
		s.resources[resourceType] = make(map[string]map[string]any)
	}
	if _, exists := s.resources[resourceType][id]; !exists {
		s.order[resourceType] = append(s.order[resourceType], id)
	}
	s.resources[resourceType][id] = obj
	return id
}

func (s *Store) stamp(obj map[string]any) {
	version := 1
	if meta, ok := obj["meta"].(map[string]any); ok {
		if v, err := strconv.Atoi(fmt.Sprint(meta["versionId"])); err == nil {
			version = v + 1
		}
	}
	obj["meta"] = map[string]any{
		"versionId":   strconv.Itoa(version),
		"lastUpdated": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func matches(obj map[string]any, params url.Values) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if strings.HasPrefix(key, "_") {
			continue
		}
		want := params.Get(key)
		switch v := obj[key].(type) {
		case string:
			if v != want {
				return false
			}
		case map[string]any:
			if ref, _ := v["reference"].(string); ref != want {
				return false
			}
		case bool:
			if strconv.FormatBool(v) != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toObject(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]any)
	}
	return obj, nil
}

func notFound(method, resourceType, id string) error {
	return &fhir.RemoteError{
		Method:       method,
		ResourceType: resourceType,
		StatusCode:   http.StatusNotFound,
		Diagnostics:  fmt.Sprintf("%s/%s not found", resourceType, id),
		Err:          fhir.ErrNotFound,
	}
}

func badRequest(resourceType, diag string) error {
	return &fhir.RemoteError{
		Method:       http.MethodPatch,
		ResourceType: resourceType,
		StatusCode:   http.StatusBadRequest,
		Diagnostics:  diag,
	}
}
