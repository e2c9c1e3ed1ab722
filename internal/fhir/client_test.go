package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMedplum struct {
	t          *testing.T
	tokenCalls atomic.Int32
	rejectAuth bool
	handler    http.HandlerFunc
}

func (f *fakeMedplum) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth2/token" {
		f.tokenCalls.Add(1)
		require.NoError(f.t, r.ParseForm())
		if f.rejectAuth {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
			return
		}
		assert.Equal(f.t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`)
		return
	}

	assert.Equal(f.t, "Bearer tok-123", r.Header.Get("Authorization"))
	f.handler(w, r)
}

func newTestClient(t *testing.T, f *fakeMedplum) *Client {
	t.Helper()
	f.t = t

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), Options{
		BaseURL:      srv.URL + "/fhir/R4",
		TokenURL:     srv.URL + "/oauth2/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func writeOutcome(w http.ResponseWriter, status int, diagnostics string) {
	w.Header().Set("Content-Type", mimeFHIRJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []OperationOutcomeIssue{{Severity: "error", Code: "processing", Diagnostics: diagnostics}},
	})
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(context.Background(), Options{BaseURL: "https://example.org/fhir/R4/", ClientID: "  "})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.NotErrorIs(t, err, ErrUnauthorized)

	_, err = NewClient(context.Background(), Options{BaseURL: "not a url", ClientID: "a", ClientSecret: "b"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestClient_TokenFetchLogIsSanitized(t *testing.T) {
	f := &fakeMedplum{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	var logs bytes.Buffer
	c, err := NewClient(context.Background(), Options{
		BaseURL:      srv.URL + "/fhir/R4",
		TokenURL:     srv.URL + "/oauth2/token",
		ClientID:     "client",
		ClientSecret: "secret",
		HTTPClient:   srv.Client(),
		Logger:       slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	require.NoError(t, err)

	require.NoError(t, c.CheckAuth(context.Background()))
	assert.Contains(t, logs.String(), "client-credentials token fetched")
	assert.Contains(t, logs.String(), "[token:7 chars]")
	assert.NotContains(t, logs.String(), "tok-123")
}

func TestClient_CheckAuthHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := NewClient(context.Background(), Options{
		BaseURL:      srv.URL + "/fhir/R4",
		TokenURL:     srv.URL + "/oauth2/token",
		ClientID:     "client",
		ClientSecret: "secret",
		Timeout:      5 * time.Second,
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.CheckAuth(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_SearchSlots(t *testing.T) {
	f := &fakeMedplum{handler: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/fhir/R4/Slot", r.URL.Path)
		assert.Equal(t, "Schedule/sch-1", r.URL.Query().Get("schedule"))
		assert.Equal(t, "free", r.URL.Query().Get("status"))
		assert.Equal(t, mimeFHIRJSON, r.Header.Get("Accept"))

		w.Header().Set("Content-Type", mimeFHIRJSON)
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","entry":[
			{"resource":{"resourceType":"Slot","id":"s1","schedule":{"reference":"Schedule/sch-1"},"status":"free","start":"2025-01-01T09:00:00Z","end":"2025-01-01T09:30:00Z"}},
			{"resource":{"resourceType":"Slot","id":"s2","schedule":{"reference":"Schedule/sch-1"},"status":"free","start":"2025-01-01T10:00:00Z","end":"2025-01-01T10:30:00Z"}}]}`)
	}}
	c := newTestClient(t, f)

	slots, err := SearchResources[Slot](context.Background(), c, ResourceSlot, url.Values{
		"schedule": {"Schedule/sch-1"},
		"status":   {"free"},
	})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "s1", slots[0].ID)
	assert.Equal(t, SlotStatusFree, slots[1].Status)
}

func TestClient_TokenIsReused(t *testing.T) {
	f := &fakeMedplum{handler: func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Schedule","id":"sch-1"}`)
	}}
	c := newTestClient(t, f)

	for i := 0; i < 3; i++ {
		_, err := ReadResource[Schedule](context.Background(), c, ResourceSchedule, "sch-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestClient_CreateAndPatch(t *testing.T) {
	f := &fakeMedplum{handler: func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/fhir/R4/Appointment", r.URL.Path)
			assert.Equal(t, mimeFHIRJSON, r.Header.Get("Content-Type"))
			var appt map[string]any
			require.NoError(t, json.Unmarshal(body, &appt))
			appt["id"] = "appt-1"
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(appt)
		case http.MethodPatch:
			assert.Equal(t, "/fhir/R4/Slot/s1", r.URL.Path)
			assert.Equal(t, mimeJSONPatchJSON, r.Header.Get("Content-Type"))
			var ops []PatchOperation
			require.NoError(t, json.Unmarshal(body, &ops))
			require.Len(t, ops, 2)
			assert.Equal(t, PatchOpTest, ops[0].Op)
			_, _ = io.WriteString(w, `{"resourceType":"Slot","id":"s1","status":"busy-unavailable"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}}
	c := newTestClient(t, f)
	ctx := context.Background()

	created, err := CreateResource(ctx, c, ResourceAppointment, &Appointment{
		ResourceType: ResourceAppointment,
		Status:       AppointmentStatusBooked,
		Slot:         []ResourceReference{RefTo(NewReference(ResourceSlot, "s1"))},
	})
	require.NoError(t, err)
	assert.Equal(t, "appt-1", created.ID)

	slot, err := PatchResource[Slot](ctx, c, ResourceSlot, "s1", []PatchOperation{
		Test("/status", SlotStatusFree),
		Replace("/status", SlotStatusBusyUnavailable),
	})
	require.NoError(t, err)
	assert.Equal(t, SlotStatusBusyUnavailable, slot.Status)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		diagnostics string
		wantIs      error
	}{
		{name: "not found", status: http.StatusNotFound, diagnostics: "Not found", wantIs: ErrNotFound},
		{name: "gone", status: http.StatusGone, diagnostics: "Deleted", wantIs: ErrNotFound},
		{name: "forbidden", status: http.StatusForbidden, diagnostics: "Forbidden", wantIs: ErrUnauthorized},
		{name: "precondition", status: http.StatusPreconditionFailed, diagnostics: "Version mismatch", wantIs: ErrConflict},
		{name: "patch test failed", status: http.StatusBadRequest, diagnostics: "Test failed: free != busy", wantIs: ErrConflict},
		{name: "server error", status: http.StatusInternalServerError, diagnostics: "boom", wantIs: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeMedplum{handler: func(w http.ResponseWriter, r *http.Request) {
				writeOutcome(w, tt.status, tt.diagnostics)
			}}
			c := newTestClient(t, f)

			_, err := c.Read(context.Background(), ResourceSlot, "s1")
			require.Error(t, err)

			var re *RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.status, re.StatusCode)
			assert.Equal(t, tt.diagnostics, re.Diagnostics)
			assert.Contains(t, err.Error(), tt.diagnostics)

			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			} else {
				assert.NotErrorIs(t, err, ErrNotFound)
				assert.NotErrorIs(t, err, ErrConflict)
				assert.NotErrorIs(t, err, ErrUnauthorized)
			}
		})
	}
}

func TestClient_TokenRejected(t *testing.T) {
	f := &fakeMedplum{rejectAuth: true, handler: func(w http.ResponseWriter, r *http.Request) {
		t.Error("store must not be called without a token")
	}}
	c := newTestClient(t, f)

	_, err := c.Read(context.Background(), ResourceSchedule, "sch-1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, c.CheckAuth(context.Background()), ErrUnauthorized)
}

func TestOperationOutcome_Message(t *testing.T) {
	o := &OperationOutcome{Issue: []OperationOutcomeIssue{
		{Diagnostics: "first"},
		{Details: &CodeableConcept{Text: "second"}},
		{},
	}}
	assert.Equal(t, "first; second", o.Message())

	var nilOutcome *OperationOutcome
	assert.Empty(t, nilOutcome.Message())
}
