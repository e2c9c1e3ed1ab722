package scheduling

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/teemow/fhir-scheduling-mcp/internal/events"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir"
	"github.com/teemow/fhir-scheduling-mcp/internal/fhir/fhirtest"
)

const (
	testSchedule     = "SC1"
	testSlot         = "S1"
	testPractitioner = "P1"
	testStart        = "2025-01-01T10:00:00Z"
	testEnd          = "2025-01-01T10:30:00Z"
)

var errStoreDown = &fhir.RemoteError{Method: "PATCH", ResourceType: "x", StatusCode: 503, Diagnostics: "unavailable"}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type memoryLedger struct {
	mu      sync.Mutex
	records []Inconsistency
	nextID  int64
}

func (l *memoryLedger) Record(_ context.Context, inc Inconsistency) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	inc.ID = l.nextID
	l.records = append(l.records, inc)
	return inc.ID, nil
}

func (l *memoryLedger) Pending(_ context.Context, limit int) ([]Inconsistency, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Inconsistency
	for _, r := range l.records {
		if r.ResolvedAt == nil {
			out = append(out, r)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *memoryLedger) Resolve(_ context.Context, id int64) error {
	return l.update(id, func(r *Inconsistency) {
		now := time.Now()
		r.ResolvedAt = &now
	})
}

func (l *memoryLedger) MarkFailed(_ context.Context, id int64, cause error) error {
	return l.update(id, func(r *Inconsistency) {
		r.Attempts++
		r.LastError = cause.Error()
	})
}

func (l *memoryLedger) update(id int64, fn func(*Inconsistency)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID == id {
			fn(&l.records[i])
			return nil
		}
	}
	return errors.New("not found")
}

// unfilteredStore ignores search parameters, like a store that does not
// support them.
type unfilteredStore struct {
	*fhirtest.Store
}

func (s unfilteredStore) Search(ctx context.Context, resourceType string, _ url.Values) (*fhir.Bundle, error) {
	return s.Store.Search(ctx, resourceType, nil)
}

type fixture struct {
	store     *fhirtest.Store
	publisher *recordingPublisher
	ledger    *memoryLedger
	svc       *Service
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		store:     fhirtest.NewStore(),
		publisher: &recordingPublisher{},
		ledger:    &memoryLedger{},
	}
	f.store.Put(fhir.ResourceSchedule, fhir.Schedule{
		ID:    testSchedule,
		Actor: []fhir.ResourceReference{fhir.RefTo(fhir.NewReference(fhir.ResourcePractitioner, testPractitioner))},
	})
	f.putSlot(testSlot, testSchedule, fhir.SlotStatusFree)

	all := append([]Option{WithPublisher(f.publisher), WithLedger(f.ledger)}, opts...)
	f.svc = NewService(f.store, all...)
	return f
}

func (f *fixture) putSlot(id, schedule string, status fhir.SlotStatus) {
	f.store.Put(fhir.ResourceSlot, fhir.Slot{
		ID:       id,
		Schedule: fhir.RefTo(fhir.NewReference(fhir.ResourceSchedule, schedule)),
		Status:   status,
		Start:    testStart,
		End:      testEnd,
	})
}

func validRequest() BookingRequest {
	return BookingRequest{SlotID: testSlot, Start: testStart, End: testEnd, PractitionerID: testPractitioner}
}
