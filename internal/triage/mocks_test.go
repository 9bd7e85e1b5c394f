package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/lookup"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
)

// mockGateway answers by schema name with canned JSON or an error.
type mockGateway struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []genai.StructuredRequest
}

func newMockGateway() *mockGateway {
	return &mockGateway{responses: map[string]string{}, errs: map[string]error{}}
}

func (m *mockGateway) withLabel(label string) *mockGateway {
	m.responses["severity_classification"] = fmt.Sprintf(`{"Severity":%q}`, label)
	return m
}

func (m *mockGateway) GenerateStructured(ctx context.Context, req genai.StructuredRequest, out any) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	err := m.errs[req.SchemaName]
	raw, ok := m.responses[req.SchemaName]
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("unexpected schema " + req.SchemaName)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (m *mockGateway) callsFor(schema string) []genai.StructuredRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []genai.StructuredRequest
	for _, c := range m.calls {
		if c.SchemaName == schema {
			out = append(out, c)
		}
	}
	return out
}

type fakeFacilities struct {
	mu       sync.Mutex
	result   []lookup.Facility
	err      error
	category string
	calls    int
}

func (f *fakeFacilities) NearbyFacilities(ctx context.Context, lat, lon float64, radius int, category string) ([]lookup.Facility, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.category = category
	return f.result, f.err
}

type fakeDoctors struct {
	mu           sync.Mutex
	result       []lookup.Doctor
	err          error
	specialities []string
	urgent       bool
	calls        int
}

func (f *fakeDoctors) FindDoctors(ctx context.Context, specialities []string, lat, lon float64, urgent bool) ([]lookup.Doctor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.specialities = specialities
	f.urgent = urgent
	return f.result, f.err
}

type fixedClassifier struct {
	label models.SeverityLabel
	err   error
}

func (c fixedClassifier) Classify(ctx context.Context, text string, history []models.Message, image []byte) (models.SeverityLabel, error) {
	return c.label, c.err
}

type countingResponder struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (r *countingResponder) Respond(ctx context.Context, in ResponderInput) (models.SeverityResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return models.SeverityResult{ResponseText: r.text}, nil
}

// failingStore wraps the in-memory store and fails selected operations.
type failingStore struct {
	*store.InMemoryStore
	appendErr  error
	historyErr error
}

func (s *failingStore) Append(ctx context.Context, threadID string, msg models.Message) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.InMemoryStore.Append(ctx, threadID, msg)
}

func (s *failingStore) GetHistory(ctx context.Context, threadID string) ([]models.Message, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.InMemoryStore.GetHistory(ctx, threadID)
}
