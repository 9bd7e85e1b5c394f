// Package testutil provides common test utilities and helpers for TriagePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/triage"
)

// StubClassifier always returns Label, or Err when set.
type StubClassifier struct {
	Label models.SeverityLabel
	Err   error
}

func (c StubClassifier) Classify(ctx context.Context, text string, history []models.Message, image []byte) (models.SeverityLabel, error) {
	if c.Err != nil {
		return "", c.Err
	}
	return c.Label, nil
}

// StubResponder answers every turn with Text and records its inputs.
type StubResponder struct {
	Text string
	Err  error

	mu     sync.Mutex
	inputs []triage.ResponderInput
}

func (r *StubResponder) Respond(ctx context.Context, in triage.ResponderInput) (models.SeverityResult, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	if r.Err != nil {
		return models.SeverityResult{}, r.Err
	}
	return models.SeverityResult{ResponseText: r.Text}, nil
}

// Inputs returns a copy of every input seen so far.
func (r *StubResponder) Inputs() []triage.ResponderInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]triage.ResponderInput, len(r.inputs))
	copy(out, r.inputs)
	return out
}

// LastImage returns the image of the most recent input, if any.
func (r *StubResponder) LastImage() []byte {
	in := r.Inputs()
	if len(in) == 0 {
		return nil
	}
	return in[len(in)-1].Image
}

// NewTestEngine creates a triage engine over an in-memory store whose classifier
// always returns label and whose responders all share one StubResponder.
func NewTestEngine(t *testing.T, label models.SeverityLabel, text string) (*triage.Engine, *StubResponder) {
	t.Helper()
	responder := &StubResponder{Text: text}
	engine, err := triage.NewEngine(store.NewInMemoryStore(), StubClassifier{Label: label}, triage.Responders{
		Mild: responder, Moderate: responder, Severe: responder, Other: responder,
	})
	if err != nil {
		t.Fatalf("failed to create test engine: %v", err)
	}
	return engine, responder
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// CreateHTTPRequest creates an HTTP request with a raw body for testing.
func CreateHTTPRequest(t testing.TB, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// CreateJSONRequest creates an HTTP request with body marshalled as JSON.
func CreateJSONRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(MustMarshalJSON(t, body)))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Serve runs req through h and decodes the JSON envelope when the response has one.
func Serve(t testing.TB, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp models.APIResponse
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	}
	return rr, resp
}

// ResultMap returns the envelope result as a JSON object, failing the test otherwise.
func ResultMap(t testing.TB, resp models.APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected object result, got %T", resp.Result)
	}
	return m
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}
