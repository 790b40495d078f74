// Package testutil provides common test utilities and helpers for MetaMind tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/MetaMind/internal/models"
)

// NewTestModule returns a three-section module with one question, one
// practice problem and one mastery question. Its total possible score is 6.
func NewTestModule() *models.Module {
	return &models.Module{
		ID:      "m1",
		Name:    "Cell Biology",
		Subject: "Biology",
		Unit:    "Cells",
		Topic:   "Organelles",
		Contents: []models.Section{
			{
				Type:      models.SectionTypeConcept,
				Title:     "Organelles",
				Questions: []models.Question{{Question: "What is the powerhouse of the cell?", Answer: "Mitochondria"}},
			},
			{
				Type:             "example",
				Title:            "Counting membranes",
				PracticeProblems: []models.Question{{Problem: "How many membranes does a mitochondrion have?", Answer: "two"}},
			},
			{Type: "summary", Title: "Summary"},
		},
		MasteryCheck: models.MasteryCheck{
			Questions: []models.Question{{Question: "What molecule stores energy?", Answer: "ATP"}},
		},
	}
}

// WriteJSONResponse writes a JSON response with the given status code.
func WriteJSONResponse(t *testing.T, w http.ResponseWriter, statusCode int, response interface{}) {
	t.Helper()
	data, err := json.Marshal(response)
	if err != nil {
		t.Errorf("failed to marshal response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(data)
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// FakeAPI is an in-memory stand-in for the study REST API. It serves
// modules, creates sessions and records every request it receives.
type FakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	modules     map[string]*models.Module
	sessions    map[string]*models.Session
	nextID      int
	requests    []string
	completions map[string]models.SessionCompletion
	failStatus  int
}

// NewFakeAPI starts a FakeAPI serving the given modules. It is closed when the test ends.
func NewFakeAPI(t *testing.T, modules ...*models.Module) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		t:           t,
		modules:     make(map[string]*models.Module),
		sessions:    make(map[string]*models.Session),
		completions: make(map[string]models.SessionCompletion),
	}
	for _, m := range modules {
		f.modules[m.ID] = m
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the base URL of the fake API.
func (f *FakeAPI) URL() string { return f.srv.URL }

// AddSession registers an existing session.
func (f *FakeAPI) AddSession(s models.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
}

// FailWith makes every following request answer with status. Zero restores normal service.
func (f *FakeAPI) FailWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

// Requests returns "METHOD path" for every request received.
func (f *FakeAPI) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// CountRequests returns how many requests matched method and path.
func (f *FakeAPI) CountRequests(method, path string) int {
	want := method + " " + path
	n := 0
	for _, r := range f.Requests() {
		if r == want {
			n++
		}
	}
	return n
}

// Completion returns the completion posted for a session.
func (f *FakeAPI) Completion(sessionID string) (models.SessionCompletion, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.completions[sessionID]
	return c, ok
}

// Session returns the server-side state of a session.
func (f *FakeAPI) Session(id string) (models.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return *s, true
}

func (f *FakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	fail := f.failStatus
	f.mu.Unlock()
	if fail != 0 {
		WriteJSONResponse(f.t, w, fail, map[string]string{"detail": http.StatusText(fail)})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "modules" && r.Method == http.MethodGet:
		f.mu.Lock()
		m, ok := f.modules[parts[1]]
		f.mu.Unlock()
		if !ok {
			WriteJSONResponse(f.t, w, http.StatusNotFound, map[string]string{"detail": "module not found"})
			return
		}
		WriteJSONResponse(f.t, w, http.StatusOK, m)
	case len(parts) == 1 && parts[0] == "sessions" && r.Method == http.MethodPost:
		var req models.Session
		if err := json.Unmarshal(body, &req); err != nil {
			WriteJSONResponse(f.t, w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		f.mu.Lock()
		f.nextID++
		req.ID = fmt.Sprintf("s%d", f.nextID)
		f.sessions[req.ID] = &req
		f.mu.Unlock()
		WriteJSONResponse(f.t, w, http.StatusCreated, req)
	case len(parts) >= 2 && parts[0] == "sessions":
		f.serveSession(w, r, parts[1], parts[2:], body)
	case parts[0] == "interventions" && r.Method == http.MethodPost:
		WriteJSONResponse(f.t, w, http.StatusCreated, map[string]string{"status": "ok"})
	default:
		WriteJSONResponse(f.t, w, http.StatusNotFound, map[string]string{"detail": "not found"})
	}
}

func (f *FakeAPI) serveSession(w http.ResponseWriter, r *http.Request, id string, action []string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		WriteJSONResponse(f.t, w, http.StatusNotFound, map[string]string{"detail": "session not found"})
		return
	}
	if len(action) == 0 {
		WriteJSONResponse(f.t, w, http.StatusOK, s)
		return
	}
	switch action[0] {
	case "start", "resume":
		s.IsActive = true
	case "pause":
		s.IsActive = false
	case "complete":
		var c models.SessionCompletion
		if err := json.Unmarshal(body, &c); err != nil {
			WriteJSONResponse(f.t, w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}
		f.completions[id] = c
		s.IsActive = false
	case "progress":
	default:
		WriteJSONResponse(f.t, w, http.StatusNotFound, map[string]string{"detail": "unknown action"})
		return
	}
	WriteJSONResponse(f.t, w, http.StatusOK, map[string]string{"status": "ok"})
}
