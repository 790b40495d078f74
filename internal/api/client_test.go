package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/testutil"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", Token: "tok", Timeout: 2 * time.Second, MaxRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{BaseURL: "  "}); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestGetSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/sessions/s1/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		testutil.WriteJSONResponse(t, w, http.StatusOK, map[string]interface{}{"id": "s1", "module": "m1", "is_active": true})
	})

	s, err := c.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.ID != "s1" || s.Module != "m1" || !s.IsActive {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestSessionActions(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	if err := c.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := c.PauseSession(ctx, "s1"); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if err := c.ResumeSession(ctx, "s1"); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	want := []string{"/sessions/s1/start/", "/sessions/s1/pause/", "/sessions/s1/resume/"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path %d = %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestPatchProgressFlattensMetrics(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/sessions/s1/progress/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body ProgressPatch
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}
		if body.FocusScore != 85 || body.CognitiveLoad != 50 || body.EngagementDepth != models.EngagementBalanced {
			t.Errorf("metrics not flattened: %+v", body)
		}
		if body.ContentIndex != 2 || body.ElapsedTime != 40 {
			t.Errorf("unexpected body: %+v", body)
		}
		testutil.WriteJSONResponse(t, w, http.StatusOK, map[string]string{"status": "ok"})
	})

	p := &models.SessionProgress{SessionID: "s1", ContentIndex: 2, ElapsedSeconds: 40, Metrics: models.DefaultMetricState()}
	if err := c.PatchProgress(context.Background(), "s1", p); err != nil {
		t.Fatalf("PatchProgress: %v", err)
	}
}

func TestUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSONResponse(t, w, http.StatusUnauthorized, map[string]string{"detail": "Token expired"})
	})

	err := c.CompleteSession(context.Background(), "s1", models.SessionCompletion{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Detail != "Token expired" {
		t.Errorf("unexpected detail %q", apiErr.Detail)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		testutil.WriteJSONResponse(t, w, http.StatusNotFound, map[string]string{"error": "no such module"})
	})

	_, err := c.GetModule(context.Background(), "m9")
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 error, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("404 must not match ErrUnauthorized")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		testutil.WriteJSONResponse(t, w, http.StatusOK, models.Module{ID: "m1", Name: "Limits"})
	})

	m, err := c.GetModule(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	if m.DisplayName() != "Limits" {
		t.Errorf("unexpected module: %+v", m)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
}

func TestRecordInterventionAndResponse(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var ev models.InterventionEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if ev.Type != models.InterventionSocratic {
			t.Errorf("unexpected type %q", ev.Type)
		}
		testutil.WriteJSONResponse(t, w, http.StatusCreated, map[string]string{"id": ev.ID})
	})

	ev := models.InterventionEvent{ID: "iv-1", Type: models.InterventionSocratic, Message: "Why?"}
	if err := c.RecordIntervention(context.Background(), ev); err != nil {
		t.Fatalf("RecordIntervention: %v", err)
	}
	ev.Response = models.ResponseContinue
	if err := c.RecordResponse(context.Background(), ev); err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/interventions/" || paths[1] != "/interventions/iv-1/respond/" {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.Module != "m1" || !req.IsActive {
			t.Errorf("unexpected request %+v", req)
		}
		testutil.WriteJSONResponse(t, w, http.StatusCreated, models.Session{ID: "s42", Module: "m1", IsActive: true})
	})

	s, err := c.CreateSession(context.Background(), CreateSessionRequest{Module: "m1", IsActive: true, StartTime: time.Now()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID != "s42" {
		t.Errorf("expected s42, got %s", s.ID)
	}
}
