package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakePinger is a bare Pinger with no Optional method, so it counts as
// required.
type fakePinger struct {
	name  string
	err   error
	delay time.Duration
}

func (f *fakePinger) Name() string { return f.name }

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func healthy(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func getReady(t *testing.T, pingers ...Pinger) (int, ReadyReport) {
	t.Helper()
	s := newChatTestServer(nil)
	s.pingers = pingers

	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var report ReadyReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, report
}

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	newChatTestServer(nil).handleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("GET /api/health = %d %s", w.Code, w.Body.String())
	}
}

func TestHandleReady(t *testing.T) {
	t.Parallel()

	model := NewDependency(RoleModel, "gemini", false, healthy)
	passages := NewDependency(RolePassages, "qdrant", true, healthy)
	sessions := NewDependency(RoleSessions, "redis", false, healthy)
	catalogOK := NewDependency(RoleCatalog, "", true, healthy)

	catalogDown := NewDependency(RoleCatalog, "", true, failing("catalog: unexpected status 502"))
	standIn := StandInPassageDependency("qdrant", errors.New("connection refused"))
	sessionsDown := NewDependency(RoleSessions, "redis", false, failing("dial tcp: i/o timeout"))
	modelDown := NewDependency(RoleModel, "gemini", false, failing("401 Unauthorized"))

	tests := []struct {
		name         string
		pingers      []Pinger
		wantStatus   int
		wantReady    bool
		wantDegraded bool
		wantFailed   []string
	}{
		{
			name:       "no dependencies",
			wantStatus: http.StatusOK, wantReady: true,
		},
		{
			name:       "all healthy",
			pingers:    []Pinger{model, passages, sessions, catalogOK},
			wantStatus: http.StatusOK, wantReady: true,
		},
		{
			name:       "catalog down",
			pingers:    []Pinger{model, passages, sessions, catalogDown},
			wantStatus: http.StatusOK, wantReady: true, wantDegraded: true,
			wantFailed: []string{"catalog"},
		},
		{
			name:       "passage store replaced at startup",
			pingers:    []Pinger{model, standIn, catalogOK},
			wantStatus: http.StatusOK, wantReady: true, wantDegraded: true,
			wantFailed: []string{"passages:qdrant"},
		},
		{
			name:       "session store down",
			pingers:    []Pinger{model, passages, sessionsDown, catalogOK},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: []string{"sessions:redis"},
		},
		{
			name:       "model and catalog down",
			pingers:    []Pinger{modelDown, passages, catalogDown},
			wantStatus: http.StatusServiceUnavailable, wantDegraded: true,
			wantFailed: []string{"model:gemini", "catalog"},
		},
		{
			name:       "plain pinger counts as required",
			pingers:    []Pinger{&fakePinger{name: "search", err: errors.New("down")}},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: []string{"search"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, report := getReady(t, tc.pingers...)
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d", status, tc.wantStatus)
			}
			if report.Ready != tc.wantReady || report.Degraded != tc.wantDegraded {
				t.Errorf("ready=%v degraded=%v, want %v/%v", report.Ready, report.Degraded, tc.wantReady, tc.wantDegraded)
			}
			if len(report.Checks) != len(tc.pingers) {
				t.Fatalf("got %d checks, want %d", len(report.Checks), len(tc.pingers))
			}

			var failed []string
			for i, c := range report.Checks {
				if c.Name != tc.pingers[i].Name() {
					t.Errorf("check %d = %q, want %q", i, c.Name, tc.pingers[i].Name())
				}
				if !c.OK {
					failed = append(failed, c.Name)
					if c.Error == "" {
						t.Errorf("%s: failed check has no error", c.Name)
					}
				}
			}
			if strings.Join(failed, ",") != strings.Join(tc.wantFailed, ",") {
				t.Errorf("failed = %v, want %v", failed, tc.wantFailed)
			}
		})
	}
}

func TestCheckDependencies_ProbesConcurrently(t *testing.T) {
	t.Parallel()

	pingers := []Pinger{
		&fakePinger{name: "model:ollama", delay: 100 * time.Millisecond},
		&fakePinger{name: "passages:pgvector", delay: 100 * time.Millisecond},
		&fakePinger{name: "sessions:redis", delay: 100 * time.Millisecond},
		&fakePinger{name: "catalog", delay: 100 * time.Millisecond},
	}

	start := time.Now()
	report := CheckDependencies(context.Background(), pingers, time.Second)
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("took %v, probes look sequential", elapsed)
	}
	if !report.Ready {
		t.Errorf("report = %+v", report)
	}
}

func TestCheckDependencies_TimeoutFailsProbe(t *testing.T) {
	t.Parallel()

	hung := &fakePinger{name: "sessions:redis", delay: time.Hour}
	start := time.Now()
	report := CheckDependencies(context.Background(), []Pinger{hung}, 50*time.Millisecond)

	if time.Since(start) > time.Second {
		t.Error("probe timeout not applied")
	}
	if report.Ready || !strings.Contains(report.Checks[0].Error, "deadline") {
		t.Errorf("report = %+v", report)
	}
}
