package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/shopai-go/internal/catalog"
)

type fakeHealthChecker struct{ err error }

func (f fakeHealthChecker) HealthCheck(context.Context) error { return f.err }

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

func TestModelDependency(t *testing.T) {
	t.Parallel()

	if d := ModelDependency(nil, "gemini"); d != nil {
		t.Error("expected nil dependency without a health checker")
	}

	d := ModelDependency(fakeHealthChecker{err: errors.New("401 Unauthorized")}, "openai")
	if d.Name() != "model:openai" || d.Role() != RoleModel || d.Optional() {
		t.Errorf("dependency = %s optional=%v", d.Name(), d.Optional())
	}
	if err := d.Ping(context.Background()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Ping = %v", err)
	}
}

func TestStoreDependencies(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")

	sessions := SessionStoreDependency("redis", fakeStore{err: down})
	if sessions.Name() != "sessions:redis" || sessions.Optional() {
		t.Errorf("sessions = %s optional=%v", sessions.Name(), sessions.Optional())
	}
	if err := sessions.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v", err)
	}

	passages := PassageStoreDependency("pgvector", fakeStore{})
	if passages.Name() != "passages:pgvector" || !passages.Optional() {
		t.Errorf("passages = %s optional=%v", passages.Name(), passages.Optional())
	}
	if err := passages.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v", err)
	}

	standIn := StandInPassageDependency("qdrant", down)
	if !standIn.Optional() || standIn.Role() != RolePassages {
		t.Errorf("stand-in = %s optional=%v", standIn.Name(), standIn.Optional())
	}
	if err := standIn.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v", err)
	}
}

func TestCatalogDependency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "listing",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`[{"id":1,"title":"Oil Filter","price":12}]`))
			},
		},
		{
			name: "upstream error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: "502",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			d := CatalogDependency(catalog.NewClient(catalog.Config{URL: srv.URL}))
			if d.Name() != "catalog" || !d.Optional() {
				t.Errorf("dependency = %s optional=%v", d.Name(), d.Optional())
			}
			err := d.Ping(context.Background())
			switch {
			case tc.wantErr == "" && err != nil:
				t.Errorf("Ping = %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Errorf("Ping = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestCatalogDependency_StopsAtProbeDeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	// The cached fetch is shared and outlives the probe's context.
	d := CatalogDependency(catalog.NewCached(catalog.NewClient(catalog.Config{URL: srv.URL}), time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Ping(ctx)
	if err == nil {
		t.Fatal("expected the probe to fail")
	}
	if time.Since(start) > 300*time.Millisecond {
		t.Errorf("probe waited %v for the shared fetch", time.Since(start))
	}
}
