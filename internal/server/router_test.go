package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sidcorp-team/pingwall/internal/server"
)

func Test_Router_HealthReportsOkThenDraining(t *testing.T) {
	gw := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r := server.NewRouter(gw)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}

	server.SetDraining(true)
	t.Cleanup(func() { server.SetDraining(false) })

	rr2 := httptest.NewRecorder()
	r.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr2.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 while draining, got %d", rr2.Code)
	}
}

func Test_MetricsRouter_ServesPrometheusExposition(t *testing.T) {
	r := server.NewMetricsRouter()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
}

func Test_Router_UnmatchedPathFallsThroughToGateway(t *testing.T) {
	var called bool
	gw := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	r := server.NewRouter(gw)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if !called {
		t.Fatalf("want gateway invoked for unmatched path")
	}
	if rr.Code != http.StatusTeapot {
		t.Fatalf("want 418 passed through, got %d", rr.Code)
	}
}
