package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "broker", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "ollama", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["broker"] != "ok" || body.Checks["ollama"] != "ok" {
		t.Errorf("checks = %v, want both ok", body.Checks)
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "broker", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "ollama", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if !strings.HasPrefix(body.Checks["broker"], "fail: ") {
		t.Errorf("broker check = %q, want failure detail", body.Checks["broker"])
	}
	if body.Checks["ollama"] != "ok" {
		t.Errorf("ollama check = %q, want ok", body.Checks["ollama"])
	}
}

func TestStatsReturnsRegisteredSections(t *testing.T) {
	h := New()
	h.AddStats(
		StatSource{Name: "detector", Source: func() any {
			return map[string]int64{"processed": 42}
		}},
		StatSource{Name: "breakers", Source: func() any {
			return map[string]string{"remote-tts": "closed"}
		}},
	)

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	h.Stats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	detector, ok := body["detector"].(map[string]any)
	if !ok || detector["processed"] != float64(42) {
		t.Errorf("detector section = %v", body["detector"])
	}
	breakers, ok := body["breakers"].(map[string]any)
	if !ok || breakers["remote-tts"] != "closed" {
		t.Errorf("breakers section = %v", body["breakers"])
	}
	if _, ok := body["collected_at"]; !ok {
		t.Error("collected_at missing")
	}
}

func TestHealthAliasReportsReadiness(t *testing.T) {
	mux := http.NewServeMux()
	h := New(Checker{Name: "broker", Check: func(ctx context.Context) error {
		return errors.New("down")
	}})
	h.Register(mux)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	h := New()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/health", "/readyz", "/stats"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code == http.StatusNotFound {
			t.Errorf("%s not routed", path)
		}
	}
}
