package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestManagerCallbackReport(t *testing.T) {
	var got callbackBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	cb := NewManagerCallback(srv.URL, "C1", nil)
	cb.Report(context.Background(), ExitInterrupted, "signal", errors.New("SIGINT received"))

	if got.ConnectionID != "C1" {
		t.Errorf("connection_id = %q, want C1", got.ConnectionID)
	}
	if got.ExitCode != 130 {
		t.Errorf("exit_code = %d, want 130", got.ExitCode)
	}
	if got.Reason != "signal" {
		t.Errorf("reason = %q", got.Reason)
	}
	if got.ErrorDetails != "SIGINT received" {
		t.Errorf("error_details = %q", got.ErrorDetails)
	}
}

func TestManagerCallbackOmitsEmptyDetails(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	cb := NewManagerCallback(srv.URL, "C1", nil)
	cb.Report(context.Background(), ExitNormal, "meeting ended", nil)

	if _, present := raw["error_details"]; present {
		t.Error("error_details present on clean exit")
	}
	if raw["exit_code"] != float64(0) {
		t.Errorf("exit_code = %v, want 0", raw["exit_code"])
	}
}

func TestManagerCallbackDisabled(t *testing.T) {
	// Empty URL means no manager: Report is a no-op, not an error.
	cb := NewManagerCallback("", "C1", nil)
	cb.Report(context.Background(), ExitAdmissionFailure, "join failed", nil)
}

func TestManagerCallbackServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	// Rejections are logged, never fatal to the exiting bot.
	cb := NewManagerCallback(srv.URL, "C1", nil)
	cb.Report(context.Background(), ExitTerminated, "signal", nil)
}

func TestExitCodeForSignal(t *testing.T) {
	cases := []struct {
		sig  string
		want int
	}{
		{"interrupt", 130},
		{"SIGINT", 130},
		{"terminated", 143},
		{"SIGTERM", 143},
		{"hangup", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := ExitCodeForSignal(tc.sig); got != tc.want {
			t.Errorf("ExitCodeForSignal(%q) = %d, want %d", tc.sig, got, tc.want)
		}
	}
}
