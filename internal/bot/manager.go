package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Exit codes reported to the bot manager.
const (
	// ExitNormal is a normal completion or self-initiated leave.
	ExitNormal = 0

	// ExitAdmissionFailure means the bot could not join the meeting.
	ExitAdmissionFailure = 2

	// ExitInterrupted is a SIGINT-driven shutdown.
	ExitInterrupted = 130

	// ExitTerminated is a SIGTERM-driven shutdown.
	ExitTerminated = 143
)

// ManagerCallback posts the bot's terminal status to the manager URL
// supplied at launch.
type ManagerCallback struct {
	url          string
	connectionID string
	client       *http.Client
	log          *slog.Logger
}

// NewManagerCallback builds the callback client. An empty url disables
// reporting.
func NewManagerCallback(url, connectionID string, log *slog.Logger) *ManagerCallback {
	if log == nil {
		log = slog.Default()
	}
	return &ManagerCallback{
		url:          url,
		connectionID: connectionID,
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log,
	}
}

type callbackBody struct {
	ConnectionID string `json:"connection_id"`
	ExitCode     int    `json:"exit_code"`
	Reason       string `json:"reason"`
	ErrorDetails string `json:"error_details,omitempty"`
}

// Report sends the exit status. Failures are logged, not returned: the bot
// is exiting either way and the manager's liveness checks will catch up.
func (m *ManagerCallback) Report(ctx context.Context, exitCode int, reason string, cause error) {
	if m.url == "" {
		return
	}

	body := callbackBody{
		ConnectionID: m.connectionID,
		ExitCode:     exitCode,
		Reason:       reason,
	}
	if cause != nil {
		body.ErrorDetails = cause.Error()
	}
	data, err := json.Marshal(body)
	if err != nil {
		m.log.Error("manager callback encode failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(data))
	if err != nil {
		m.log.Error("manager callback request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Error("manager callback post failed", "url", m.url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.log.Error("manager callback rejected",
			"url", m.url, "status", resp.StatusCode)
		return
	}
	m.log.Info("manager callback delivered",
		"exit_code", exitCode, "reason", reason)
}

// ExitCodeForSignal maps a shutdown signal name to its conventional exit
// code.
func ExitCodeForSignal(sig string) int {
	switch sig {
	case "interrupt", "SIGINT":
		return ExitInterrupted
	case "terminated", "SIGTERM":
		return ExitTerminated
	default:
		return ExitNormal
	}
}
