package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/hris-importer/internal/testutil"
	"github.com/Sternrassler/hris-importer/pkg/queue"
	"github.com/Sternrassler/hris-importer/pkg/ratelimit"
	"github.com/Sternrassler/hris-importer/pkg/upload"
)

type fakeStats struct{ d queue.Diagnostics }

func (f fakeStats) Stats() queue.Diagnostics { return f.d }

type fakeProgress struct{ p upload.Progress }

func (f fakeProgress) Progress() upload.Progress { return f.p }

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestStatusEndpoint(t *testing.T) {
	mux := newMux(
		fakeStats{queue.Diagnostics{QueueLength: 4, ActiveRequests: 2, AvailablePermits: 1, Speed: ratelimit.SpeedSlow}},
		fakeProgress{upload.Progress{Total: 10, Completed: 3, Failed: 1, CurrentBatch: 1, TotalBatches: 1, State: upload.StateInFlight}},
	)

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var got struct {
		Queue struct {
			QueueLength    int    `json:"queue_length"`
			ActiveRequests int    `json:"active_requests"`
			Speed          string `json:"speed"`
		} `json:"queue"`
		Upload struct {
			Completed int    `json:"completed"`
			State     string `json:"state"`
		} `json:"upload"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.Queue.QueueLength != 4 || got.Queue.ActiveRequests != 2 || got.Queue.Speed != "slow" {
		t.Errorf("queue status = %+v", got.Queue)
	}
	if got.Upload.Completed != 3 || got.Upload.State != "in_flight" {
		t.Errorf("upload status = %+v", got.Upload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newMux(fakeStats{}, fakeProgress{})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "hris_queue_length") {
		t.Error("Expected Prometheus output with importer metrics")
	}
}

func TestParseFlags(t *testing.T) {
	if _, err := parseFlags([]string{"-mode", "atomic"}); err == nil {
		t.Error("parseFlags without -input should fail")
	}

	opts, err := parseFlags([]string{"-input", "employees.json", "-mode", "atomic", "-verify"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.inputPath != "employees.json" || opts.mode != "atomic" || !opts.verify {
		t.Errorf("parseFlags() = %+v", opts)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	mock := testutil.NewMockHRIS("token")
	defer mock.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "employees.json")
	if err := os.WriteFile(input, []byte(`[
		{"first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.com"},
		{"first_name": "NoMail"},
		{"first_name": "Alan", "last_name": "Turing", "email": "alan@example.com"}
	]`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(`
hris:
  base_url: `+mock.URL()+`
  api_token: token
scheduler:
  initial_speed: fast
  per_second_limit: 100
upload:
  delay_between_batches: -1s
log:
  level: error
metrics:
  addr: "127.0.0.1:0"
`), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"HRIS_BASE_URL", "HRIS_API_TOKEN", "REDIS_ADDR", "LOG_LEVEL", "METRICS_ADDR"} {
		t.Setenv(k, "")
	}

	tests := []struct {
		name        string
		mode        string
		wantCode    int
		wantCreated int
		wantSummary string
	}{
		{"best effort", "best-effort", 1, 2, "2 created, 1 failed"},
		{"atomic", "atomic", 1, 1, "halted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := mock.CreateCount()
			var out bytes.Buffer

			// Emails must be fresh per run, so re-seed with a suffix.
			data, _ := os.ReadFile(input)
			runInput := filepath.Join(dir, tt.mode+".json")
			_ = os.WriteFile(runInput, bytes.ReplaceAll(data, []byte("@example.com"), []byte("@"+tt.mode+".example.com")), 0o600)

			code := run([]string{"-config", cfgPath, "-input", runInput, "-mode", tt.mode}, &out)

			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if created := mock.CreateCount() - before; created != tt.wantCreated {
				t.Errorf("created = %d, want %d", created, tt.wantCreated)
			}
			if !strings.Contains(out.String(), tt.wantSummary) {
				t.Errorf("summary = %q, want it to contain %q", out.String(), tt.wantSummary)
			}
		})
	}
}
