// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/api"
	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/internal/data"
	"github.com/atlas-desktop/paramsearch/internal/orchestrator"
	"github.com/atlas-desktop/paramsearch/internal/store"
	"github.com/atlas-desktop/paramsearch/internal/telemetry"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const searchBody = `{
  "space": "strategy: SMA\nsymbol: SAMPLE\nstart: 2022-01-03\nend: 2023-06-30\nfixed:\n  position_size_pct: 10\nparameters:\n  short_window: {values: [5, 10]}\n  long_window: {values: [20, 40]}\n",
  "review": true
}`

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	bars, err := data.NewStore(logger, filepath.Join(dir, "bars"))
	if err != nil {
		t.Fatalf("Failed to create data store: %v", err)
	}
	bars.GenerateSample = true

	results, err := store.NewSQLiteStore(logger, filepath.Join(dir, "results.db"))
	if err != nil {
		t.Fatalf("Failed to open results store: %v", err)
	}
	t.Cleanup(func() { results.Close() })

	cfg := config.Default()
	cfg.Simulation.Location = "UTC"
	cfg.Search.Workers = 2
	cfg.Search.Seed = 11
	cfg.WalkForward = types.WalkForwardConfig{InSampleBars: 120, OutOfSampleBars: 40, StepBars: 40, Parallelism: 1}
	cfg.MonteCarlo.Iterations = 20

	reg := prometheus.NewRegistry()
	collector := telemetry.NewCollector(reg)

	orch, err := orchestrator.New(logger, cfg, data.NewLoader(logger, bars, nil, true), results, collector)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	collector.WatchPool(orch.Pool())
	orch.Start()
	t.Cleanup(func() { orch.Stop() })

	server := api.NewServer(logger, &cfg.Server, orch, results, reg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.Stop(context.Background())
	})
	return server, ts
}

func postJSON(t *testing.T, url, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.StatusCode
}

func waitForJob(t *testing.T, base, id string) api.Job {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		var job api.Job
		if code := getJSON(t, base+"/api/v1/jobs/"+id, &job); code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", code)
		}
		if job.Status != api.JobRunning {
			return job
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return api.Job{}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	var result map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/v1/health", &result); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
	if _, ok := result["stats"]; !ok {
		t.Error("Expected stats in health response")
	}
}

func TestSearchJobLifecycle(t *testing.T) {
	_, ts := setupTestServer(t)

	code, accepted := postJSON(t, ts.URL+"/api/v1/search", searchBody)
	if code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d (%v)", code, accepted)
	}
	id, _ := accepted["id"].(string)
	if id == "" {
		t.Fatal("Expected job id")
	}

	job := waitForJob(t, ts.URL, id)
	if job.Status != api.JobCompleted {
		t.Fatalf("Expected completed job, got %s (%s)", job.Status, job.Error)
	}
	if job.Symbol != "SAMPLE" || job.Strategy != "SMA" {
		t.Errorf("Unexpected job identity: %s %s", job.Symbol, job.Strategy)
	}
	if job.FinishedAt == nil {
		t.Error("Expected finish time")
	}

	result, ok := job.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected result object, got %T", job.Result)
	}
	report, ok := result["report"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected search report in result")
	}
	if report["spaceSize"] != float64(4) {
		t.Errorf("Expected space size 4, got %v", report["spaceSize"])
	}
	if result["review"] == nil {
		t.Error("Expected review in result")
	}

	var list struct {
		Jobs  []api.Job `json:"jobs"`
		Count int       `json:"count"`
	}
	getJSON(t, ts.URL+"/api/v1/jobs", &list)
	if list.Count != 1 || list.Jobs[0].ID != id {
		t.Errorf("Expected the job in the listing, got %+v", list)
	}

	var runs struct {
		Runs []store.Run `json:"runs"`
	}
	getJSON(t, ts.URL+"/api/v1/runs?limit=5", &runs)
	if len(runs.Runs) != 1 {
		t.Fatalf("Expected 1 stored run, got %d", len(runs.Runs))
	}

	var run map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/v1/runs/"+runs.Runs[0].ID, &run); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if candidates, _ := run["candidates"].([]interface{}); len(candidates) == 0 {
		t.Error("Expected stored candidates")
	}

	// A finished job cannot be cancelled.
	code, _ = postJSON(t, ts.URL+"/api/v1/jobs/"+id+"/cancel", "")
	if code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", code)
	}
}

func TestWalkForwardJob(t *testing.T) {
	_, ts := setupTestServer(t)

	body := strings.Replace(searchBody, `"review": true`, `"review": false, "walkForward": {"inSampleBars": 120, "outOfSampleBars": 40, "stepBars": 40}`, 1)
	code, accepted := postJSON(t, ts.URL+"/api/v1/walkforward", body)
	if code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d (%v)", code, accepted)
	}

	job := waitForJob(t, ts.URL, accepted["id"].(string))
	if job.Status != api.JobCompleted {
		t.Fatalf("Expected completed job, got %s (%s)", job.Status, job.Error)
	}
	result := job.Result.(map[string]interface{})
	report := result["report"].(map[string]interface{})
	if windows, _ := report["windows"].([]interface{}); len(windows) == 0 {
		t.Error("Expected walk-forward windows")
	}
}

func TestBadRequests(t *testing.T) {
	_, ts := setupTestServer(t)

	cases := map[string]string{
		"not json":      `{`,
		"missing space": `{"review": true}`,
		"bad space":     `{"space": "strategy: RSI\nparameters:\n  x: {values: [1]}\n"}`,
	}
	for name, body := range cases {
		code, _ := postJSON(t, ts.URL+"/api/v1/search", body)
		if code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", name, code)
		}
	}

	var out map[string]interface{}
	if code := getJSON(t, ts.URL+"/api/v1/jobs/nope", &out); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}
	if code, _ := postJSON(t, ts.URL+"/api/v1/jobs/nope/cancel", ""); code != http.StatusNotFound {
		t.Errorf("Expected status 404 on cancel, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs/nope", &out); code != http.StatusNotFound {
		t.Errorf("Expected status 404 for run, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/runs?limit=-1", &out); code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for limit, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	code, accepted := postJSON(t, ts.URL+"/api/v1/search", searchBody)
	if code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", code)
	}
	waitForJob(t, ts.URL, accepted["id"].(string))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"paramsearch_evaluations_total", "paramsearch_searches_total", "paramsearch_pool_workers"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}

func readMessages(t *testing.T, conn *websocket.Conn) []api.WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("WebSocket read failed: %v", err)
	}
	var msgs []api.WSMessage
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		var msg api.WSMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("Invalid frame %q: %v", line, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestWebSocketJobEvents(t *testing.T) {
	_, ts := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.WSMessage{ID: "1", Type: api.MsgTypeCommand, Command: "ping"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	msgs := readMessages(t, conn)
	if msgs[0].Type != api.MsgTypeResponse || msgs[0].ID != "1" || !strings.Contains(string(msgs[0].Data), "pong") {
		t.Fatalf("Unexpected ping reply: %+v", msgs[0])
	}

	if err := conn.WriteJSON(api.WSMessage{ID: "2", Type: api.MsgTypeSubscribe, Channel: api.ChannelJobs}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	msgs = readMessages(t, conn)
	if msgs[0].Type != api.MsgTypeResponse || msgs[0].ID != "2" {
		t.Fatalf("Unexpected subscribe reply: %+v", msgs[0])
	}

	code, accepted := postJSON(t, ts.URL+"/api/v1/search", searchBody)
	if code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", code)
	}
	id := accepted["id"].(string)

	seen := map[api.MessageType]bool{}
	for !seen[api.MsgTypeJobComplete] {
		for _, msg := range readMessages(t, conn) {
			if msg.Channel != api.ChannelJobs {
				continue
			}
			seen[msg.Type] = true
			if msg.Type == api.MsgTypeJobComplete {
				var job api.Job
				if err := json.Unmarshal(msg.Data, &job); err != nil {
					t.Fatalf("Invalid job payload: %v", err)
				}
				if job.ID != id || job.Status != api.JobCompleted {
					t.Errorf("Unexpected completion: %s %s", job.ID, job.Status)
				}
			}
		}
	}
	if !seen[api.MsgTypeJobStarted] || !seen[api.MsgTypeJobProgress] {
		t.Errorf("Expected started and progress events, saw %v", seen)
	}

	// Commands reach the server's handler.
	if err := conn.WriteJSON(api.WSMessage{ID: "3", Type: api.MsgTypeCommand, Command: "status", Data: json.RawMessage(`{"id":"` + id + `"}`)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var reply *api.WSMessage
	for reply == nil {
		for _, msg := range readMessages(t, conn) {
			if msg.ID == "3" {
				m := msg
				reply = &m
			}
		}
	}
	if reply.Type != api.MsgTypeResponse {
		t.Errorf("Expected status response, got %+v", reply)
	}
}
