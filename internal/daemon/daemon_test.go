package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dream-sh/dream-agent/internal/agent"
	"github.com/dream-sh/dream-agent/internal/agent/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Agents[0].WorkerConcurrency = 2
	cfg.Agents[0].MaxQueue = 10
	return cfg
}

func TestNewWithConfigBuildsOneSchedulerPerAgent(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	labels := d.AgentLabels()
	if len(labels) != 1 {
		t.Fatalf("AgentLabels() = %v, want 1 entry", labels)
	}
	if _, ok := d.Agent(labels[0]); !ok {
		t.Errorf("Agent(%q) not found", labels[0])
	}
}

func TestHandlerServesAgentsAndMetrics(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	for _, a := range d.agents {
		go a.sched.Run()
	}
	defer func() {
		for _, a := range d.agents {
			a.sched.Shutdown()
		}
	}()

	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/agents")
	if err != nil {
		t.Fatalf("GET /api/agents: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Agents []string `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Agents) != 1 {
		t.Fatalf("agents = %v, want 1", body.Agents)
	}

	label := body.Agents[0]
	metricsResp, err := http.Get(srv.URL + "/api/agents/" + label + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsResp.StatusCode)
	}
}

func TestHandlerSubmitRunsTaskToCompletion(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	for _, a := range d.agents {
		go a.sched.Run()
	}
	defer func() {
		for _, a := range d.agents {
			a.sched.Shutdown()
		}
	}()

	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	label := d.AgentLabels()[0]
	body, _ := json.Marshal(map[string]any{
		"description": "echo test",
		"input":        []byte("hello"),
		"priority":     "high",
	})
	resp, err := http.Post(srv.URL+"/api/agents/"+label+"/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	var out struct {
		TaskId uint64 `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	sched, _ := d.Agent(label)
	type result struct {
		task agent.Task
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		task, err := sched.Wait(agent.TaskId(out.TaskId))
		ch <- result{task, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Wait: %v", r.err)
		}
		if string(r.task.Result) != "hello" {
			t.Errorf("task.Result = %q, want %q", r.task.Result, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("task did not complete within 1s")
	}
}

func TestSubmitUnknownAgentReturns404(t *testing.T) {
	d, err := NewWithConfig(testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	srv := httptest.NewServer(d.handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/agents/nonexistent/submit", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
