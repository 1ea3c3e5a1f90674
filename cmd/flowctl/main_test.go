package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"claudeflow/sdk/go/claudeflow"
)

// fakeServer 模拟 flowd 的 REST 接口，创建的任务立即视为完成。
type fakeServer struct {
	mu      sync.Mutex
	created []claudeflow.CreateTaskRequest
	auth    []string
	fail    bool
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var req claudeflow.CreateTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.created = append(f.created, req)
			f.mu.Unlock()
			writeJSON(w, http.StatusCreated, claudeflow.Task{ID: "task-1", Prompt: req.Prompt, Status: claudeflow.StatusPending})
		default:
			writeJSON(w, http.StatusOK, claudeflow.TaskList{
				Tasks: []claudeflow.Task{{ID: "task-1", Prompt: "hola", TargetAgent: "asistente", Status: claudeflow.StatusCompleted, Priority: 5}},
				Limit: 20,
			})
		}
	})
	mux.HandleFunc("/api/v1/tasks/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, claudeflow.Stats{Total: 3, Completed: 2, Failed: 1})
	})
	mux.HandleFunc("/api/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
		if id != "task-1" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "TASK_NOT_FOUND", "message": "task not found"}})
			return
		}
		task := claudeflow.Task{ID: id, Prompt: "hola", Status: claudeflow.StatusCompleted, Output: "respuesta final"}
		f.mu.Lock()
		if len(f.created) > 0 && f.created[len(f.created)-1].Distribute {
			task.Distribute = true
			task.Outputs = map[string]string{"asistente": "uno", "profesor": "dos"}
		}
		if f.fail {
			task.Status = claudeflow.StatusFailed
			task.Output = ""
			task.LastError = "boom"
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, task)
	})
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []claudeflow.Agent{
			{Name: "asistente", Description: "ayuda general"},
			{Name: "profesor", Description: "explica conceptos"},
		}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--plain", "--no-color"}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func newFake(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return fake, srv
}

func TestTaskCreateSendsRequest(t *testing.T) {
	fake, srv := newFake(t)

	out, err := execute(t, srv, "task", "create", "--agent", "profesor", "-p", "9", "-c", "nivel=basico", "explica", "canales")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !strings.Contains(out, "created task-1") {
		t.Fatalf("unexpected output: %q", out)
	}
	if len(fake.created) != 1 {
		t.Fatalf("expected one request, got %d", len(fake.created))
	}
	req := fake.created[0]
	if req.Prompt != "explica canales" || req.TargetAgent != "profesor" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Priority == nil || *req.Priority != 9 {
		t.Fatalf("priority not forwarded: %v", req.Priority)
	}
	if req.Context["nivel"] != "basico" {
		t.Fatalf("context not forwarded: %v", req.Context)
	}
}

func TestTaskCreateWaitPrintsOutput(t *testing.T) {
	_, srv := newFake(t)

	out, err := execute(t, srv, "task", "create", "--wait", "hola")
	if err != nil {
		t.Fatalf("create --wait failed: %v", err)
	}
	if !strings.Contains(out, "respuesta final") || !strings.Contains(out, "completed") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestTaskWaitFailedTaskReturnsError(t *testing.T) {
	fake, srv := newFake(t)
	fake.fail = true

	out, err := execute(t, srv, "task", "wait", "task-1")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failure error, got %v", err)
	}
	if !strings.Contains(out, "failed") {
		t.Fatalf("expected failed status in output: %q", out)
	}
}

func TestTaskGetNotFound(t *testing.T) {
	_, srv := newFake(t)

	if _, err := execute(t, srv, "task", "get", "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestTaskListAndStats(t *testing.T) {
	_, srv := newFake(t)

	out, err := execute(t, srv, "task", "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "task-1") || !strings.Contains(out, "asistente") {
		t.Fatalf("unexpected list output: %q", out)
	}

	out, err = execute(t, srv, "--json", "task", "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats claudeflow.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if stats.Total != 3 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAgentsUsesTokenFromEnv(t *testing.T) {
	fake, srv := newFake(t)
	t.Setenv("FLOWCTL_TOKEN", "secret")

	out, err := execute(t, srv, "agents")
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}
	if !strings.Contains(out, "asistente") {
		t.Fatalf("unexpected output: %q", out)
	}

	if _, err := execute(t, srv, "task", "list"); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.auth) == 0 || fake.auth[len(fake.auth)-1] != "Bearer secret" {
		t.Fatalf("expected bearer token, got %v", fake.auth)
	}
}

func TestSwarmCreatesDistributedHighPriorityTask(t *testing.T) {
	fake, srv := newFake(t)

	out, err := execute(t, srv, "swarm", "diseña", "un", "curso")
	if err != nil {
		t.Fatalf("swarm failed: %v", err)
	}
	req := fake.created[0]
	if !req.Distribute || req.Priority == nil || *req.Priority != claudeflow.MaxPriority {
		t.Fatalf("unexpected swarm request: %+v", req)
	}
	if req.TargetAgent != "" {
		t.Fatalf("swarm must not target a single agent: %q", req.TargetAgent)
	}
	if !strings.Contains(out, "asistente") || !strings.Contains(out, "dos") {
		t.Fatalf("expected per-agent outputs, got %q", out)
	}
}

func TestBuildContextMergesJSONAndPairs(t *testing.T) {
	ctx, err := buildContext(map[string]string{"a": "x"}, `{"a": 1, "b": true}`)
	if err != nil {
		t.Fatalf("buildContext failed: %v", err)
	}
	if ctx["a"] != "x" || ctx["b"] != true {
		t.Fatalf("unexpected context: %v", ctx)
	}
	if ctx, err := buildContext(nil, ""); err != nil || ctx != nil {
		t.Fatalf("expected nil context, got %v %v", ctx, err)
	}
	if _, err := buildContext(nil, "{"); err == nil {
		t.Fatal("expected invalid JSON error")
	}
}

func TestHiveSendsEachLineToCurrentAgent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	fake, srv := newFake(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader("hola\n/agent nadie\n/agent profesor\nadios\nexit\nignorado\n"))
	cmd.SetArgs([]string{"--server", srv.URL, "--plain", "--no-color", "hive", "--agent", "asistente"})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("hive failed: %v (stderr %q)", err, errOut.String())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.created) != 2 {
		t.Fatalf("expected one task per prompt line, got %d: %+v", len(fake.created), fake.created)
	}
	want := []struct{ prompt, agent string }{{"hola", "asistente"}, {"adios", "profesor"}}
	for i, w := range want {
		got := fake.created[i]
		if got.Prompt != w.prompt || got.TargetAgent != w.agent {
			t.Fatalf("task %d: got prompt %q agent %q, want %q/%q", i, got.Prompt, got.TargetAgent, w.prompt, w.agent)
		}
		if got.Context["source"] != "hive" {
			t.Fatalf("task %d: missing hive source in context: %v", i, got.Context)
		}
	}
	if !strings.Contains(out.String()+errOut.String(), "unknown agent") {
		t.Fatalf("unknown agent not reported: stdout %q stderr %q", out.String(), errOut.String())
	}
	if !strings.Contains(out.String(), "respuesta final") {
		t.Fatalf("task output not rendered: %q", out.String())
	}
}
