package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"PluginShell/internal/bus"
	"PluginShell/internal/daemon"
	"PluginShell/internal/job"
	"PluginShell/internal/registry"
	"PluginShell/pkg/plugin"
)

func newTestServer(t *testing.T) (*Server, *job.Service, *registry.Registry) {
	t.Helper()
	b := bus.New()
	reg := registry.New(b)
	jobs := job.NewService(job.NewMemoryStore(), job.NewMemoryQueue(16), b)
	sup := daemon.NewSupervisor(daemon.WithBus(b))
	manager := plugin.NewManager(reg, jobs, sup, b)

	_ = jobs.RegisterHandler("echo", func(ctx context.Context, j *job.Job) (any, error) {
		return nil, nil
	})
	_ = sup.Register("d1", "p", daemon.Hooks{Start: func(ctx context.Context) error { return nil }})

	return NewServer(":0", jobs, manager, sup, reg), jobs, reg
}

func doRequest(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("编码请求失败: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueJobEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{
		"type":    "echo",
		"payload": map[string]any{"message": "hi"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("期望 202, 实际 %d: %s", rec.Code, rec.Body.String())
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if j.ID == "" || j.Status != job.StatusQueued {
		t.Fatalf("响应不符: %+v", j)
	}

	// 未注册的类型映射为 400。
	rec = doRequest(t, handler, http.MethodPost, "/api/v1/jobs", map[string]any{"type": "ghost"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400, 实际 %d", rec.Code)
	}
	var payload map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload["code"] != string(job.CodeUnknownType) {
		t.Fatalf("错误码不符: %v", payload)
	}
}

func TestGetCancelAndNotFound(t *testing.T) {
	srv, jobs, _ := newTestServer(t)
	handler := srv.Handler()

	j, err := jobs.Enqueue(context.Background(), job.EnqueueRequest{Type: "echo"})
	if err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/jobs/"+j.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/api/v1/jobs/"+j.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("取消期望 200, 实际 %d", rec.Code)
	}
	var cancelled job.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &cancelled)
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("取消后状态不符: %s", cancelled.Status)
	}

	// 重复取消命中终态, 映射为 409。
	rec = doRequest(t, handler, http.MethodDelete, "/api/v1/jobs/"+j.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("期望 409, 实际 %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/jobs/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rec.Code)
	}
}

func TestListJobsAndStats(t *testing.T) {
	srv, jobs, _ := newTestServer(t)
	handler := srv.Handler()

	for i := 0; i < 3; i++ {
		if _, err := jobs.Enqueue(context.Background(), job.EnqueueRequest{Type: "echo", Owner: "tester"}); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/jobs?owner=tester&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var listed []job.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &listed)
	if len(listed) != 2 {
		t.Fatalf("limit 未生效: %d", len(listed))
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/jobs?stats=true", nil)
	var stats job.Stats
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Total != 3 || stats.Queued != 3 {
		t.Fatalf("统计不符: %+v", stats)
	}
}

func TestBatchEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/batches", map[string]any{
		"jobs": []map[string]any{
			{"type": "echo"},
			{"type": "echo"},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("期望 202, 实际 %d: %s", rec.Code, rec.Body.String())
	}
	var batch job.Batch
	_ = json.Unmarshal(rec.Body.Bytes(), &batch)
	if len(batch.JobIDs) != 2 {
		t.Fatalf("批次成员不符: %+v", batch)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/batches/"+batch.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var status job.BatchStatus
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.Status != job.StatusRunning {
		t.Fatalf("排队中的批次应为 running, 实际 %s", status.Status)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/batches/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rec.Code)
	}
}

func TestInspectionEndpoints(t *testing.T) {
	srv, _, reg := newTestServer(t)
	handler := srv.Handler()

	_ = reg.RegisterTool(registry.Tool{
		PluginID:   "p",
		Name:       "secret",
		Visibility: registry.VisibilityAnchor,
		Handler:    func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	})
	_ = reg.RegisterTool(registry.Tool{
		PluginID:   "p",
		Name:       "open",
		Visibility: registry.VisibilityPublic,
		Handler:    func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	})

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/tools?visibility=public", nil)
	var tools []registry.Tool
	_ = json.Unmarshal(rec.Body.Bytes(), &tools)
	if len(tools) != 1 || tools[0].Name != "open" {
		t.Fatalf("可见性过滤不符: %+v", tools)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/daemons", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var daemons []daemon.Info
	_ = json.Unmarshal(rec.Body.Bytes(), &daemons)
	if len(daemons) != 1 || daemons[0].ID != "d1" {
		t.Fatalf("守护进程列表不符: %+v", daemons)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/plugins", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/daemons", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("期望 405, 实际 %d", rec.Code)
	}
}
