package shellclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEnqueueJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission JobSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.Type != "echo.shout" {
			t.Fatalf("unexpected type: %s", submission.Type)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Type: submission.Type, Status: "queued"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	j, err := client.EnqueueJob(context.Background(), JobSubmission{Type: "echo.shout"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.ID != "job-1" {
		t.Fatalf("unexpected job id: %s", j.ID)
	}
}

func TestGetJobError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "job missing not found",
			"code":  "JOB_NOT_FOUND",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetJob(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "JOB_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	j, err := client.WaitForJob(context.Background(), "job-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if j.Status != "succeeded" {
		t.Fatalf("unexpected status: %s", j.Status)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}
