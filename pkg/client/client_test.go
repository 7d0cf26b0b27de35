package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/storeport/pkg/client"
)

func TestListJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("status"); got != "failed" {
			t.Errorf("status filter = %q, want failed", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q, want 2", got)
		}
		json.NewEncoder(w).Encode(client.JobList{
			Jobs:  []client.Job{{ID: "j1", Status: "failed"}},
			Total: 41, Page: 2, PerPage: 20,
		})
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	list, err := c.ListJobs(context.Background(), client.ListOptions{Status: "failed", Page: 2, PerPage: 20})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if list.Total != 41 || len(list.Jobs) != 1 || list.Jobs[0].ID != "j1" {
		t.Errorf("list = %+v", list)
	}
}

func TestGetJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/j1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(client.Job{ID: "j1", Status: "completed", Progress: 100})
	}))
	defer srv.Close()

	job, err := client.New(srv.URL).GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "completed" || job.Progress != 100 {
		t.Errorf("job = %+v", job)
	}
}

func TestJobActions(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	ctx := context.Background()
	if err := c.RetryJob(ctx, "j1"); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if err := c.CancelJob(ctx, "j1"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := c.DeleteJob(ctx, "j1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	want := []string{"POST /jobs/j1/retry", "POST /jobs/j1/cancel", "DELETE /jobs/j1"}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %q, want %q", i, calls[i], w)
		}
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("PK\x03\x04export"))
	}))
	defer srv.Close()

	body, contentType, err := client.New(srv.URL).Download(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer body.Close()

	if contentType != "application/zip" {
		t.Errorf("content type = %q", contentType)
	}
	data, _ := io.ReadAll(body)
	if string(data) != "PK\x03\x04export" {
		t.Errorf("body = %q", data)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "job not found", "code": "NOT_FOUND"})
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).GetJob(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "NOT_FOUND: job not found" {
		t.Errorf("error = %q", err)
	}
	if client.IsAuthError(err) {
		t.Error("404 should not be an auth error")
	}
}

func TestAuthErrorDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "session expired", "code": "UNAUTHORIZED"})
	}))
	defer srv.Close()

	_, err := client.New(srv.URL).ListJobs(context.Background(), client.ListOptions{})
	if !client.IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
}
