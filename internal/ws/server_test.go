package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealth_ReportsOnlineCount(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.startedAt = time.Now()
	s.SetOnlineCounter(func(ctx context.Context) (int64, error) { return 42, nil })

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      *int64 `json:"online"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Connections != 0 {
		t.Errorf("expected 0 connections, got %d", resp.Connections)
	}
	if resp.Online == nil || *resp.Online != 42 {
		t.Errorf("expected online=42 in health payload, got %v", resp.Online)
	}
}

func TestHealth_OmitsOnlineWithoutCounter(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.startedAt = time.Now()

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if _, present := resp["online"]; present {
		t.Error("online must be omitted when no counter is wired")
	}
}
