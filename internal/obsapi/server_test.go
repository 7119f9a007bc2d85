package obsapi

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/hellas-ai/gate/internal/watchstate"
)

type statusSnapshot struct {
	State string `json:"state"`
}

func TestStatusEndpointServesSnapshot(t *testing.T) {
	bus := watchstate.NewBus()
	srv := New("127.0.0.1:0", func() any { return statusSnapshot{State: "Connected"} }, bus)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET /api/v1/status: %v", err)
	}
	defer resp.Body.Close()

	var got statusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.State != "Connected" {
		t.Errorf("State = %q, want %q", got.State, "Connected")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	srv := New("127.0.0.1:0", func() any { return nil }, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStopClosesWithoutHanging(t *testing.T) {
	srv := New("127.0.0.1:0", func() any { return nil }, watchstate.NewBus())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
