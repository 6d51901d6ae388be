package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/avress/interviewd/internal/events"
)

func TestSessionEventsStream(t *testing.T) {
	h, _, hub := setupAppHandler(t)
	id := createSession(t, h)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/"+id+"/events", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", testUserID)

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the subscription to attach before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(id, events.AIDelta(id, "m1", "Hel"))
	hub.Publish(id, events.AIComplete(id, "m1", "Hello"))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, "data:") && strings.Contains(line, "ai_complete") {
			break
		}
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "event: ai_delta") {
		t.Errorf("stream missing delta event:\n%s", joined)
	}
	if !strings.Contains(joined, `"delta":"Hel"`) {
		t.Errorf("stream missing delta payload:\n%s", joined)
	}
	if !strings.Contains(joined, "event: ai_complete") {
		t.Errorf("stream missing completion event:\n%s", joined)
	}
}

func TestSessionEventsRejectsForeignSession(t *testing.T) {
	h, _, _ := setupAppHandler(t)
	id := createSession(t, h)

	req := authReq(http.MethodGet, "/v1/sessions/"+id+"/events", "")
	req.Header.Set("X-User-ID", "someone-else")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
