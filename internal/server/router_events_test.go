package server

import (
	"bufio"
	contextpkg "context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRouterEventsStreamDeliversLifecycleEvents(t *testing.T) {
	env := newRouterTestEnv(t)
	entityID := env.createEntity(t, "tenant-1-token", "Support Bot", "pro")

	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := contextpkg.WithTimeout(contextpkg.Background(), 5*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/entities/"+entityID+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer tenant-1-token")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open event stream: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	// Trigger an event once the stream is open.
	go func() {
		time.Sleep(50 * time.Millisecond)
		env.request(t, http.MethodPatch, "/entities/"+entityID+"/draft", "tenant-1-token",
			`{"config":{"title":"streamed"}}`)
	}()

	scanner := bufio.NewScanner(response.Body)
	sawEvent := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: "+EventDraftSaved {
			sawEvent = true
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, entityID) {
				t.Fatalf("expected event data to carry the entity id, got %q", line)
			}
			return
		}
	}
	t.Fatalf("stream ended without a draft-saved event: %v", scanner.Err())
}

func TestRouterEventsStreamRequiresOwnership(t *testing.T) {
	env := newRouterTestEnv(t)
	entityID := env.createEntity(t, "tenant-1-token", "Support Bot", "pro")

	recorder := env.request(t, http.MethodGet, "/entities/"+entityID+"/events", "tenant-2-token", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found for a foreign tenant, got %d", recorder.Code)
	}
}
