package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// waitForNotices polls the bus history until at least n notices are present.
func waitForNotices(bus *Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Create(root, "test-workspace")
	if err != nil {
		t.Fatalf("workspace.Create: %v", err)
	}
	bus := NewBus(64)
	registry := pluginregistry.New()
	return NewServer(ws, registry, bus, "localhost", 0)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestHandleEventsEmpty(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body []Notice
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty array, got %d items", len(body))
	}
}

func TestHandleEventsWithHistoryAndLimit(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	for i := 0; i < 10; i++ {
		srv.bus.Publish(Notice{
			Key:   "site",
			Event: runnerevents.NewStarted(runnerevents.StartedEvent{Engine: ids.EngineId("claude")}),
		})
	}
	waitForNotices(srv.bus, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body []Notice
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 5 {
		t.Fatalf("expected 5 notices with limit=5, got %d", len(body))
	}
}

func TestHandleFoldersListAddRemove(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	body, _ := json.Marshal(map[string]any{"name": "site", "path": "site"})
	req := httptest.NewRequest(http.MethodPost, "/api/folders", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/folders", nil)
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var folders map[string]*workspace.Folder
	if err := json.NewDecoder(w.Body).Decode(&folders); err != nil {
		t.Fatalf("decode folders: %v", err)
	}
	if _, ok := folders["site"]; !ok {
		t.Fatalf("expected folder 'site' in listing, got %+v", folders)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/folders/site", nil)
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/folders/site", nil)
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 on double remove, got %d", w.Code)
	}
}

func TestHandleFoldersRejectsDuplicate(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	body, _ := json.Marshal(map[string]any{"name": "site", "path": "site"})
	for i, wantStatus := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/folders", bytes.NewReader(body))
		w := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(w, req)
		if w.Code != wantStatus {
			t.Fatalf("attempt %d: expected status %d, got %d", i, wantStatus, w.Code)
		}
	}
}

func TestHandleListPlugins(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()
	srv.registry.RegisterEngine("claude", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var snap pluginsSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Engines) != 1 || snap.Engines[0] != "claude" {
		t.Fatalf("expected discovered engine 'claude', got %+v", snap.Engines)
	}
}
