package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"exeio/internal/auth"
	"exeio/internal/logio"
	"exeio/internal/manager"
	"exeio/internal/process"
)

const testAPIKey = "test-key"

func newTestRouter(t *testing.T) (*Router, *manager.Registry) {
	t.Helper()
	dir := t.TempDir()
	if err := manager.EnsureLogDir(dir); err != nil {
		t.Fatalf("EnsureLogDir: %v", err)
	}
	sysLog := logio.OpenSystem(filepath.Join(dir, "_system.log"), "test")
	t.Cleanup(func() { _ = sysLog.Close() })
	reg := manager.New(dir, sysLog, nil, nil)
	t.Cleanup(reg.Shutdown)
	return New(reg, "127.0.0.1:0", "test"), reg
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if withKey {
		req.Header.Set(auth.HeaderName, testAPIKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestInfoIsExemptFromAuth(t *testing.T) {
	rt, _ := newTestRouter(t)
	h := rt.Handler(testAPIKey)
	w := doRequest(t, h, http.MethodGet, "/info", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected /info to be reachable without a key, got %d", w.Code)
	}
}

func TestAddRequiresAPIKey(t *testing.T) {
	rt, _ := newTestRouter(t)
	h := rt.Handler(testAPIKey)
	w := doRequest(t, h, http.MethodPost, "/add", process.Entry{ID: "p1", Command: "sleep"}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", w.Code)
	}
}

func TestAddThenListRoundTrip(t *testing.T) {
	rt, _ := newTestRouter(t)
	h := rt.Handler(testAPIKey)

	w := doRequest(t, h, http.MethodPost, "/add", process.Entry{ID: "p1", Command: "sleep", Args: []string{"5"}}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 adding entry, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, h, http.MethodGet, "/list", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 listing entries, got %d", w.Code)
	}
	var got []process.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("unexpected list contents: %+v", got)
	}
}

func TestAddDuplicateReturnsConflict(t *testing.T) {
	rt, _ := newTestRouter(t)
	h := rt.Handler(testAPIKey)

	doRequest(t, h, http.MethodPost, "/add", process.Entry{ID: "p1", Command: "sleep"}, true)
	w := doRequest(t, h, http.MethodPost, "/add", process.Entry{ID: "p1", Command: "sleep"}, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate add, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStopUnknownIDReturnsNotFound(t *testing.T) {
	rt, _ := newTestRouter(t)
	h := rt.Handler(testAPIKey)
	w := doRequest(t, h, http.MethodPost, "/stop/nope", nil, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMetricsRouteIsReachable(t *testing.T) {
	rt, _ := newTestRouter(t)
	h := rt.Handler(testAPIKey)
	w := doRequest(t, h, http.MethodGet, "/metrics", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected /metrics to be reachable, got %d", w.Code)
	}
}
