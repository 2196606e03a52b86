package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(Middleware(key))
	g.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return g
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	g := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareRejectsWrongKey(t *testing.T) {
	g := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderName, "wrong")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareAcceptsCorrectKey(t *testing.T) {
	g := newTestRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderName, "secret")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
