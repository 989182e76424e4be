package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/service"
	"github.com/naperu/wagateway/internal/whatsapp"
	"github.com/naperu/wagateway/internal/ws"
	"github.com/naperu/wagateway/pkg/config"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func newTestServer() *Server {
	cfg := &config.Config{JWTSecret: testSecret, Env: "development"}
	services := &service.Services{Auth: &service.AuthService{}}
	return NewServer(cfg, services, ws.NewHub(zap.NewNop()), nil, zap.NewNop())
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := (&service.AuthService{}).IssueToken(&domain.User{ID: uuid.New(), Username: "op"}, testSecret)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return "Bearer " + token
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	resp, err := newTestServer().App().Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode(t, resp); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	app := newTestServer().App()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid token bad id", bearer(t), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/whatsapp/client/not-a-uuid/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("Test: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestExternalRoutesRequireAPIToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/external/status", nil)
	resp, err := newTestServer().App().Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decode(t, resp); body["success"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestMediaProxyWithoutStorage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/media/file/a/b.png", nil)
	resp, err := newTestServer().App().Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{whatsapp.ErrPairingNotReady, 404, "pairing not ready"},
		{fmt.Errorf("wrapped: %w", whatsapp.ErrNotInitialized), 404, "session not initialized"},
		{whatsapp.ErrSessionNotFound, 404, "whatsapp session not found"},
		{whatsapp.ErrTenantNotFound, 404, "client not found"},
		{whatsapp.ErrUnsupportedMediaKind, 400, ""},
		{service.ErrForbidden, 403, "forbidden"},
		{service.ErrInvalidCredentials, 401, "invalid credentials"},
		{&whatsapp.SendError{Reason: errors.New("timeout")}, 500, ""},
		{errors.New("boom"), 500, "boom"},
	}
	for _, tt := range tests {
		code, msg := errorStatus(tt.err)
		if code != tt.code {
			t.Errorf("errorStatus(%v) code = %d, want %d", tt.err, code, tt.code)
		}
		if tt.msg != "" && msg != tt.msg {
			t.Errorf("errorStatus(%v) msg = %q, want %q", tt.err, msg, tt.msg)
		}
	}
}

func TestParseDate(t *testing.T) {
	if _, ok := parseDate(""); ok {
		t.Fatal("empty date accepted")
	}
	if d, ok := parseDate("2024-03-01"); !ok || d.Day() != 1 {
		t.Fatalf("plain date = %v %v", d, ok)
	}
	if _, ok := parseDate("2024-03-01T10:00:00Z"); !ok {
		t.Fatal("rfc3339 rejected")
	}
	if _, ok := parseDate("yesterday"); ok {
		t.Fatal("garbage accepted")
	}
}
