package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PQATTEST_ADMIN_TOKEN", "0123456789abcdef")
	t.Setenv("PQATTEST_DB_PATH", "")
	t.Setenv("PQATTEST_LISTEN_ADDR", "")
	t.Setenv("PQATTEST_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PQATTEST_RESULT_KEY", strings.Repeat("ab", 32))
	t.Setenv("PQATTEST_CONFIG", "")
	t.Setenv("PQATTEST_REQUIRE_CHALLENGE", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBPath != "pqattest.db" || cfg.ListenAddr != ":8080" {
		t.Fatalf("defaults: db=%q listen=%q", cfg.DBPath, cfg.ListenAddr)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("cors origins = %v", cfg.CORSOrigins)
	}
	if cfg.ResultKey == nil {
		t.Fatal("result key not parsed")
	}
	if cfg.Attestation.RequireChallenge {
		t.Fatal("env override not applied")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifier.yaml")
	if err := os.WriteFile(path, []byte("riskThreshold: 0.7\nbulkConcurrency: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PQATTEST_ADMIN_TOKEN", "0123456789abcdef")
	t.Setenv("PQATTEST_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Attestation.RiskThreshold != 0.7 || cfg.Attestation.BulkConcurrency != 3 {
		t.Fatalf("risk threshold = %v", cfg.Attestation.RiskThreshold)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		key   string
	}{
		{"missing token", "", ""},
		{"short token", "short", ""},
		{"bad result key", "0123456789abcdef", "not-hex"},
		{"short result key", "0123456789abcdef", "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PQATTEST_ADMIN_TOKEN", tt.token)
			t.Setenv("PQATTEST_RESULT_KEY", tt.key)
			t.Setenv("PQATTEST_CONFIG", "")
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	r := gin.New()
	r.GET("/x", AdminAuth("0123456789abcdef"), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer 0123456789abcdef", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://ui.example/"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin: status %d headers %v", w.Code, w.Header())
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, p := range []string{"/ok", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("levels = %v, %v", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["path"] != "/boom" {
		t.Fatalf("path field = %v", entries[1].ContextMap()["path"])
	}
}
