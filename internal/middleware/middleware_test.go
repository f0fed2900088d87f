package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter() *gin.Engine {
	return gin.New()
}

func newTestJWTProvider() *security.JWTProvider {
	return security.NewJWTProvider(&config.JWTConfig{
		Secret: "test-secret-key-for-testing",
		Issuer: "test",
	})
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var resp struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode body %q: %v", body, err)
	}
	if resp.Success {
		t.Errorf("Success = true for an error response")
	}
	return resp.Error.Code
}

func TestRequestID(t *testing.T) {
	router := newTestRouter()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	t.Run("generates new request ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

		headerID := w.Header().Get(RequestIDHeader)
		if headerID == "" {
			t.Fatal("RequestID header not set")
		}
		if w.Body.String() != headerID {
			t.Errorf("Body = %v, header = %v", w.Body.String(), headerID)
		}
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, "custom-request-id")
		router.ServeHTTP(w, req)

		if got := w.Header().Get(RequestIDHeader); got != "custom-request-id" {
			t.Errorf("RequestID = %v, want custom-request-id", got)
		}
	})

	t.Run("replaces oversized request ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
		router.ServeHTTP(w, req)

		if got := w.Header().Get(RequestIDHeader); len(got) > maxRequestIDLength {
			t.Errorf("RequestID length = %d, want a generated id", len(got))
		}
	})
}

func TestGetRequestID_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetRequestID(c); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
	c.Set(RequestIDKey, 42)
	if got := GetRequestID(c); got != "" {
		t.Errorf("GetRequestID() = %q for a non-string value", got)
	}
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		level   zapcore.Level
		message string
		logged  bool
	}{
		{"success", "/api/v1/jobs/queues", http.StatusOK, zapcore.InfoLevel, "Request", true},
		{"client error", "/api/v1/jobs/queues", http.StatusBadRequest, zapcore.WarnLevel, "Client error", true},
		{"server error", "/api/v1/jobs/queues", http.StatusInternalServerError, zapcore.ErrorLevel, "Server error", true},
		{"health probe", "/health", http.StatusOK, zapcore.InfoLevel, "", false},
		{"failing metrics scrape", "/metrics", http.StatusServiceUnavailable, zapcore.ErrorLevel, "Server error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			router := newTestRouter()
			router.Use(RequestID(), Logger(zap.New(core)))
			router.GET(tt.path, func(c *gin.Context) {
				c.String(tt.status, "response")
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path+"?state=failed", nil))

			entries := logs.All()
			if !tt.logged {
				if len(entries) != 0 {
					t.Fatalf("logged %d entries, want none", len(entries))
				}
				return
			}
			if len(entries) != 1 {
				t.Fatalf("logged %d entries, want 1", len(entries))
			}
			e := entries[0]
			if e.Level != tt.level || e.Message != tt.message {
				t.Errorf("entry = %v %q, want %v %q", e.Level, e.Message, tt.level, tt.message)
			}
			fields := e.ContextMap()
			if fields["query"] != "state=failed" {
				t.Errorf("query = %v", fields["query"])
			}
			if fields["request_id"] == "" {
				t.Error("request_id not logged")
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	router := newTestRouter()
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	t.Run("recovers from panic", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Status = %v, want %v", w.Code, http.StatusInternalServerError)
		}
		if code := errorCode(t, w.Body.String()); code != "INTERNAL_ERROR" {
			t.Errorf("code = %v", code)
		}
		if logs.FilterMessage("Panic recovered").Len() != 1 {
			t.Error("panic not logged")
		}
	})

	t.Run("normal request", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Status = %v, want %v", w.Code, http.StatusOK)
		}
	})
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	provider := newTestJWTProvider()
	auth := NewAuthMiddleware(provider)

	router := newTestRouter()
	router.Use(auth.Authenticate())
	router.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, security.ClaimsFrom(c).Subject)
	})

	valid, err := provider.GenerateToken("ops@engage.test", security.RoleViewer, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	expired, err := provider.GenerateToken("ops@engage.test", security.RoleViewer, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized},
		{"no token", "Bearer", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("Status = %v, want %v", w.Code, tt.status)
			}
			if tt.status == http.StatusOK {
				if w.Body.String() != "ops@engage.test" {
					t.Errorf("subject = %v", w.Body.String())
				}
				return
			}
			if code := errorCode(t, w.Body.String()); code != "UNAUTHORIZED" {
				t.Errorf("code = %v", code)
			}
		})
	}
}

func TestAuthMiddleware_NoSecret(t *testing.T) {
	auth := NewAuthMiddleware(security.NewJWTProvider(&config.JWTConfig{}))
	router := newTestRouter()
	router.Use(auth.Authenticate())
	router.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer anything")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %v, want %v", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAuthMiddleware_RequireRole(t *testing.T) {
	provider := newTestJWTProvider()
	auth := NewAuthMiddleware(provider)

	router := newTestRouter()
	router.GET("/open-admin", auth.RequireAdmin(), func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	guarded := router.Group("/", auth.Authenticate())
	guarded.GET("/read", auth.RequireRole(security.RoleAdmin, security.RoleViewer), func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	guarded.POST("/write", auth.RequireAdmin(), func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	viewer, _ := provider.GenerateToken("viewer", security.RoleViewer, time.Hour)
	admin, _ := provider.GenerateToken("admin", security.RoleAdmin, time.Hour)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"viewer reads", http.MethodGet, "/read", viewer, http.StatusOK},
		{"admin reads", http.MethodGet, "/read", admin, http.StatusOK},
		{"viewer writes", http.MethodPost, "/write", viewer, http.StatusForbidden},
		{"admin writes", http.MethodPost, "/write", admin, http.StatusOK},
		{"no authentication", http.MethodGet, "/open-admin", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Status = %v, want %v", w.Code, tt.status)
			}
		})
	}
}
