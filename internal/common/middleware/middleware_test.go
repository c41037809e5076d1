package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	t.Run("GET request with CORS headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
		assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("OPTIONS preflight request", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("OPTIONS", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		router.ServeHTTP(w, req)

		assert.Equal(t, 204, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("No Origin header passes through", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORSOriginList(t *testing.T) {
	router := gin.New()
	router.Use(CORS("https://ops.bank.example", "https://fraud.bank.example"))
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	t.Run("Allowed origin is echoed back", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://fraud.bank.example")
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "https://fraud.bank.example", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", w.Header().Get("Vary"))
	})

	t.Run("Unknown origin is rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://evil.example")
		router.ServeHTTP(w, req)

		assert.Equal(t, 403, w.Code)
	})
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		requestID, exists := c.Get("request_id")
		assert.True(t, exists)
		assert.NotEmpty(t, requestID)
		c.String(200, "OK")
	})

	t.Run("Generates request ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("Uses provided request ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "custom-request-id")
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "custom-request-id", w.Header().Get("X-Request-ID"))
	})
}

const testSecret = "unit-test-signing-secret"

func signTestToken(t *testing.T, secret string, mutate func(*jwt.RegisteredClaims)) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Audience:  jwt.ClaimStrings{TokenAudience},
		Subject:   "svc-mobile-gateway",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	if mutate != nil {
		mutate(&claims)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return token
}

func TestServiceAuth(t *testing.T) {
	router := gin.New()
	router.Use(ServiceAuth(testSecret))
	router.GET("/protected", func(c *gin.Context) {
		c.String(200, c.GetString("caller_id"))
	})

	do := func(authHeader string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/protected", nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("Valid token", func(t *testing.T) {
		w := do("Bearer " + signTestToken(t, testSecret, nil))
		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "svc-mobile-gateway", w.Body.String())
	})

	t.Run("Missing authorization header", func(t *testing.T) {
		w := do("")
		assert.Equal(t, 401, w.Code)
		assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
	})

	t.Run("Malformed authorization header", func(t *testing.T) {
		w := do("Token abc123")
		assert.Equal(t, 401, w.Code)
	})

	t.Run("Wrong signing secret", func(t *testing.T) {
		w := do("Bearer " + signTestToken(t, "some-other-secret", nil))
		assert.Equal(t, 401, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
	})

	t.Run("Expired token", func(t *testing.T) {
		w := do("Bearer " + signTestToken(t, testSecret, func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}))
		assert.Equal(t, 401, w.Code)
		assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
	})

	t.Run("Missing expiry claim", func(t *testing.T) {
		w := do("Bearer " + signTestToken(t, testSecret, func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = nil
		}))
		assert.Equal(t, 401, w.Code)
	})

	t.Run("Wrong issuer", func(t *testing.T) {
		w := do("Bearer " + signTestToken(t, testSecret, func(c *jwt.RegisteredClaims) {
			c.Issuer = "someone-else"
		}))
		assert.Equal(t, 401, w.Code)
	})

	t.Run("Wrong audience", func(t *testing.T) {
		w := do("Bearer " + signTestToken(t, testSecret, func(c *jwt.RegisteredClaims) {
			c.Audience = jwt.ClaimStrings{"other-api"}
		}))
		assert.Equal(t, 401, w.Code)
	})
}

func TestDistributedRateLimit(t *testing.T) {
	newRouter := func(client *redis.Client, cfg RateLimitConfig) *gin.Engine {
		router := gin.New()
		router.Use(DistributedRateLimit(client, cfg, zap.NewNop()))
		handler := func(c *gin.Context) { c.String(200, "OK") }
		router.GET("/test", handler)
		router.GET("/health", handler)
		router.POST("/api/v1/risk/assess", handler)
		return router
	}

	t.Run("Allows requests within limit", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		router := newRouter(client, RateLimitConfig{Requests: 3, Window: time.Minute})

		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "192.168.1.1:1234"
			router.ServeHTTP(w, req)
			assert.Equal(t, 200, w.Code, "Request %d should succeed", i+1)
		}
	})

	t.Run("Blocks requests exceeding limit", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		router := newRouter(client, RateLimitConfig{Requests: 2, Window: time.Minute})

		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "192.168.1.1:1234"
			router.ServeHTTP(w, req)
			assert.Equal(t, 200, w.Code)
		}

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		router.ServeHTTP(w, req)

		assert.Equal(t, 429, w.Code)
		assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("Assessment paths use stricter tier", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		router := newRouter(client, RateLimitConfig{
			Requests:       100,
			Window:         time.Minute,
			AssessRequests: 1,
			AssessWindow:   time.Minute,
		})

		w1 := httptest.NewRecorder()
		req1, _ := http.NewRequest("POST", "/api/v1/risk/assess", nil)
		router.ServeHTTP(w1, req1)
		assert.Equal(t, 200, w1.Code)

		w2 := httptest.NewRecorder()
		req2, _ := http.NewRequest("POST", "/api/v1/risk/assess", nil)
		router.ServeHTTP(w2, req2)
		assert.Equal(t, 429, w2.Code)
	})

	t.Run("Health endpoint exempt", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		router := newRouter(client, RateLimitConfig{Requests: 1, Window: time.Minute})

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/health", nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, 200, w.Code)
		}
	})

	t.Run("Fails open when Redis unavailable", func(t *testing.T) {
		router := newRouter(nil, RateLimitConfig{Requests: 1, Window: time.Minute})

		for i := 0; i < 5; i++ {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, 200, w.Code)
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Run("Base headers always set", func(t *testing.T) {
		router := gin.New()
		router.Use(SecurityHeaders(false))
		router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
		assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
	})

	t.Run("Production adds HSTS", func(t *testing.T) {
		router := gin.New()
		router.Use(SecurityHeaders(true))
		router.GET("/test", func(c *gin.Context) { c.String(200, "OK") })

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
	})
}

func TestRecovery(t *testing.T) {
	t.Run("Recovers from panic", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(zap.NewNop()))
		router.GET("/test", func(c *gin.Context) {
			panic("test panic")
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)

		// Should not crash the server
		assert.NotPanics(t, func() {
			router.ServeHTTP(w, req)
		})

		assert.Equal(t, 500, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})

	t.Run("Normal request not affected", func(t *testing.T) {
		router := gin.New()
		router.Use(Recovery(zap.NewNop()))
		router.GET("/test", func(c *gin.Context) {
			c.String(200, "OK")
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, 200, w.Code)
		assert.Equal(t, "OK", w.Body.String())
	})
}

// Benchmark tests
func BenchmarkCORS(b *testing.B) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req, _ := http.NewRequest("GET", "/test", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkServiceAuth(b *testing.B) {
	router := gin.New()
	router.Use(ServiceAuth(testSecret))
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Audience:  jwt.ClaimStrings{TokenAudience},
		Subject:   "bench",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		b.Fatalf("signing token: %v", err)
	}

	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
