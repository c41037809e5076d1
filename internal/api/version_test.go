package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newVersionedRouter() *gin.Engine {
	router := gin.New()
	router.Use(StandardVersionMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, Version(c))
	})
	return router
}

func TestVersionMiddlewareStampsResponse(t *testing.T) {
	router := newVersionedRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0", w.Header().Get(HeaderAPIVersion))
	assert.Equal(t, "1.0", w.Body.String())
}

func TestVersionMiddlewareNegotiation(t *testing.T) {
	tests := []struct {
		name           string
		requestVersion string
		wantStatus     int
		wantVersion    string
	}{
		{
			name:           "no version header",
			requestVersion: "",
			wantStatus:     http.StatusOK,
			wantVersion:    "1.0",
		},
		{
			name:           "exact version",
			requestVersion: "1.0",
			wantStatus:     http.StatusOK,
			wantVersion:    "1.0",
		},
		{
			name:           "major version shorthand",
			requestVersion: "1",
			wantStatus:     http.StatusOK,
			wantVersion:    "1",
		},
		{
			name:           "unsupported version",
			requestVersion: "3.0",
			wantStatus:     http.StatusNotAcceptable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newVersionedRouter()

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.requestVersion != "" {
				req.Header.Set(HeaderAPIVersion, tt.requestVersion)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantVersion, w.Body.String())
			}
		})
	}
}

func TestVersionMiddlewareRejectionBody(t *testing.T) {
	router := newVersionedRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set(HeaderAPIVersion, "99.0")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotAcceptable, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unsupported_api_version", resp["error"])
	assert.NotEmpty(t, resp["supported_versions"])
}

func TestVersionDefaultsWithoutMiddleware(t *testing.T) {
	router := gin.New()
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, Version(c))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, CurrentVersion, w.Body.String())
}

func TestIsSupported(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		supported []string
		want      bool
	}{
		{"exact match", "1.0", []string{"1.0", "2.0"}, true},
		{"major shorthand", "1", []string{"1.0", "2.0"}, true},
		{"not supported", "3.0", []string{"1.0", "2.0"}, false},
		{"empty supported list", "1.0", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSupported(tt.version, tt.supported))
		})
	}
}
