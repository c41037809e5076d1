//go:build integration

// Package integration provides end-to-end tests for the TrustVector risk
// service. These tests require a running risk-service with its PostgreSQL,
// Redis, Elasticsearch and encoder dependencies.
// Run with: go test -v -tags=integration ./test/integration/...
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service URL and signing secret (configurable via environment variables).
// WEBHOOK_SINK_URL must be resolvable from inside the service; subscription
// URLs are DNS-checked at registration time.
var (
	riskURL     = envOrDefault("RISK_URL", "http://localhost:8080")
	webhookSink = envOrDefault("WEBHOOK_SINK_URL", "https://example.com/hooks/trustvector")
	jwtSecret   = os.Getenv("JWT_SECRET")
)

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// httpClient is a shared HTTP client with reasonable timeouts
var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

// serviceToken signs a service credential the way the banking gateway would.
// Returns "" when JWT_SECRET is unset; the service must then be running with
// auth disabled.
func serviceToken(t *testing.T) string {
	t.Helper()

	if jwtSecret == "" {
		return ""
	}

	claims := jwt.RegisteredClaims{
		Issuer:    "trustvector",
		Audience:  jwt.ClaimStrings{"risk-api"},
		Subject:   "integration-tests",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("Failed to sign service token: %v", err)
	}
	return token
}

// apiRequest makes an HTTP request and returns status code and decoded body
func apiRequest(t *testing.T, method, url string, body string, token string) (int, map[string]interface{}) {
	t.Helper()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		json.Unmarshal(respBody, &result) // Ignore errors for non-JSON responses
	}

	return resp.StatusCode, result
}

// obj digs a nested object out of a decoded response
func obj(t *testing.T, m map[string]interface{}, keys ...string) map[string]interface{} {
	t.Helper()

	for _, k := range keys {
		next, ok := m[k].(map[string]interface{})
		if !ok {
			t.Fatalf("Response field %q is not an object (got %T)", k, m[k])
		}
		m = next
	}
	return m
}

// num reads a numeric field out of a decoded response
func num(t *testing.T, m map[string]interface{}, key string) float64 {
	t.Helper()

	v, ok := m[key].(float64)
	if !ok {
		t.Fatalf("Response field %q is not a number (got %T)", key, m[key])
	}
	return v
}

// uniqueID generates a collision-free identifier for test users and sessions
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// sessionBody builds an assess/enroll payload for a clean session from the
// user's usual location and device. mutate adjusts the defaults.
func sessionBody(t *testing.T, userID, sessionID string, mutate func(map[string]interface{})) string {
	t.Helper()

	payload := map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"timestamp":  time.Now().UnixMilli(),
		"location": map[string]interface{}{
			"latitude":  41.0082,
			"longitude": 28.9784,
			"timezone":  "Europe/Istanbul",
			"vpn":       false,
		},
		"device": map[string]interface{}{
			"app_version":          "3.2.1",
			"rooted":               false,
			"debugging_enabled":    false,
			"unknown_apps":         false,
			"hardware_attestation": true,
			"overlay_permission":   false,
			"fingerprint":          map[string]string{"model": "Pixel 8", "os": "android-15"},
		},
		"network": map[string]interface{}{
			"sim_operator": "Turkcell",
			"network_type": "wifi",
		},
	}
	if mutate != nil {
		mutate(payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal session payload: %v", err)
	}
	return string(data)
}

// withTraces adds one raw trace per modality, in the nested shapes the
// capture SDK emits
func withTraces(payload map[string]interface{}) {
	payload["motion_data"] = map[string]interface{}{
		"samples": []map[string]interface{}{
			{
				"accelerometer": map[string]float64{"x": 0.12, "y": 9.71, "z": 0.33},
				"gyroscope":     map[string]float64{"x": 0.01, "y": 0.02, "z": 0.005},
				"magnetometer":  map[string]float64{"x": 21.4, "y": -3.2, "z": 40.1},
			},
			{
				"accelerometer": map[string]float64{"x": 0.18, "y": 9.68, "z": 0.29},
				"gyroscope":     map[string]float64{"x": 0.015, "y": 0.018, "z": 0.004},
				"magnetometer":  map[string]float64{"x": 21.1, "y": -3.4, "z": 40.3},
			},
		},
	}
	payload["touch_data"] = map[string]interface{}{
		"strokes": []map[string]float64{
			{"distance": 312.5, "duration": 180, "startX": 120, "startY": 840, "endX": 390, "endY": 690, "velocity": 1.74},
			{"distance": 98.2, "duration": 95, "startX": 200, "startY": 400, "endX": 280, "endY": 355, "velocity": 1.03},
		},
	}
	payload["typing_data"] = map[string]interface{}{
		"keystrokes": []map[string]interface{}{
			{"character": "a", "dwellTime": 92, "flightTime": 130, "coordinate_x": 52, "coordinate_y": 1180},
			{"character": "l", "dwellTime": 88, "flightTime": 145, "coordinate_x": 610, "coordinate_y": 1175},
			{"character": "i", "dwellTime": 95, "flightTime": 122, "coordinate_x": 540, "coordinate_y": 1110},
		},
	}
}
