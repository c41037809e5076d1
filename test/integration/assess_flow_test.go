//go:build integration

package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/health/live", "/health/ready", "/health"} {
		t.Run(path, func(t *testing.T) {
			status, body := apiRequest(t, "GET", riskURL+path, "", "")
			assert.Equal(t, 200, status, "health endpoint should report healthy: %v", body)
		})
	}
}

// TestAssessmentFlow walks a user through baseline enrollment, a clean
// session from their usual location and device, and a hostile session that
// trips the location, device and SIM factors at once.
func TestAssessmentFlow(t *testing.T) {
	token := serviceToken(t)
	userID := uniqueID("itest-user")

	var cleanScore, riskyScore float64

	t.Run("enroll baseline sessions", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			body := sessionBody(t, userID, uniqueID("itest-enroll"), nil)
			status, resp := apiRequest(t, "POST", riskURL+"/api/v1/behavior/enroll", body, token)
			require.Equal(t, 200, status, "enrollment failed: %v", resp)

			assert.Equal(t, true, resp["profile_updated"])
			assert.Equal(t, float64(i+1), num(t, resp, "location_count"))
		}
	})

	t.Run("profile summary reflects enrollment", func(t *testing.T) {
		status, resp := apiRequest(t, "GET", riskURL+"/api/v1/risk/profile/"+userID, "", token)
		require.Equal(t, 200, status, "profile lookup failed: %v", resp)

		assert.Equal(t, userID, resp["user_id"])
		assert.Equal(t, float64(3), num(t, resp, "location_count"))
		assert.Equal(t, "Turkcell", resp["sim_operator"])
	})

	t.Run("clean session from usual location", func(t *testing.T) {
		body := sessionBody(t, userID, uniqueID("itest-clean"), nil)
		status, resp := apiRequest(t, "POST", riskURL+"/api/v1/risk/assess", body, token)
		require.Equal(t, 200, status, "assessment failed: %v", resp)
		assert.Equal(t, true, resp["success"])

		score := obj(t, resp, "risk_score")
		cleanScore = num(t, score, "total_score")
		assert.GreaterOrEqual(t, cleanScore, float64(0))
		assert.LessOrEqual(t, cleanScore, float64(100))
		assert.Contains(t, []interface{}{"LOW", "MEDIUM", "HIGH"}, score["risk_level"])
		assert.Contains(t, []interface{}{"ALLOW", "REVIEW", "BLOCK"}, score["recommendation"])

		// No motion trace was captured, so the modality scores as maximum risk
		breakdown := obj(t, score, "breakdown")
		assert.Equal(t, float64(100), num(t, breakdown, "motion"))

		loc := obj(t, resp, "factors", "location")
		assert.Equal(t, true, loc["is_within_radius"], "enrolled location must be inside the geofence")
		assert.Equal(t, false, loc["vpn_detected"])
		assert.Equal(t, float64(3), num(t, loc, "history_point_count"))

		assert.Equal(t, false, obj(t, resp, "factors", "device")["is_rooted"])
		assert.Equal(t, false, obj(t, resp, "factors", "network")["sim_operator_changed"])
	})

	t.Run("hostile session scores higher", func(t *testing.T) {
		body := sessionBody(t, userID, uniqueID("itest-risky"), func(p map[string]interface{}) {
			p["location"] = map[string]interface{}{
				"latitude":  40.7128,
				"longitude": -74.0060,
				"timezone":  "America/New_York",
				"vpn":       true,
			}
			device := p["device"].(map[string]interface{})
			device["rooted"] = true
			device["hardware_attestation"] = false
			device["fingerprint"] = map[string]string{"model": "Unknown", "os": "android-11"}
			p["network"] = map[string]interface{}{
				"sim_operator": "T-Mobile US",
				"network_type": "cellular",
			}
		})
		status, resp := apiRequest(t, "POST", riskURL+"/api/v1/risk/assess", body, token)
		require.Equal(t, 200, status, "assessment failed: %v", resp)

		loc := obj(t, resp, "factors", "location")
		assert.Equal(t, true, loc["vpn_detected"])
		assert.Equal(t, false, loc["is_within_radius"])
		assert.Equal(t, true, obj(t, resp, "factors", "device")["is_rooted"])
		assert.Equal(t, true, obj(t, resp, "factors", "network")["sim_operator_changed"])

		score := obj(t, resp, "risk_score")
		riskyScore = num(t, score, "total_score")
		assert.GreaterOrEqual(t, riskyScore, cleanScore,
			"rooted device on VPN from a new country must not score below the baseline session")

		alerts, ok := score["alerts"].([]interface{})
		require.True(t, ok, "hostile session must carry alerts: %v", score["alerts"])
		assert.NotEmpty(t, alerts)
	})

	t.Run("score history is queryable", func(t *testing.T) {
		url := fmt.Sprintf("%s/api/v1/risk/scores/%s?limit=10", riskURL, userID)
		status, resp := apiRequest(t, "GET", url, "", token)
		require.Equal(t, 200, status, "score history failed: %v", resp)

		assert.Equal(t, userID, resp["user_id"])
		assert.GreaterOrEqual(t, num(t, resp, "count"), float64(2))
	})

	t.Run("malformed session is rejected", func(t *testing.T) {
		status, resp := apiRequest(t, "POST", riskURL+"/api/v1/risk/assess",
			`{"session_id": "no-user"}`, token)
		assert.Equal(t, 400, status, "expected validation failure: %v", resp)
	})
}

// TestEnrollmentIndexesTraces verifies that raw traces flow through the
// encoder into the vector index. Requires the encoder sidecar to be up.
func TestEnrollmentIndexesTraces(t *testing.T) {
	token := serviceToken(t)
	userID := uniqueID("itest-traces")

	body := sessionBody(t, userID, uniqueID("itest-session"), withTraces)
	status, resp := apiRequest(t, "POST", riskURL+"/api/v1/behavior/enroll", body, token)
	require.Equal(t, 200, status, "enrollment failed: %v", resp)

	assert.Equal(t, true, resp["profile_updated"])

	modalities, ok := resp["modalities"].([]interface{})
	require.True(t, ok, "missing modalities in response: %v", resp)
	require.Len(t, modalities, 3)

	for _, m := range modalities {
		outcome := m.(map[string]interface{})
		assert.Equal(t, "indexed", outcome["status"],
			"modality %v should index when the encoder is up: %v", outcome["modality"], outcome["error"])
	}
}

func TestAuthRequired(t *testing.T) {
	if jwtSecret == "" {
		t.Skip("JWT_SECRET not set; service is running without auth")
	}

	t.Run("missing token", func(t *testing.T) {
		status, resp := apiRequest(t, "GET", riskURL+"/api/v1/risk/profile/someone", "", "")
		assert.Equal(t, 401, status, "expected auth rejection: %v", resp)
		assert.Equal(t, "UNAUTHORIZED", resp["error"])
	})

	t.Run("garbage token", func(t *testing.T) {
		status, resp := apiRequest(t, "GET", riskURL+"/api/v1/risk/profile/someone", "", "not-a-jwt")
		assert.Equal(t, 401, status, "expected auth rejection: %v", resp)
		assert.Equal(t, "INVALID_TOKEN", resp["error"])
	})
}
