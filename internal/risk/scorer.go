package risk

import "math"

// Fusion weights. Must sum to 1.0.
const (
	weightMotion         = 0.25
	weightTyping         = 0.25
	weightTouch          = 0.20
	weightLocation       = 0.15
	weightDeviceSecurity = 0.10
	weightNetworkSim     = 0.05
)

// Classification thresholds on the fused total score
const (
	lowRiskMax    = 25 // <= lowRiskMax: LOW/ALLOW
	mediumRiskMax = 60 // <= mediumRiskMax: MEDIUM/REVIEW, above: HIGH/BLOCK
)

// vpnLocationRisk is the fixed location risk when a VPN is detected,
// capped regardless of any other location factor.
const vpnLocationRisk = 60

// Score fuses the collected factors into a risk score. Deterministic with
// no side effects; an app-version mismatch forces HIGH/BLOCK regardless of
// the computed total.
func Score(f Factors) *RiskScore {
	alerts := []string{}

	motion := modalityRisk(f.Biometric.MotionSimilarity)
	typing := modalityRisk(f.Biometric.TypingSimilarity)
	touch := modalityRisk(f.Biometric.TouchSimilarity)

	if f.Biometric.MotionSimilarity == 0 {
		alerts = append(alerts, "Motion biometric missing or unverifiable")
	}
	if f.Biometric.TypingSimilarity == 0 {
		alerts = append(alerts, "Typing biometric missing or unverifiable")
	}
	if f.Biometric.TouchSimilarity == 0 {
		alerts = append(alerts, "Touch biometric missing or unverifiable")
	}

	location, locationAlerts := scoreLocation(f.Location)
	alerts = append(alerts, locationAlerts...)

	device, deviceAlerts := scoreDeviceSecurity(f.Device)
	alerts = append(alerts, deviceAlerts...)

	network, networkAlerts := scoreNetworkSim(f.Network)
	alerts = append(alerts, networkAlerts...)

	weighted := float64(motion)*weightMotion +
		float64(typing)*weightTyping +
		float64(touch)*weightTouch +
		float64(location)*weightLocation +
		float64(device)*weightDeviceSecurity +
		float64(network)*weightNetworkSim

	total := clampScore(int(math.Round(weighted)))

	level, recommendation := classify(total)
	if f.Device.AppVersionMismatch {
		// Unsupported releases are blocked unconditionally
		level, recommendation = RiskLevelHigh, RecommendationBlock
	}

	return &RiskScore{
		TotalScore:     total,
		RiskLevel:      level,
		Recommendation: recommendation,
		Breakdown: Breakdown{
			Motion:         motion,
			Typing:         typing,
			Touch:          touch,
			Location:       location,
			DeviceSecurity: device,
			NetworkSim:     network,
		},
		Alerts: alerts,
	}
}

// modalityRisk converts a [0,1] similarity into a 0-100 risk score.
// Zero similarity (modality unprocessed or no match) is maximum risk.
func modalityRisk(similarity float64) int {
	if similarity < 0 {
		similarity = 0
	}
	if similarity > 1 {
		similarity = 1
	}
	return clampScore(int(math.Round((1 - similarity) * 100)))
}

func scoreLocation(loc LocationFactors) (int, []string) {
	if loc.VPNDetected {
		return vpnLocationRisk, []string{"VPN or proxy detected at session location"}
	}

	score := 0
	var alerts []string

	if !loc.IsWithinRadius {
		score += 40
		alerts = append(alerts, "Session location outside the user's normal area")
	}
	if loc.HistoryPointCount < 3 {
		score += 20
		alerts = append(alerts, "Insufficient location history for this user")
	}
	if !loc.TimeConsistency {
		score += 15
		alerts = append(alerts, "Session time of day inconsistent with location history")
	}

	return clampScore(score), alerts
}

func scoreDeviceSecurity(dev DeviceFactors) (int, []string) {
	score := 0
	var alerts []string

	if dev.AppVersionMismatch {
		score += 50
		alerts = append(alerts, "App version is not an accepted release")
	}
	if dev.IsRooted {
		score += 30
		alerts = append(alerts, "Device is rooted or jailbroken")
	}
	if dev.DebuggingEnabled {
		score += 15
		alerts = append(alerts, "Developer debugging enabled on device")
	}
	if dev.UnknownApps {
		score += 20
		alerts = append(alerts, "Apps from unknown sources installed")
	}
	if !dev.HardwareAttestation {
		score += 25
		alerts = append(alerts, "Hardware attestation failed")
	}
	if dev.OverlayPermission {
		score += 20
		alerts = append(alerts, "Screen overlay permission active")
	}

	return clampScore(score), alerts
}

func scoreNetworkSim(net NetworkFactors) (int, []string) {
	score := 0
	var alerts []string

	// Joint SIM and fingerprint drift is the strong takeover signal; a SIM
	// swap alone is common enough to weight lightly.
	if net.SimOperatorChanged && net.DeviceFingerprintChanged {
		score += 60
		alerts = append(alerts, "SIM operator and device fingerprint both changed")
	} else if net.SimOperatorChanged {
		score += 20
		alerts = append(alerts, "SIM operator changed since enrollment")
	}
	if !net.NetworkTypeConsistent {
		score += 15
		alerts = append(alerts, "Network type inconsistent with capture expectation")
	}

	return clampScore(score), alerts
}

func classify(total int) (RiskLevel, Recommendation) {
	switch {
	case total <= lowRiskMax:
		return RiskLevelLow, RecommendationAllow
	case total <= mediumRiskMax:
		return RiskLevelMedium, RecommendationReview
	default:
		return RiskLevelHigh, RecommendationBlock
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
