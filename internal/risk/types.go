// Package risk fuses behavioral-similarity, location, device, and network
// signals into a scored ALLOW/REVIEW/BLOCK decision for a banking session.
package risk

// RiskLevel classifies a total score into a decision bucket
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "LOW"
	RiskLevelMedium RiskLevel = "MEDIUM"
	RiskLevelHigh   RiskLevel = "HIGH"
)

// String returns the string representation of RiskLevel
func (r RiskLevel) String() string {
	return string(r)
}

// Recommendation is the action the banking backend should take for the session
type Recommendation string

const (
	RecommendationAllow  Recommendation = "ALLOW"
	RecommendationReview Recommendation = "REVIEW"
	RecommendationBlock  Recommendation = "BLOCK"
)

// String returns the string representation of Recommendation
func (r Recommendation) String() string {
	return string(r)
}

// BiometricFactors carries the per-modality similarity evidence, 0 when a
// modality was not processed (absence of evidence is maximum risk).
type BiometricFactors struct {
	MotionSimilarity float64 `json:"motion_similarity"`
	TypingSimilarity float64 `json:"typing_similarity"`
	TouchSimilarity  float64 `json:"touch_similarity"`
}

// LocationFactors carries the geofence verdict and location-history context
type LocationFactors struct {
	IsWithinRadius    bool `json:"is_within_radius"`
	VPNDetected       bool `json:"vpn_detected"`
	HistoryPointCount int  `json:"history_point_count"`
	TimeConsistency   bool `json:"time_consistency"`
}

// DeviceFactors carries the device-integrity signals reported by the capture
// layer. HardwareAttestation is true when attestation passed.
type DeviceFactors struct {
	IsRooted            bool `json:"is_rooted"`
	DebuggingEnabled    bool `json:"debugging_enabled"`
	AppVersionMismatch  bool `json:"app_version_mismatch"`
	UnknownApps         bool `json:"unknown_apps"`
	HardwareAttestation bool `json:"hardware_attestation"`
	OverlayPermission   bool `json:"overlay_permission"`
}

// NetworkFactors carries SIM and network drift signals versus the stored profile
type NetworkFactors struct {
	SimOperatorChanged       bool `json:"sim_operator_changed"`
	DeviceFingerprintChanged bool `json:"device_fingerprint_changed"`
	NetworkTypeConsistent    bool `json:"network_type_consistent"`
}

// Factors is the complete set of collected signals the scorer fuses
type Factors struct {
	Biometric BiometricFactors `json:"biometric"`
	Location  LocationFactors  `json:"location"`
	Device    DeviceFactors    `json:"device"`
	Network   NetworkFactors   `json:"network"`
}

// Breakdown is the per-factor risk contribution, each on a 0-100 scale
// (higher = riskier)
type Breakdown struct {
	Motion         int `json:"motion"`
	Typing         int `json:"typing"`
	Touch          int `json:"touch"`
	Location       int `json:"location"`
	DeviceSecurity int `json:"device_security"`
	NetworkSim     int `json:"network_sim"`
}

// RiskScore is the scored decision for one session
type RiskScore struct {
	TotalScore     int            `json:"total_score"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Recommendation Recommendation `json:"recommendation"`
	Breakdown      Breakdown      `json:"breakdown"`
	Alerts         []string       `json:"alerts"`
}

// Assessment is the full response returned to the banking backend
type Assessment struct {
	Success   bool       `json:"success"`
	RiskScore *RiskScore `json:"risk_score"`
	Factors   *Factors   `json:"factors"`
}
