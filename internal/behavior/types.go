// Package behavior turns raw behavioral telemetry into risk evidence: it
// normalizes the traces a mobile session carries, obtains embeddings from the
// encoding service, stores and queries them in the vector index, and maintains
// the per-user behavior profile through the enrollment path.
package behavior

import (
	"encoding/json"
	"time"

	"github.com/trustvector/trustvector/internal/geofence"
)

// Modality identifies one behavioral signal type
type Modality string

const (
	ModalityMotion  Modality = "motion"
	ModalityGesture Modality = "gesture"
	ModalityTyping  Modality = "typing"
)

// IndexName returns the Elasticsearch index holding this modality's embeddings
func (m Modality) IndexName() string {
	return "trustvector-" + string(m) + "-embeddings"
}

// Session is one behavioral capture submitted by the banking backend. It is
// transient: parsed, assessed or enrolled, and discarded. Trace payloads stay
// raw until extraction because the capture SDKs emit several shapes.
type Session struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"` // epoch millis

	TouchData  json.RawMessage `json:"touch_data,omitempty"`
	TypingData json.RawMessage `json:"typing_data,omitempty"`
	MotionData json.RawMessage `json:"motion_data,omitempty"`

	Location *LocationSnapshot `json:"location,omitempty"`
	Device   *DeviceSnapshot   `json:"device,omitempty"`
	Network  *NetworkSnapshot  `json:"network,omitempty"`
}

// CapturedAt returns the session capture time, falling back to now when the
// client did not stamp the session.
func (s *Session) CapturedAt() time.Time {
	if s.Timestamp <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(s.Timestamp).UTC()
}

// LocationPoint converts the location snapshot into a history point, or nil
// when the session carried no location.
func (s *Session) LocationPoint() *geofence.LocationPoint {
	if s.Location == nil {
		return nil
	}
	return &geofence.LocationPoint{
		Latitude:  s.Location.Latitude,
		Longitude: s.Location.Longitude,
		Altitude:  s.Location.Altitude,
		Timezone:  s.Location.Timezone,
		Timestamp: s.CapturedAt(),
		VPN:       s.Location.VPN,
	}
}

// LocationSnapshot is the device-reported position at capture time
type LocationSnapshot struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	VPN       bool    `json:"vpn"`
}

// DeviceSnapshot is the device integrity state at capture time. Attestation
// reports whether the hardware attestation check passed; an absent snapshot
// therefore reads as a failed attestation.
type DeviceSnapshot struct {
	AppVersion          string            `json:"app_version"`
	Rooted              bool              `json:"rooted"`
	DebuggingEnabled    bool              `json:"debugging_enabled"`
	UnknownApps         bool              `json:"unknown_apps"`
	HardwareAttestation bool              `json:"hardware_attestation"`
	OverlayPermission   bool              `json:"overlay_permission"`
	Fingerprint         map[string]string `json:"fingerprint,omitempty"`
}

// NetworkSnapshot is the network state at capture time. TypeConsistent is the
// capture layer's own judgement of whether the network type matches the
// device's recent pattern; absent means consistent.
type NetworkSnapshot struct {
	SimOperator    string `json:"sim_operator,omitempty"`
	NetworkType    string `json:"network_type,omitempty"`
	TypeConsistent *bool  `json:"network_type_consistent,omitempty"`
}

// NetworkTypeConsistent resolves the capture layer's consistency flag,
// defaulting to true when the session or snapshot omitted it.
func (s *Session) NetworkTypeConsistent() bool {
	if s.Network == nil || s.Network.TypeConsistent == nil {
		return true
	}
	return *s.Network.TypeConsistent
}
