// Package geofence computes a user's normal location boundary from historical
// location points and scores incoming locations against it. The boundary is
// the smallest enclosing circle of the user's non-VPN history; distance from
// its center grades into a confidence value.
package geofence

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Kilometers per degree of latitude (and of longitude at the equator)
	kmPerDegree = 111.32

	// Coordinates are deduplicated at 5 decimal places (~1.1 m resolution)
	// before the enclosing circle is computed
	dedupePrecision = 5

	// Floor for the confidence decay denominator so a zero-radius boundary
	// still grades nearby points instead of collapsing straight to zero
	minDecayRadiusKm = 1.0
)

// LocationPoint is a single recorded location observation. Points are
// immutable once recorded.
type LocationPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	VPN       bool      `json:"vpn"`
}

// Result is the outcome of validating an incoming location against history
type Result struct {
	IsValid            bool    `json:"is_valid"`
	VPNDetected        bool    `json:"vpn_detected"`
	Confidence         float64 `json:"confidence"`
	AllowedRadiusKm    float64 `json:"allowed_radius_km"`
	DistanceToCenterKm float64 `json:"distance_to_center_km"`
}

// Validator scores incoming locations against a user's historical boundary
type Validator struct {
	logger *zap.Logger

	// rand.Rand is not safe for concurrent use
	mu  sync.Mutex
	rng *rand.Rand
}

// NewValidator creates a Validator with a time-seeded random source
func NewValidator(logger *zap.Logger) *Validator {
	return NewValidatorWithSeed(logger, time.Now().UnixNano())
}

// NewValidatorWithSeed creates a Validator with a deterministic random source
// for reproducible circle computation in tests
func NewValidatorWithSeed(logger *zap.Logger, seed int64) *Validator {
	return &Validator{
		logger: logger.With(zap.String("component", "geofence")),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Validate checks an incoming location against the user's location history.
// The history is an explicit snapshot; the validator never reads stored state.
func (v *Validator) Validate(history []LocationPoint, incoming LocationPoint) Result {
	// A VPN-asserted point is never compared against history
	if incoming.VPN {
		v.logger.Debug("VPN flagged on incoming location, skipping boundary check")
		return Result{IsValid: false, VPNDetected: true, Confidence: 0}
	}

	clean := filterVPN(history)
	if len(clean) == 0 {
		v.logger.Debug("No non-VPN history points, location cannot be validated",
			zap.Int("total_history", len(history)))
		return Result{IsValid: false, VPNDetected: false, Confidence: 0}
	}

	points := dedupe(clean)

	v.mu.Lock()
	boundary := smallestEnclosingCircle(points, v.rng)
	v.mu.Unlock()

	radiusKm := degreesToKm(boundary.radius, boundary.center.y)
	distanceKm := haversineDistance(
		incoming.Latitude, incoming.Longitude,
		boundary.center.y, boundary.center.x,
	)

	isValid := distanceKm <= radiusKm
	confidence := computeConfidence(isValid, distanceKm, radiusKm)

	v.logger.Debug("Location validated against boundary",
		zap.Bool("is_valid", isValid),
		zap.Float64("distance_km", distanceKm),
		zap.Float64("radius_km", radiusKm),
		zap.Float64("confidence", confidence),
		zap.Int("history_points", len(points)),
	)

	return Result{
		IsValid:            isValid,
		VPNDetected:        false,
		Confidence:         confidence,
		AllowedRadiusKm:    radiusKm,
		DistanceToCenterKm: distanceKm,
	}
}

// filterVPN returns only the non-VPN points from the history
func filterVPN(history []LocationPoint) []LocationPoint {
	clean := make([]LocationPoint, 0, len(history))
	for _, p := range history {
		if !p.VPN {
			clean = append(clean, p)
		}
	}
	return clean
}

// dedupe collapses points that round to the same coordinate
func dedupe(points []LocationPoint) []planarPoint {
	seen := make(map[string]struct{}, len(points))
	out := make([]planarPoint, 0, len(points))

	for _, p := range points {
		key := fmt.Sprintf("%.*f,%.*f", dedupePrecision, p.Latitude, dedupePrecision, p.Longitude)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, planarPoint{x: p.Longitude, y: p.Latitude})
	}

	return out
}

// degreesToKm converts a planar radius in degrees to kilometers. The larger
// of the latitude/longitude per-degree conversions is used so the allowed
// radius never understates the true ground distance.
func degreesToKm(radiusDeg, centerLat float64) float64 {
	latKm := kmPerDegree
	lonKm := kmPerDegree * math.Abs(math.Cos(centerLat*math.Pi/180))
	return radiusDeg * math.Max(latKm, lonKm)
}

// computeConfidence grades how certain the boundary decision is. Inside the
// boundary confidence stays at or above 0.5 and grows toward the center;
// outside it decays exponentially with the excess distance.
func computeConfidence(isValid bool, distanceKm, radiusKm float64) float64 {
	if isValid {
		if radiusKm == 0 {
			return 1
		}
		return math.Max(0.5, 1-distanceKm/radiusKm)
	}

	excess := distanceKm - radiusKm
	decayRadius := math.Max(radiusKm, minDecayRadiusKm)
	return math.Max(0, 0.5*math.Exp(-excess/decayRadius))
}

// haversineDistance calculates the distance between two geo points in km
func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371 // km

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}
