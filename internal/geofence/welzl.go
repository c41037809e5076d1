package geofence

import (
	"math"
	"math/rand"
)

// Floating-point tolerance for circle containment. Coordinates are degrees,
// so absolute error stays well below this bound.
const epsilon = 1e-9

// planarPoint is a location projected onto a local planar approximation
// (x = longitude, y = latitude, both in degrees).
type planarPoint struct {
	x, y float64
}

// circle is a planar circle in degree space.
type circle struct {
	center planarPoint
	radius float64
}

func (c circle) contains(p planarPoint) bool {
	return math.Hypot(p.x-c.center.x, p.y-c.center.y) <= c.radius+epsilon
}

// smallestEnclosingCircle computes the minimum circle containing all points
// using Welzl's randomized incremental algorithm in expected linear time.
// The input slice is reordered in place.
func smallestEnclosingCircle(points []planarPoint, rng *rand.Rand) circle {
	shuffled := make([]planarPoint, len(points))
	copy(shuffled, points)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return welzl(shuffled, nil)
}

// welzl recursively computes the smallest circle containing pts with all
// boundary points on its edge. The boundary set never exceeds 3 points.
func welzl(pts []planarPoint, boundary []planarPoint) circle {
	if len(pts) == 0 || len(boundary) == 3 {
		return trivialCircle(boundary)
	}

	p := pts[len(pts)-1]
	c := welzl(pts[:len(pts)-1], boundary)
	if c.contains(p) {
		return c
	}

	// p lies outside the circle of the remainder, so it must sit on the
	// boundary of the enclosing circle.
	next := make([]planarPoint, len(boundary)+1)
	copy(next, boundary)
	next[len(boundary)] = p
	return welzl(pts[:len(pts)-1], next)
}

// trivialCircle computes the smallest circle for up to 3 boundary points
func trivialCircle(boundary []planarPoint) circle {
	switch len(boundary) {
	case 0:
		return circle{}
	case 1:
		return circle{center: boundary[0]}
	case 2:
		return circleFromTwo(boundary[0], boundary[1])
	default:
		if c, ok := circumscribedCircle(boundary[0], boundary[1], boundary[2]); ok {
			return c
		}
		// Collinear triple: fall back to the smallest diameter circle
		// covering all three points.
		return bestTwoPointCircle(boundary[0], boundary[1], boundary[2])
	}
}

// circleFromTwo returns the circle with the segment a-b as its diameter
func circleFromTwo(a, b planarPoint) circle {
	center := planarPoint{
		x: (a.x + b.x) / 2,
		y: (a.y + b.y) / 2,
	}
	return circle{
		center: center,
		radius: math.Hypot(a.x-b.x, a.y-b.y) / 2,
	}
}

// circumscribedCircle returns the unique circle through three points, or
// ok=false when the points are collinear and no such circle exists.
func circumscribedCircle(a, b, c planarPoint) (circle, bool) {
	abx, aby := b.x-a.x, b.y-a.y
	acx, acy := c.x-a.x, c.y-a.y

	d := 2 * (abx*acy - aby*acx)
	if math.Abs(d) < 1e-12 {
		return circle{}, false
	}

	abLen := abx*abx + aby*aby
	acLen := acx*acx + acy*acy
	ux := (acy*abLen - aby*acLen) / d
	uy := (abx*acLen - acx*abLen) / d

	center := planarPoint{x: a.x + ux, y: a.y + uy}
	return circle{center: center, radius: math.Hypot(ux, uy)}, true
}

// bestTwoPointCircle returns the smallest diameter circle over the three
// pairwise candidates that contains all three points
func bestTwoPointCircle(a, b, c planarPoint) circle {
	points := []planarPoint{a, b, c}
	best := circle{radius: math.Inf(1)}

	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			cand := circleFromTwo(points[i], points[j])
			if cand.radius >= best.radius {
				continue
			}
			coversAll := true
			for _, p := range points {
				if !cand.contains(p) {
					coversAll = false
					break
				}
			}
			if coversAll {
				best = cand
			}
		}
	}

	return best
}
