package behavior

import (
	"encoding/json"
	"math"
)

// Canonical feature arity per modality, fixed by the encoder models
const (
	motionFeatureCount = 11
	touchFeatureCount  = 7
	typingFeatureCount = 4
)

// Keystroke is a canonical typing event. The JSON field names are the
// encoder's wire contract, inherited from its training columns.
type Keystroke struct {
	Character   string  `json:"character"`
	DwellTime   float64 `json:"dwellTime"`
	FlightTime  float64 `json:"flightTime"`
	CoordinateX float64 `json:"coordinate_x"`
	CoordinateY float64 `json:"coordinate_y"`
}

type sensorVec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ExtractMotionFeatures normalizes a raw motion trace into canonical samples
// of [accelX accelY accelZ gyroX gyroY gyroZ magX magY magZ motionMagnitude
// rotationRate]. Three raw shapes are accepted: a flat array of 11-feature
// rows, nested sensor samples, and parallel per-feature arrays. Anything else
// yields nil and the modality is skipped.
func ExtractMotionFeatures(raw json.RawMessage) [][]float64 {
	if len(raw) == 0 {
		return nil
	}

	// Flat-array: [[11 floats], ...]
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err == nil {
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if len(row) != motionFeatureCount {
				return nil
			}
		}
		return rows
	}

	// Nested samples: {"samples":[{"accelerometer":{x,y,z},"gyroscope":{...},"magnetometer":{...}}]}
	// Magnitude and rotation rate are derived from the sensor vectors.
	var nested struct {
		Samples []struct {
			Accelerometer sensorVec `json:"accelerometer"`
			Gyroscope     sensorVec `json:"gyroscope"`
			Magnetometer  sensorVec `json:"magnetometer"`
		} `json:"samples"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil
	}
	if len(nested.Samples) > 0 {
		out := make([][]float64, 0, len(nested.Samples))
		for _, s := range nested.Samples {
			out = append(out, []float64{
				s.Accelerometer.X, s.Accelerometer.Y, s.Accelerometer.Z,
				s.Gyroscope.X, s.Gyroscope.Y, s.Gyroscope.Z,
				s.Magnetometer.X, s.Magnetometer.Y, s.Magnetometer.Z,
				magnitude(s.Accelerometer.X, s.Accelerometer.Y, s.Accelerometer.Z),
				magnitude(s.Gyroscope.X, s.Gyroscope.Y, s.Gyroscope.Z),
			})
		}
		return out
	}

	// Flat-field: {"accelX":[...],"accelY":[...],...} parallel arrays
	var fields struct {
		AccelX          []float64 `json:"accelX"`
		AccelY          []float64 `json:"accelY"`
		AccelZ          []float64 `json:"accelZ"`
		GyroX           []float64 `json:"gyroX"`
		GyroY           []float64 `json:"gyroY"`
		GyroZ           []float64 `json:"gyroZ"`
		MagX            []float64 `json:"magX"`
		MagY            []float64 `json:"magY"`
		MagZ            []float64 `json:"magZ"`
		MotionMagnitude []float64 `json:"motionMagnitude"`
		RotationRate    []float64 `json:"rotationRate"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	n := maxLen(fields.AccelX, fields.AccelY, fields.AccelZ,
		fields.GyroX, fields.GyroY, fields.GyroZ,
		fields.MagX, fields.MagY, fields.MagZ)
	if n == 0 {
		return nil
	}

	out := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		ax, ay, az := at(fields.AccelX, i), at(fields.AccelY, i), at(fields.AccelZ, i)
		gx, gy, gz := at(fields.GyroX, i), at(fields.GyroY, i), at(fields.GyroZ, i)

		// Derived unless the capture layer supplied them
		mag := magnitude(ax, ay, az)
		if i < len(fields.MotionMagnitude) {
			mag = fields.MotionMagnitude[i]
		}
		rot := magnitude(gx, gy, gz)
		if i < len(fields.RotationRate) {
			rot = fields.RotationRate[i]
		}

		out = append(out, []float64{
			ax, ay, az, gx, gy, gz,
			at(fields.MagX, i), at(fields.MagY, i), at(fields.MagZ, i),
			mag, rot,
		})
	}
	return out
}

// ExtractTouchFeatures normalizes a raw touch trace into canonical strokes of
// [distance duration endX endY startX startY velocity]. Accepted shapes: a
// flat array of 7-feature rows, nested stroke objects under "strokes" or
// "points", and parallel per-feature arrays.
func ExtractTouchFeatures(raw json.RawMessage) [][]float64 {
	if len(raw) == 0 {
		return nil
	}

	// Flat-array: [[7 floats], ...]
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err == nil {
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if len(row) != touchFeatureCount {
				return nil
			}
		}
		return rows
	}

	// Nested strokes: {"strokes":[{...}]} ("points" is the older SDK key)
	var nested struct {
		Strokes []touchStroke `json:"strokes"`
		Points  []touchStroke `json:"points"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil
	}
	strokes := nested.Strokes
	if len(strokes) == 0 {
		strokes = nested.Points
	}
	if len(strokes) > 0 {
		out := make([][]float64, 0, len(strokes))
		for _, s := range strokes {
			out = append(out, []float64{
				s.Distance, s.Duration, s.EndX, s.EndY, s.StartX, s.StartY, s.Velocity,
			})
		}
		return out
	}

	// Flat-field: parallel per-feature arrays
	var fields struct {
		Distances  []float64 `json:"distances"`
		Durations  []float64 `json:"durations"`
		EndXs      []float64 `json:"endXs"`
		EndYs      []float64 `json:"endYs"`
		StartXs    []float64 `json:"startXs"`
		StartYs    []float64 `json:"startYs"`
		Velocities []float64 `json:"velocities"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	n := maxLen(fields.Distances, fields.Durations, fields.EndXs, fields.EndYs,
		fields.StartXs, fields.StartYs, fields.Velocities)
	if n == 0 {
		return nil
	}

	out := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, []float64{
			at(fields.Distances, i), at(fields.Durations, i),
			at(fields.EndXs, i), at(fields.EndYs, i),
			at(fields.StartXs, i), at(fields.StartYs, i),
			at(fields.Velocities, i),
		})
	}
	return out
}

type touchStroke struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	EndX     float64 `json:"endX"`
	EndY     float64 `json:"endY"`
	StartX   float64 `json:"startX"`
	StartY   float64 `json:"startY"`
	Velocity float64 `json:"velocity"`
}

// ExtractTypingFeatures normalizes a raw typing trace into canonical
// keystrokes. Accepted shapes: a flat array of [dwell flight x y] rows
// (character unknown), nested keystroke objects, and parallel per-feature
// arrays.
func ExtractTypingFeatures(raw json.RawMessage) []Keystroke {
	if len(raw) == 0 {
		return nil
	}

	// Flat-array: [[dwell, flight, x, y], ...]
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err == nil {
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if len(row) != typingFeatureCount {
				return nil
			}
		}
		out := make([]Keystroke, 0, len(rows))
		for _, row := range rows {
			out = append(out, Keystroke{
				DwellTime:   row[0],
				FlightTime:  row[1],
				CoordinateX: row[2],
				CoordinateY: row[3],
			})
		}
		return out
	}

	// Nested keystrokes: {"keystrokes":[{...}]}
	var nested struct {
		Keystrokes []Keystroke `json:"keystrokes"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil
	}
	if len(nested.Keystrokes) > 0 {
		return nested.Keystrokes
	}

	// Flat-field: parallel per-feature arrays
	var fields struct {
		DwellTimes   []float64 `json:"dwellTimes"`
		FlightTimes  []float64 `json:"flightTimes"`
		CoordinatesX []float64 `json:"coordinatesX"`
		CoordinatesY []float64 `json:"coordinatesY"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}

	n := maxLen(fields.DwellTimes, fields.FlightTimes, fields.CoordinatesX, fields.CoordinatesY)
	if n == 0 {
		return nil
	}

	out := make([]Keystroke, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Keystroke{
			DwellTime:   at(fields.DwellTimes, i),
			FlightTime:  at(fields.FlightTimes, i),
			CoordinateX: at(fields.CoordinatesX, i),
			CoordinateY: at(fields.CoordinatesY, i),
		})
	}
	return out
}

func magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// at reads index i, treating short or absent arrays as zero-padded
func at(arr []float64, i int) float64 {
	if i < len(arr) {
		return arr[i]
	}
	return 0
}

func maxLen(arrs ...[]float64) int {
	n := 0
	for _, a := range arrs {
		if len(a) > n {
			n = len(a)
		}
	}
	return n
}
