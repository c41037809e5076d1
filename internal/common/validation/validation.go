// Package validation checks the identifier and telemetry fields that arrive
// in gateway payloads. Every check returns a *ValidationError whose message
// is safe to echo back to the caller, and ValidateAll batches checks so a
// bad payload reports all of its problems in one response.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	// Long enough for prefixed UUIDs and device fingerprints, short enough
	// to keep index keys sane.
	maxIdentifierLen = 128

	// Epoch milliseconds for 2001-09-09. Anything positive but below this
	// is almost certainly epoch seconds from a misconfigured client.
	minEpochMillis = 1_000_000_000_000
)

var uuidRE = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidationError reports a single rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	msg := e.Field + ": " + e.Message
	if e.Value != "" {
		msg += " (value: " + e.Value + ")"
	}
	return msg
}

// ValidationErrors aggregates every rejected field in a payload.
type ValidationErrors struct {
	Errors []*ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	switch len(e.Errors) {
	case 0:
		return "validation failed"
	case 1:
		return e.Errors[0].Error()
	}
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		parts[i] = ve.Error()
	}
	return strings.Join(parts, "; ")
}

// HasErrors reports whether any field was rejected.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ValidateAll runs every check and gathers the failures.
func ValidateAll(checks ...func() error) error {
	var failed ValidationErrors
	for _, check := range checks {
		switch err := check().(type) {
		case nil:
		case *ValidationError:
			failed.Errors = append(failed.Errors, err)
		case *ValidationErrors:
			failed.Errors = append(failed.Errors, err.Errors...)
		default:
			failed.Errors = append(failed.Errors, &ValidationError{Message: err.Error()})
		}
	}
	if failed.HasErrors() {
		return &failed
	}
	return nil
}

// ValidateIdentifier checks a user, session, or device identifier: required,
// at most 128 characters, no whitespace or control characters.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if len(value) > maxIdentifierLen {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be at most %d characters", maxIdentifierLen),
			Value:   strconv.Itoa(len(value)) + " characters",
		}
	}
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{
				Field:   field,
				Message: "must not contain whitespace or control characters",
				Value:   value,
			}
		}
	}
	return nil
}

// ValidateUUID checks a route parameter that must be a canonical UUID.
// Rejecting malformed ids here keeps them out of database error paths.
func ValidateUUID(field, value string) error {
	if !uuidRE.MatchString(strings.ToLower(value)) {
		return &ValidationError{Field: field, Message: "must be a valid UUID", Value: value}
	}
	return nil
}

// ValidateFinite rejects NaN and infinite values before they reach scoring
// math that assumes finite inputs.
func ValidateFinite(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Field: field, Message: "must be a finite number"}
	}
	return nil
}

// ValidateLatitude checks a latitude in degrees.
func ValidateLatitude(field string, value float64) error {
	if err := ValidateFinite(field, value); err != nil {
		return err
	}
	if value < -90 || value > 90 {
		return &ValidationError{
			Field:   field,
			Message: "must be between -90 and 90",
			Value:   fmt.Sprintf("%g", value),
		}
	}
	return nil
}

// ValidateLongitude checks a longitude in degrees.
func ValidateLongitude(field string, value float64) error {
	if err := ValidateFinite(field, value); err != nil {
		return err
	}
	if value < -180 || value > 180 {
		return &ValidationError{
			Field:   field,
			Message: "must be between -180 and 180",
			Value:   fmt.Sprintf("%g", value),
		}
	}
	return nil
}

// ValidateEpochMillis checks a client-stamped capture time. Values that look
// like epoch seconds are rejected rather than silently accepted as dates in
// 1970, which would poison the hour-of-day profile.
func ValidateEpochMillis(field string, value int64) error {
	if value <= 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be a positive epoch-millisecond timestamp",
			Value:   strconv.FormatInt(value, 10),
		}
	}
	if value < minEpochMillis {
		return &ValidationError{
			Field:   field,
			Message: "looks like epoch seconds; expected milliseconds",
			Value:   strconv.FormatInt(value, 10),
		}
	}
	return nil
}

// ValidateRange checks an integer against inclusive bounds.
func ValidateRange(field string, value, min, max int) error {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
			Value:   strconv.Itoa(value),
		}
	}
	return nil
}
