// internal/validate/schema.go
package validate

import (
	stderrors "errors"
	"fmt"
	"math"
	"sort"

	"github.com/RatDesert/ruth-data/internal/errors"
)

// Storage-safe bounds for ids and numeric readings.
const (
	Int32Max = math.MaxInt32
	Int64Max = float64(math.MaxInt64)
	Int64Min = float64(math.MinInt64)
)

// Rule bounds a numeric field to the half-open range (Min, Max].
type Rule struct {
	Min     float64
	Max     float64
	Integer bool
}

// Schema is the set of required fields for one handler's payload.
type Schema struct {
	Name  string
	Rules map[string]Rule
}

// SystemSchema validates hub heartbeats.
var SystemSchema = Schema{
	Name: "system",
	Rules: map[string]Rule{
		"timestamp": {Min: 0, Max: Int64Max},
	},
}

// SensorSchema validates sensor readings.
var SensorSchema = Schema{
	Name: "sensor",
	Rules: map[string]Rule{
		"value":  {Min: Int64Min, Max: Int64Max},
		"signal": {Min: 0, Max: 100, Integer: true},
		"charge": {Min: 0, Max: 100, Integer: true},
	},
}

// Check validates payload against the schema's rules and returns a copy that
// holds only the declared fields. Every violated rule is reported.
func (s Schema) Check(payload map[string]any) (map[string]any, error) {
	fields := make([]string, 0, len(s.Rules))
	for field := range s.Rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	clean := make(map[string]any, len(s.Rules))
	var violations []error

	for _, field := range fields {
		rule := s.Rules[field]
		raw, ok := payload[field]
		if !ok {
			violations = append(violations, fmt.Errorf("%s: field required", field))
			continue
		}

		value, numeric := raw.(float64)
		if !numeric {
			violations = append(violations, fmt.Errorf("%s: value is not a number (%T)", field, raw))
			continue
		}
		if rule.Integer && math.Trunc(value) != value {
			violations = append(violations, fmt.Errorf("%s: value is not an integer", field))
			continue
		}
		if value <= rule.Min || value > rule.Max {
			violations = append(violations, fmt.Errorf("%s: value %v is outside range (%v, %v]", field, value, rule.Min, rule.Max))
			continue
		}

		if rule.Integer {
			clean[field] = int64(value)
		} else {
			clean[field] = value
		}
	}

	if len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s payload: %w", errors.ErrValidation, s.Name, stderrors.Join(violations...))
	}
	return clean, nil
}
