// Package ingest runs hub sessions: admission, the per-frame
// decode/validate/throttle/store/publish pipeline, and cleanup.
package ingest

import (
	"fmt"
	"strconv"

	"github.com/RatDesert/ruth-data/internal/data"
	"github.com/RatDesert/ruth-data/internal/errors"
	"github.com/RatDesert/ruth-data/internal/validate"
)

// Kind is the handler a frame is routed to.
type Kind int

const (
	SystemHeartbeat Kind = iota + 1
	SensorReading
)

func (k Kind) String() string {
	switch k {
	case SystemHeartbeat:
		return "system"
	case SensorReading:
		return "sensor"
	default:
		return "unknown"
	}
}

// Route is the result of classifying a frame header.
type Route struct {
	Kind     Kind
	SensorID string
}

// Schema returns the payload schema for the route's handler.
func (r Route) Schema() validate.Schema {
	if r.Kind == SystemHeartbeat {
		return validate.SystemSchema
	}
	return validate.SensorSchema
}

// Classify maps a frame header onto its handler. Sensor headers must be the
// canonical decimal form of an id in (0, 2^31-1).
func Classify(header string) (Route, error) {
	if header == data.SystemSensor {
		return Route{Kind: SystemHeartbeat, SensorID: data.SystemSensor}, nil
	}

	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil || id <= 0 || id >= validate.Int32Max || strconv.FormatInt(id, 10) != header {
		return Route{}, fmt.Errorf("%w: %q", errors.ErrHandlerNotFound, header)
	}
	return Route{Kind: SensorReading, SensorID: header}, nil
}
