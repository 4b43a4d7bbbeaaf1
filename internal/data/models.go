// internal/data/models.go
package data

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SystemSensor is the synthetic sensor id used for hub heartbeats. It is
// never persisted in the backing store.
const SystemSensor = "system"

// Timestamp converts t to float Unix seconds, the unit of every last-seen
// value and message timestamp.
func Timestamp(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// Outbound message types
const (
	MessageData   = "data"
	MessageEvents = "events"
)

// Hub - a gateway device owned by a user. Identity fields come from the
// backing store; LastMessageAt is the cached recency.
type Hub struct {
	ID            int64   `json:"id"`
	UserID        int64   `json:"user_id"`
	Password      string  `json:"-"` // credential hash
	Name          string  `json:"name"`
	LastMessageAt float64 `json:"last_message_at"`
}

// Touch raises LastMessageAt to ts. It never moves it backwards and reports
// whether anything changed.
func (h *Hub) Touch(ts float64) bool {
	if ts <= h.LastMessageAt {
		return false
	}
	h.LastMessageAt = ts
	return true
}

// Key is the hub id as used in cache keys, channels and envelopes.
func (h *Hub) Key() string {
	return strconv.FormatInt(h.ID, 10)
}

// Sensor - a data producing unit attached to a hub
type Sensor struct {
	ID            string  `json:"id"` // decimal id or SystemSensor
	HubID         int64   `json:"hub_id"`
	LastMessageAt float64 `json:"last_message_at"`
}

// Message - one accepted inbound frame, resolved against its hub
type Message struct {
	Hub       *Hub
	Header    string
	Data      map[string]any
	Timestamp float64
}

// Event - an outbound notification for the hub owner's listeners
type Event struct {
	MessageType string
	Hub         *Hub
	SensorID    string
	Data        map[string]any
}

// Channel returns "{user_id}.{hub_id}.{sensor_id}.{message_type}".
func (e Event) Channel() string {
	return fmt.Sprintf("%d.%d.%s.%s", e.Hub.UserID, e.Hub.ID, e.SensorID, e.MessageType)
}

// Envelope returns {message_type: {hub_id: {sensor_id: data}}}.
func (e Event) Envelope() map[string]map[string]map[string]any {
	return map[string]map[string]map[string]any{
		e.MessageType: {
			e.Hub.Key(): {
				e.SensorID: e.Data,
			},
		},
	}
}

// MarshalEnvelope encodes the envelope for publishing.
func (e Event) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(e.Envelope())
}

// UserPattern is the subscription pattern matching every channel of a user.
func UserPattern(userID int64) string {
	return fmt.Sprintf("%d.*", userID)
}

// DeviceState - a user's hubs keyed by hub id
type DeviceState map[string]HubState

// HubState holds the hub's own "system" entry plus one entry per sensor.
type HubState struct {
	System  SystemState
	Sensors map[string]SensorState
}

type SystemState struct {
	LastMessageAt float64 `json:"last_message_at"`
	IsOnline      bool    `json:"is_online"`
	IP            *string `json:"ip"`
}

type SensorState struct {
	LastMessageAt float64 `json:"last_message_at"`
	IsOnline      bool    `json:"is_online"`
}

// MarshalJSON flattens the hub state into {"system": ..., "<sensor_id>": ...}.
func (h HubState) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(h.Sensors)+1)
	for id, s := range h.Sensors {
		flat[id] = s
	}
	flat[SystemSensor] = h.System
	return json.Marshal(flat)
}
