package data

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RatDesert/ruth-data/internal/errors"
)

func TestEventChannelAndEnvelope(t *testing.T) {
	ev := Event{
		MessageType: MessageData,
		Hub:         &Hub{ID: 3, UserID: 7},
		SensorID:    "9",
		Data:        map[string]any{"value": 1.5},
	}

	assert.Equal(t, "7.3.9.data", ev.Channel())

	raw, err := ev.MarshalEnvelope()
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"3":{"9":{"value":1.5}}}}`, string(raw))
}

func TestUserPattern(t *testing.T) {
	assert.Equal(t, "7.*", UserPattern(7))
}

func TestHubTouchIsMonotonic(t *testing.T) {
	hub := &Hub{LastMessageAt: 100}

	assert.False(t, hub.Touch(50))
	assert.Equal(t, 100.0, hub.LastMessageAt)
	assert.True(t, hub.Touch(101.5))
	assert.Equal(t, 101.5, hub.LastMessageAt)
}

func TestHubStateMarshalJSON(t *testing.T) {
	ip := "10.0.0.1"
	state := DeviceState{
		"5": {
			System: SystemState{LastMessageAt: 10, IsOnline: true, IP: &ip},
			Sensors: map[string]SensorState{
				"42": {LastMessageAt: 12, IsOnline: true},
			},
		},
	}

	raw, err := json.Marshal(state)
	require.NoError(t, err)
	assert.JSONEq(t, `{"5":{
		"system":{"last_message_at":10,"is_online":true,"ip":"10.0.0.1"},
		"42":{"last_message_at":12,"is_online":true}}}`, string(raw))
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		header    string
		malformed bool
	}{
		{"system", `{"system":{"timestamp":1}}`, "system", false},
		{"sensor", `{"42":{"value":1.5,"signal":80,"charge":90}}`, "42", false},
		{"empty object", `{}`, "", true},
		{"two keys", `{"system":{},"42":{}}`, "", true},
		{"array", `[1,2]`, "", true},
		{"not json", `hello`, "", true},
		{"scalar payload", `{"42":5}`, "", true},
		{"null payload", `{"42":null}`, "", true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			header, payload, err := DecodeFrame([]byte(test.raw))
			if test.malformed {
				assert.True(t, stderrors.Is(err, errors.ErrMalformedMessage), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.header, header)
			assert.NotNil(t, payload)
		})
	}
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, 1700000000.0, Timestamp(time.Unix(1700000000, 0)))
	assert.Equal(t, 1700000000.25, Timestamp(time.Unix(1700000000, 250_000_000)))
}
