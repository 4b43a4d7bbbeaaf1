// internal/alerting/alerter.go
package alerting

import (
	"fmt"
	"time"

	"github.com/RatDesert/ruth-data/internal/data"
)

// Notification types understood by the notifications service
const (
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeAlert   = "alert"
)

// Details identifies the device a notification is about.
type Details struct {
	HubID    int64  `json:"hub_id,omitempty"`
	SensorID int64  `json:"sensor_id,omitempty"`
	IPv4     string `json:"ipv4"`
}

// Notification is the payload POSTed to the notifications service. The
// "tittle" spelling is part of that service's API.
type Notification struct {
	UserID      int64   `json:"user_id"`
	Handler     string  `json:"handler,omitempty"` // frontend action
	Target      string  `json:"target"`
	Details     Details `json:"details"`
	Title       string  `json:"tittle"`
	Description string  `json:"description,omitempty"`
	Type        string  `json:"type"`
	Timestamp   float64 `json:"timestamp"`
}

// Notifier hands notifications off for delivery. Implementations must not
// block the caller.
type Notifier interface {
	Notify(n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(Notification) {}

// HubOnline is sent once a hub session has been admitted.
func HubOnline(userID, hubID int64, hubName, ip string, now time.Time) Notification {
	return Notification{
		UserID:    userID,
		Handler:   "connected",
		Target:    "hub",
		Details:   Details{HubID: hubID, IPv4: ip},
		Title:     fmt.Sprintf("%s hub is online", hubName),
		Type:      TypeSuccess,
		Timestamp: data.Timestamp(now),
	}
}

// HubOffline is sent when an admitted session ends normally (peer close or
// timeout).
func HubOffline(userID, hubID int64, hubName, ip string, now time.Time) Notification {
	return Notification{
		UserID:    userID,
		Handler:   "disconnected",
		Target:    "hub",
		Details:   Details{HubID: hubID, IPv4: ip},
		Title:     fmt.Sprintf("%s hub is offline", hubName),
		Type:      TypeWarning,
		Timestamp: data.Timestamp(now),
	}
}

// DuplicateConnection warns the owner that a second connection was refused.
func DuplicateConnection(userID, hubID int64, ip string, now time.Time) Notification {
	return Notification{
		UserID:      userID,
		Target:      "connection",
		Details:     Details{HubID: hubID, IPv4: ip},
		Title:       "Error.",
		Description: "Multiple connections from one hub are not allowed.",
		Type:        TypeAlert,
		Timestamp:   data.Timestamp(now),
	}
}

// ConnectionError reports a session that ended on an unexpected failure.
func ConnectionError(userID, hubID int64, ip string, now time.Time) Notification {
	return Notification{
		UserID:      userID,
		Target:      "connection",
		Details:     Details{HubID: hubID, IPv4: ip},
		Title:       "Error.",
		Description: "Unexpected error.",
		Type:        TypeAlert,
		Timestamp:   data.Timestamp(now),
	}
}
