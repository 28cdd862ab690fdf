package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// DeviceEvent represents one entry in the node event log
type DeviceEvent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DevEUI lorawan.EUI64 `json:"devEUI" db:"dev_eui"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	EventTypeJoin        EventType = "JOIN"
	EventTypeJoinFail    EventType = "JOIN_FAIL"
	EventTypeUplink      EventType = "UPLINK"
	EventTypeDownlink    EventType = "DOWNLINK"
	EventTypeAck         EventType = "ACK"
	EventTypeClassSwitch EventType = "CLASS_SWITCH"
	EventTypeBeacon      EventType = "BEACON"
	EventTypeBeaconLost  EventType = "BEACON_LOST"
	EventTypeLinkCheck   EventType = "LINK_CHECK"
	EventTypeError       EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// NewDeviceEvent builds an event with id and timestamp filled in
func NewDeviceEvent(devEUI lorawan.EUI64, typ EventType, level EventLevel, description string, details Variables) DeviceEvent {
	return DeviceEvent{
		ID:          uuid.New(),
		CreatedAt:   time.Now().UTC(),
		DevEUI:      devEUI,
		Type:        typ,
		Level:       level,
		Description: description,
		Details:     details,
	}
}
