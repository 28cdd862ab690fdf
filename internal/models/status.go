package models

import (
	"time"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// StatusSnapshot is the control API view of the device control loop
type StatusSnapshot struct {
	Name   string        `json:"name"`
	DevEUI lorawan.EUI64 `json:"devEUI"`
	Region string        `json:"region"`

	LifecycleState string `json:"lifecycleState"`
	WakeUpState    string `json:"wakeUpState"`
	NextTx         bool   `json:"nextTx"`

	DeviceClass string          `json:"deviceClass"`
	Joined      bool            `json:"joined"`
	DevAddr     lorawan.DevAddr `json:"devAddr"`
	FCntUp      uint32          `json:"fCntUp"`
	FCntDown    uint32          `json:"fCntDown"`

	TxDutyCycleMs int64      `json:"txDutyCycleMs"`
	NextFireAt    *time.Time `json:"nextFireAt,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
}
