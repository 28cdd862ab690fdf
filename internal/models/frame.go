package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// FrameDirection marks which way a frame travelled
type FrameDirection string

const (
	FrameDirectionUp   FrameDirection = "UP"
	FrameDirectionDown FrameDirection = "DOWN"
)

// FrameLog represents one transmitted or received frame
type FrameLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DevEUI    lorawan.EUI64   `json:"devEUI" db:"dev_eui"`
	DevAddr   lorawan.DevAddr `json:"devAddr" db:"dev_addr"`
	Direction FrameDirection  `json:"direction" db:"direction"`

	// Frame data
	FCnt      uint32 `json:"fCnt" db:"f_cnt"`
	FPort     *uint8 `json:"fPort,omitempty" db:"f_port"`
	DR        int    `json:"dr" db:"dr"`
	Confirmed bool   `json:"confirmed" db:"confirmed"`
	ACK       bool   `json:"ack" db:"ack"`

	// Application payload after decryption, nil for MAC-only frames
	Data []byte `json:"data,omitempty" db:"data"`

	// Radio metadata
	Frequency uint32  `json:"frequency" db:"frequency"`
	RSSI      int     `json:"rssi" db:"rssi"`
	SNR       float64 `json:"snr" db:"snr"`
}

// NewFrameLog builds a frame log entry with id and timestamp filled in
func NewFrameLog(devEUI lorawan.EUI64, direction FrameDirection) FrameLog {
	return FrameLog{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		DevEUI:    devEUI,
		Direction: direction,
	}
}
