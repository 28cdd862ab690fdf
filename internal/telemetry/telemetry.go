package telemetry

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// MaxPayloadSize is the application payload buffer size
const MaxPayloadSize = 16

var defaultPattern = []byte{0x00, 0x01, 0x02, 0x03}

// Sensors are the board measurement getters. Nil fields fall back to the
// board stubs.
type Sensors struct {
	BatteryLevel func() uint8
	Temperature  func() float32
}

// DefaultSensors returns the board stubs: no battery measurement, a fixed
// 25 degree reading.
func DefaultSensors() Sensors {
	return Sensors{
		BatteryLevel: func() uint8 { return 0 },
		Temperature:  func() float32 { return 25 },
	}
}

func (s *Sensors) fillDefaults() {
	d := DefaultSensors()
	if s.BatteryLevel == nil {
		s.BatteryLevel = d.BatteryLevel
	}
	if s.Temperature == nil {
		s.Temperature = d.Temperature
	}
}

// StaticBuilder repeats a fixed byte pattern on every uplink
type StaticBuilder struct {
	pattern []byte
}

// NewStaticBuilder builds the fixed-pattern payload source. An empty
// pattern means the default 00 01 02 03; anything beyond the payload
// buffer is cut off.
func NewStaticBuilder(pattern []byte) *StaticBuilder {
	if len(pattern) == 0 {
		pattern = defaultPattern
	}
	if len(pattern) > MaxPayloadSize {
		log.Warn().Int("size", len(pattern)).Msg("Static payload truncated")
		pattern = pattern[:MaxPayloadSize]
	}
	return &StaticBuilder{pattern: append([]byte(nil), pattern...)}
}

// Build returns a copy of the pattern
func (b *StaticBuilder) Build() []byte {
	return append([]byte(nil), b.pattern...)
}

// sensorReading is the CBOR uplink payload. Integer keys keep the
// encoding small enough for DR0.
type sensorReading struct {
	Battery     uint8   `cbor:"1,keyasint"`
	Temperature float32 `cbor:"2,keyasint"`
	Uptime      uint32  `cbor:"3,keyasint"`
}

// SensorsBuilder encodes board measurements and uptime as CBOR
type SensorsBuilder struct {
	sensors   Sensors
	startedAt time.Time
}

// NewSensorsBuilder builds the sensor payload source
func NewSensorsBuilder(sensors Sensors) *SensorsBuilder {
	sensors.fillDefaults()
	return &SensorsBuilder{
		sensors:   sensors,
		startedAt: time.Now(),
	}
}

// Build encodes the current readings
func (b *SensorsBuilder) Build() []byte {
	reading := sensorReading{
		Battery:     b.sensors.BatteryLevel(),
		Temperature: b.sensors.Temperature(),
		Uptime:      uint32(time.Since(b.startedAt) / time.Second),
	}

	data, err := cbor.Marshal(reading)
	if err != nil {
		// 这种结构编不出错, 真出错就退回固定负载
		log.Error().Err(err).Msg("Sensor payload encode failed")
		return append([]byte(nil), defaultPattern...)
	}
	return data
}
