package mac

import (
	"errors"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// Request enqueue errors. Asynchronous outcomes never travel through
// error returns, they arrive as events.
var (
	ErrBusy      = errors.New("mac: request pending")
	ErrNotJoined = errors.New("mac: not joined")
	ErrLength    = errors.New("mac: payload does not fit current data rate")
	ErrClosed    = errors.New("mac: engine closed")
)

// DeviceClass is the operating class held in the MIB
type DeviceClass int

const (
	ClassA DeviceClass = iota
	ClassB
)

func (c DeviceClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	default:
		return "?"
	}
}

// ManagementOp identifies a management request
type ManagementOp int

const (
	OpJoin ManagementOp = iota
	OpLinkCheck
	OpDeviceTime
	OpBeaconTiming
	OpBeaconAcquisition
	OpPingSlotInfo
)

func (o ManagementOp) String() string {
	switch o {
	case OpJoin:
		return "join"
	case OpLinkCheck:
		return "link_check"
	case OpDeviceTime:
		return "device_time"
	case OpBeaconTiming:
		return "beacon_timing"
	case OpBeaconAcquisition:
		return "beacon_acquisition"
	case OpPingSlotInfo:
		return "ping_slot_info"
	default:
		return "unknown"
	}
}

// ManagementParams carries per-operation request parameters
type ManagementParams struct {
	// PingSlotPeriodicity is the periodicity exponent for OpPingSlotInfo
	PingSlotPeriodicity uint8
}

// Status is the outcome of an asynchronous operation
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// EventType selects the event variant
type EventType int

const (
	// EventTxConfirm reports the outcome of an uplink request
	EventTxConfirm EventType = iota
	// EventRxIndication reports a received downlink frame
	EventRxIndication
	// EventManagementConfirm reports the outcome of a management request
	EventManagementConfirm
	// EventManagementIndication reports a network-initiated event
	EventManagementIndication
)

// IndicationKind selects the management indication variant
type IndicationKind int

const (
	// IndScheduleUplink means the network needs an uplink as soon as possible
	IndScheduleUplink IndicationKind = iota
	// IndBeaconLost means the beacon watchdog expired
	IndBeaconLost
	// IndBeaconReceived is beacon telemetry
	IndBeaconReceived
)

func (k IndicationKind) String() string {
	switch k {
	case IndScheduleUplink:
		return "schedule_uplink"
	case IndBeaconLost:
		return "beacon_lost"
	case IndBeaconReceived:
		return "beacon_received"
	default:
		return "unknown"
	}
}

// Event is one MAC outcome delivered on the engine's event channel.
// 按Type取对应的字段, 其余为零值
type Event struct {
	Type   EventType
	Status Status

	// EventTxConfirm
	Ack    bool
	FCntUp uint32

	// EventRxIndication
	RxData       bool // FPort字段存在
	Port         uint8
	Data         []byte
	FramePending bool
	FCntDown     uint32

	// 射频元数据, TxConfirm和RxIndication都会带
	Datarate  int
	Frequency uint32
	RSSI      int
	SNR       float64

	// EventManagementConfirm
	Op     ManagementOp
	Margin uint8
	GwCnt  uint8
	Time   uint32 // device time answer, GPS epoch seconds

	// EventManagementIndication
	Kind       IndicationKind
	BeaconTime uint32
}

// MibParam identifies a MIB entry
type MibParam int

const (
	MibNetworkJoined MibParam = iota
	MibDeviceClass
	MibAdr
	MibPublicNetwork
	MibChannelMask
	MibDefaultChannelMask
	MibNetID
	MibDevAddr
	MibNwkSKey
	MibAppSKey
	MibFCntUp
	MibFCntDown
)

// MibValue is the value side of a MIB get/set. Only the field matching
// the parameter is meaningful.
type MibValue struct {
	Bool    bool
	Class   DeviceClass
	Mask    []uint16
	NetID   [3]byte
	DevAddr lorawan.DevAddr
	Key     lorawan.AES128Key
	Counter uint32
}

// SensorCallbacks are the board sensor getters the engine uses to
// answer network status requests
type SensorCallbacks struct {
	BatteryLevel     func() uint8
	TemperatureLevel func() float32
}

// Engine is the MAC collaborator surface. Enqueue failures are returned
// errors; everything asynchronous arrives on Events().
type Engine interface {
	// Join issues an over-the-air join request. trials bounds the
	// engine-internal retries; values below 1 mean a single attempt.
	Join(trials int) error

	// SendUplink submits a data uplink. An empty payload sends a frame
	// without FPort, flushing pending MAC answers.
	SendUplink(confirmed bool, port uint8, payload []byte, trials int, datarate int) error

	// SendManagement issues a management request
	SendManagement(op ManagementOp, params ManagementParams) error

	// TxPossible reports whether a payload of the given size fits the
	// current data rate together with pending MAC commands
	TxPossible(payloadLen int) error

	GetMib(param MibParam) (MibValue, error)
	SetMib(param MibParam, value MibValue) error

	// Events returns the engine's event channel. It stops delivering
	// after Close; it is never closed.
	Events() <-chan Event

	Close() error
}
