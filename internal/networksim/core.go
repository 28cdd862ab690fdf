package networksim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// Unix timestamp of the GPS epoch 1980-01-06T00:00:00Z
const gpsEpochOffset = 315964800

// Config configures the emulated network side
type Config struct {
	NetID   [3]byte
	AppKey  lorawan.AES128Key
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	Region *lorawan.RegionConfiguration

	// DevAddrBase is the first assigned device address
	DevAddrBase uint32

	// DenyJoins drops join requests without an answer
	DenyJoins bool

	// BeaconInterval spaces broadcast beacons, also used for the
	// beacon timing answer
	BeaconInterval time.Duration

	// DevStatusEvery requests device status every N uplinks, 0 disables
	DevStatusEvery int

	LinkMargin   uint8
	GatewayCount uint8
}

// Session is one device's network-side state
type Session struct {
	DevEUI              lorawan.EUI64
	DevAddr             lorawan.DevAddr
	FCntUp              uint32 // 下一个期望的上行计数
	FCntDown            uint32
	PingSlotPeriodicity uint8
	Uplinks             int
	LastSeen            time.Time
}

// Downlink is a frame the network wants transmitted to a device
type Downlink struct {
	DevEUI  lorawan.EUI64
	Payload []byte
}

type queuedApp struct {
	port      uint8
	data      []byte
	confirmed bool
}

// Core is the transport-agnostic network emulator: it consumes raw
// uplink frames and produces the downlink frames a minimal network
// server would answer with.
type Core struct {
	cfg   Config
	start time.Time

	mu        sync.Mutex
	byAddr    map[lorawan.DevAddr]*Session
	byEUI     map[lorawan.EUI64]*Session
	appQueue  map[lorawan.EUI64][]queuedApp
	nextAddr  uint32
	joinNonce uint32
}

// NewCore builds an emulator core
func NewCore(cfg Config) *Core {
	if cfg.Region == nil {
		cfg.Region = lorawan.GetRegionConfiguration("")
	}
	if cfg.DevAddrBase == 0 {
		cfg.DevAddrBase = 0x01000000
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = lorawan.BeaconPeriod
	}
	if cfg.LinkMargin == 0 {
		cfg.LinkMargin = 20
	}
	if cfg.GatewayCount == 0 {
		cfg.GatewayCount = 1
	}

	return &Core{
		cfg:      cfg,
		start:    time.Now(),
		byAddr:   make(map[lorawan.DevAddr]*Session),
		byEUI:    make(map[lorawan.EUI64]*Session),
		appQueue: make(map[lorawan.EUI64][]queuedApp),
	}
}

// Region returns the regional configuration in use
func (c *Core) Region() *lorawan.RegionConfiguration {
	return c.cfg.Region
}

// Sessions returns a snapshot of the device session rows
func (c *Core) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]Session, 0, len(c.byEUI))
	for _, sess := range c.byEUI {
		sessions = append(sessions, *sess)
	}
	return sessions
}

// QueueDownlink enqueues application data for a device. It is flushed
// one frame per uplink, with FramePending set while more remains.
func (c *Core) QueueDownlink(devEUI lorawan.EUI64, port uint8, data []byte, confirmed bool) error {
	if port == 0 {
		return fmt.Errorf("port 0 is reserved for MAC commands")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.appQueue[devEUI] = append(c.appQueue[devEUI], queuedApp{
		port:      port,
		data:      data,
		confirmed: confirmed,
	})
	return nil
}

// HandleUplink processes one received uplink frame and returns the
// downlink to answer with, or nil when the network stays silent.
func (c *Core) HandleUplink(payload []byte) (*Downlink, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("unmarshal uplink: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		return c.handleJoinRequest(&phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return c.handleDataUp(&phy)
	default:
		return nil, fmt.Errorf("unexpected uplink type %d", phy.MHDR.MType)
	}
}

func (c *Core) handleJoinRequest(phy *lorawan.PHYPayload) (*Downlink, error) {
	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		return nil, fmt.Errorf("unmarshal join request: %w", err)
	}

	valid, err := phy.ValidateUplinkJoinMIC(c.cfg.AppKey)
	if err != nil {
		return nil, fmt.Errorf("join request MIC: %w", err)
	}
	if !valid {
		return nil, fmt.Errorf("join request MIC invalid for %s", jr.DevEUI)
	}

	if c.cfg.DenyJoins {
		log.Info().Str("dev_eui", jr.DevEUI.String()).Msg("Join denied by configuration")
		return nil, nil
	}

	sess := c.byEUI[jr.DevEUI]
	if sess == nil {
		c.nextAddr++
		var addr lorawan.DevAddr
		binary.BigEndian.PutUint32(addr[:], c.cfg.DevAddrBase+c.nextAddr)

		sess = &Session{
			DevEUI:  jr.DevEUI,
			DevAddr: addr,
		}
		c.byEUI[jr.DevEUI] = sess
		c.byAddr[addr] = sess
	}

	// 重新入网, 会话计数清零
	sess.FCntUp = 0
	sess.FCntDown = 0
	sess.Uplinks = 0
	sess.LastSeen = time.Now()

	c.joinNonce++
	accept := &lorawan.JoinAcceptPayload{
		NetID:   c.cfg.NetID,
		DevAddr: sess.DevAddr,
		DLSettings: lorawan.DLSettings{
			RX1DROffset: 0,
			RX2DataRate: uint8(c.cfg.Region.DefaultRX2DR),
		},
		RxDelay: 1,
	}
	accept.JoinNonce[0] = byte(c.joinNonce)
	accept.JoinNonce[1] = byte(c.joinNonce >> 8)
	accept.JoinNonce[2] = byte(c.joinNonce >> 16)

	macData, err := accept.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal join accept: %w", err)
	}

	out := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
		MACPayload: macData,
	}
	if err := out.SetJoinAcceptMIC(c.cfg.AppKey); err != nil {
		return nil, fmt.Errorf("join accept MIC: %w", err)
	}
	if err := out.EncryptJoinAcceptPayload(c.cfg.AppKey); err != nil {
		return nil, fmt.Errorf("encrypt join accept: %w", err)
	}

	wire, err := out.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal join accept: %w", err)
	}

	log.Info().
		Str("dev_eui", jr.DevEUI.String()).
		Str("dev_addr", sess.DevAddr.String()).
		Msg("Join accepted")

	return &Downlink{DevEUI: jr.DevEUI, Payload: wire}, nil
}

func (c *Core) handleDataUp(phy *lorawan.PHYPayload) (*Downlink, error) {
	var mp lorawan.MACPayload
	if err := mp.Unmarshal(phy.MACPayload, phy.MHDR.MType, true); err != nil {
		return nil, fmt.Errorf("unmarshal uplink payload: %w", err)
	}

	sess := c.byAddr[mp.FHDR.DevAddr]
	if sess == nil {
		return nil, fmt.Errorf("unknown device address %s", mp.FHDR.DevAddr)
	}

	fullFCnt := lorawan.GetFullFCnt(sess.FCntUp, mp.FHDR.FCnt)
	valid, err := phy.ValidateUplinkDataMIC(lorawan.LoRaWAN1_0, fullFCnt, 0, 0, c.cfg.NwkSKey, c.cfg.NwkSKey)
	if err != nil {
		return nil, fmt.Errorf("uplink MIC: %w", err)
	}
	if !valid {
		return nil, fmt.Errorf("uplink MIC invalid for %s", sess.DevEUI)
	}

	sess.FCntUp = fullFCnt + 1
	sess.Uplinks++
	sess.LastSeen = time.Now()

	cmdBytes := mp.FHDR.FOpts
	if mp.FPort != nil {
		key := c.cfg.AppSKey
		if *mp.FPort == 0 {
			key = c.cfg.NwkSKey
		}
		dec, err := lorawan.EncryptFRMPayload(key[:], sess.DevAddr, fullFCnt, true, mp.FRMPayload)
		if err != nil {
			return nil, fmt.Errorf("decrypt uplink payload: %w", err)
		}

		if *mp.FPort == 0 {
			cmdBytes = dec
		} else {
			log.Info().
				Str("dev_eui", sess.DevEUI.String()).
				Uint8("port", *mp.FPort).
				Uint32("fcnt_up", fullFCnt).
				Hex("data", dec).
				Msg("Application uplink")
		}
	}

	answers := c.processUplinkCommands(sess, cmdBytes)

	if c.cfg.DevStatusEvery > 0 && sess.Uplinks%c.cfg.DevStatusEvery == 0 {
		answers = append(answers, lorawan.MACCommand{CID: lorawan.DevStatusReq})
	}

	confirmed := phy.MHDR.MType == lorawan.ConfirmedDataUp
	queue := c.appQueue[sess.DevEUI]

	if !confirmed && len(answers) == 0 && len(queue) == 0 {
		return nil, nil
	}

	return c.buildDownlink(sess, confirmed, answers)
}

// buildDownlink assembles one downlink frame: MAC answers in FOpts, the
// head of the application queue as FRMPayload, ACK and FramePending as
// needed.
func (c *Core) buildDownlink(sess *Session, ack bool, answers []lorawan.MACCommand) (*Downlink, error) {
	fopts, err := lorawan.EncodeMACCommands(answers)
	if err != nil {
		return nil, fmt.Errorf("encode MAC answers: %w", err)
	}
	if len(fopts) > 15 {
		log.Warn().Int("size", len(fopts)).Msg("MAC answers exceed FOpts, dropping them")
		fopts = nil
	}

	mp := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: sess.DevAddr,
			FCtrl:   lorawan.FCtrl{ACK: ack},
			FCnt:    uint16(sess.FCntDown),
			FOpts:   fopts,
		},
	}

	dlType := lorawan.UnconfirmedDataDown

	queue := c.appQueue[sess.DevEUI]
	if len(queue) > 0 {
		item := queue[0]
		c.appQueue[sess.DevEUI] = queue[1:]
		mp.FHDR.FCtrl.FPending = len(queue) > 1

		port := item.port
		mp.FPort = &port

		enc, err := lorawan.EncryptFRMPayload(c.cfg.AppSKey[:], sess.DevAddr, sess.FCntDown, false, item.data)
		if err != nil {
			return nil, fmt.Errorf("encrypt downlink payload: %w", err)
		}
		mp.FRMPayload = enc

		if item.confirmed {
			dlType = lorawan.ConfirmedDataDown
		}
	}

	macData, err := mp.Marshal(dlType, false)
	if err != nil {
		return nil, fmt.Errorf("marshal downlink: %w", err)
	}

	out := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: dlType, Major: lorawan.LoRaWAN1_0},
		MACPayload: macData,
	}
	if err := out.SetDownlinkDataMIC(lorawan.LoRaWAN1_0, sess.FCntDown, c.cfg.NwkSKey); err != nil {
		return nil, fmt.Errorf("downlink MIC: %w", err)
	}
	sess.FCntDown++

	wire, err := out.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal downlink: %w", err)
	}

	return &Downlink{DevEUI: sess.DevEUI, Payload: wire}, nil
}

// processUplinkCommands answers the device's MAC commands
func (c *Core) processUplinkCommands(sess *Session, data []byte) []lorawan.MACCommand {
	if len(data) == 0 {
		return nil
	}

	cmds, err := lorawan.ParseMACCommands(true, data)
	if err != nil {
		log.Warn().Err(err).Str("dev_eui", sess.DevEUI.String()).Msg("Dropping unparsable MAC commands")
		return nil
	}

	var answers []lorawan.MACCommand

	for _, cmd := range cmds {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			answers = append(answers, lorawan.MACCommand{
				CID:     lorawan.LinkCheckAns,
				Payload: []byte{c.cfg.LinkMargin, c.cfg.GatewayCount},
			})

		case lorawan.DeviceTimeReq:
			payload := make([]byte, 5)
			binary.LittleEndian.PutUint32(payload[0:4], gpsSeconds(time.Now()))
			answers = append(answers, lorawan.MACCommand{
				CID:     lorawan.DeviceTimeAns,
				Payload: payload,
			})

		case lorawan.BeaconTimingReq:
			// 到下一个信标的延迟, 30ms为单位
			elapsed := time.Since(c.start) % c.cfg.BeaconInterval
			remaining := c.cfg.BeaconInterval - elapsed
			payload := make([]byte, 3)
			binary.LittleEndian.PutUint16(payload[0:2], uint16(remaining/(30*time.Millisecond)))
			payload[2] = 0
			answers = append(answers, lorawan.MACCommand{
				CID:     lorawan.BeaconTimingAns,
				Payload: payload,
			})

		case lorawan.PingSlotInfoReq:
			sess.PingSlotPeriodicity = cmd.Payload[0] & 0x07
			answers = append(answers, lorawan.MACCommand{CID: lorawan.PingSlotInfoAns})
			log.Info().
				Str("dev_eui", sess.DevEUI.String()).
				Uint8("periodicity", sess.PingSlotPeriodicity).
				Msg("Ping slot negotiated")

		case lorawan.DevStatusAns:
			log.Info().
				Str("dev_eui", sess.DevEUI.String()).
				Uint8("battery", cmd.Payload[0]).
				Uint8("margin", cmd.Payload[1]).
				Msg("Device status answer")

		case lorawan.LinkADRAns:
			log.Debug().Uint8("status", cmd.Payload[0]).Msg("Link ADR answer")

		default:
			log.Debug().Uint8("cid", cmd.CID).Msg("Ignoring MAC command")
		}
	}

	return answers
}

// BeaconFrame builds the broadcast beacon for the given instant
func (c *Core) BeaconFrame(now time.Time) ([]byte, error) {
	beacon := &lorawan.Beacon{
		Time:     gpsSeconds(now),
		InfoDesc: 0,
	}
	return beacon.MarshalBinary()
}

func gpsSeconds(t time.Time) uint32 {
	return uint32(t.Unix() - gpsEpochOffset)
}
