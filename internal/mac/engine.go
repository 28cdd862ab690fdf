package mac

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/internal/radio"
	"github.com/lorawan-node/classb-node/pkg/crypto"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// EngineConfig configures the radio engine
type EngineConfig struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key

	// 会话密钥来自配置, 入网只做消息级交换不派生密钥
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	Region   *lorawan.RegionConfiguration
	Datarate int

	// RxWindow is how long downlink answers are awaited after an uplink
	RxWindow time.Duration
	// JoinTimeout is the per-attempt join accept window
	JoinTimeout time.Duration
	// BeaconSearchWindow bounds one beacon acquisition
	BeaconSearchWindow time.Duration
	// BeaconLostAfter is the watchdog deadline between beacons
	BeaconLostAfter time.Duration

	Sensors SensorCallbacks
}

// RadioEngine is a behavioral MAC engine over a radio link. Uplinks are
// real LoRaWAN frames with piggybacked MAC commands; downlinks are MIC
// checked and decrypted; management requests resolve when the matching
// answer arrives or the receive window closes.
type RadioEngine struct {
	cfg  EngineConfig
	link radio.Link

	mu sync.Mutex

	joined   bool
	devAddr  lorawan.DevAddr
	netID    [3]byte
	nwkSKey  lorawan.AES128Key
	appSKey  lorawan.AES128Key
	fCntUp   uint32
	fCntDown uint32 // 下一个期望的下行计数

	class       DeviceClass
	adr         bool
	public      bool
	channelMask []uint16
	defaultMask []uint16
	datarate    int

	pendingJoin   *joinAttempt
	pendingUplink *uplinkAttempt
	pendingOps    map[ManagementOp]*opState
	queuedCmds    []lorawan.MACCommand
	ackPending    bool
	lastSNR       float64

	searching bool
	searchSeq int
	searchTmr *time.Timer
	watching  bool
	watchTmr  *time.Timer

	events chan Event
	quit   chan struct{}
	closed bool
}

type joinAttempt struct {
	trials  int
	attempt int
	timer   *time.Timer
}

type uplinkAttempt struct {
	confirmed bool
	wire      []byte
	frequency uint32
	trials    int
	attempt   int
	fcnt      uint32
	timer     *time.Timer
	carried   []ManagementOp
}

type opState struct {
	params  ManagementParams
	carried bool
}

// NewRadioEngine builds the engine and starts its receive loop
func NewRadioEngine(cfg EngineConfig, link radio.Link) *RadioEngine {
	if cfg.Region == nil {
		cfg.Region = lorawan.GetRegionConfiguration("")
	}
	if cfg.Region.ValidateDataRate(cfg.Datarate) != nil {
		cfg.Datarate = cfg.Region.DefaultDataRate
	}
	if cfg.RxWindow <= 0 {
		cfg.RxWindow = 3 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 6 * time.Second
	}
	if cfg.BeaconSearchWindow <= 0 {
		cfg.BeaconSearchWindow = lorawan.BeaconPeriod + 2*time.Second
	}
	if cfg.BeaconLostAfter <= 0 {
		cfg.BeaconLostAfter = 3 * lorawan.BeaconPeriod
	}
	if cfg.Sensors.BatteryLevel == nil {
		cfg.Sensors.BatteryLevel = func() uint8 { return 0 }
	}
	if cfg.Sensors.TemperatureLevel == nil {
		cfg.Sensors.TemperatureLevel = func() float32 { return 25 }
	}

	e := &RadioEngine{
		cfg:         cfg,
		link:        link,
		nwkSKey:     cfg.NwkSKey,
		appSKey:     cfg.AppSKey,
		class:       ClassA,
		channelMask: cfg.Region.DefaultMask(),
		defaultMask: cfg.Region.DefaultMask(),
		datarate:    cfg.Datarate,
		pendingOps:  make(map[ManagementOp]*opState),
		events:      make(chan Event, 32),
		quit:        make(chan struct{}),
	}

	go e.run()

	return e
}

// Events returns the event channel
func (e *RadioEngine) Events() <-chan Event {
	return e.events
}

// Close stops the engine. Outstanding requests never resolve afterwards.
func (e *RadioEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.searchTmr != nil {
		e.searchTmr.Stop()
	}
	if e.watchTmr != nil {
		e.watchTmr.Stop()
	}
	if e.pendingJoin != nil && e.pendingJoin.timer != nil {
		e.pendingJoin.timer.Stop()
	}
	if e.pendingUplink != nil && e.pendingUplink.timer != nil {
		e.pendingUplink.timer.Stop()
	}
	close(e.quit)
	e.mu.Unlock()
	return nil
}

func (e *RadioEngine) emit(events ...Event) {
	for _, ev := range events {
		select {
		case e.events <- ev:
		case <-e.quit:
			return
		}
	}
}

func (e *RadioEngine) run() {
	for {
		select {
		case <-e.quit:
			return
		case frame, ok := <-e.link.Frames():
			if !ok {
				return
			}
			switch frame.Kind {
			case radio.FrameBeacon:
				e.handleBeacon(frame)
			default:
				e.handleDownlink(frame)
			}
		}
	}
}

// ---- requests ----

// Join issues an over-the-air join request
func (e *RadioEngine) Join(trials int) error {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pendingJoin != nil || e.pendingUplink != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	if trials < 1 {
		trials = 1
	}

	attempt := &joinAttempt{trials: trials}
	e.pendingJoin = attempt

	if err := e.sendJoinLocked(attempt); err != nil {
		e.pendingJoin = nil
		e.mu.Unlock()
		return err
	}

	e.mu.Unlock()
	return nil
}

// sendJoinLocked builds and transmits one join request attempt
func (e *RadioEngine) sendJoinLocked(attempt *joinAttempt) error {
	nonce, err := crypto.GenerateDevNonce()
	if err != nil {
		return fmt.Errorf("generate DevNonce: %w", err)
	}

	jr := &lorawan.JoinRequestPayload{
		JoinEUI:  e.cfg.JoinEUI,
		DevEUI:   e.cfg.DevEUI,
		DevNonce: nonce,
	}

	macData, err := jr.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal join request: %w", err)
	}

	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		MACPayload: macData,
	}
	if err := phy.SetUplinkJoinMIC(e.cfg.AppKey); err != nil {
		return fmt.Errorf("join request MIC: %w", err)
	}

	wire, err := phy.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal join request: %w", err)
	}

	freq := e.pickChannelLocked()
	if err := e.link.Send(radio.Frame{
		Kind:      radio.FrameData,
		Payload:   wire,
		Frequency: freq,
		DR:        e.datarate,
	}); err != nil {
		return fmt.Errorf("send join request: %w", err)
	}

	attempt.attempt++
	attemptNo := attempt.attempt
	attempt.timer = time.AfterFunc(e.cfg.JoinTimeout, func() {
		e.onJoinTimeout(attempt, attemptNo)
	})

	log.Info().
		Str("dev_eui", e.cfg.DevEUI.String()).
		Int("attempt", attempt.attempt).
		Int("trials", attempt.trials).
		Msg("Join request sent")

	return nil
}

func (e *RadioEngine) onJoinTimeout(attempt *joinAttempt, attemptNo int) {
	e.mu.Lock()

	if e.closed || e.pendingJoin != attempt || attempt.attempt != attemptNo {
		e.mu.Unlock()
		return
	}

	if attempt.attempt < attempt.trials {
		if err := e.sendJoinLocked(attempt); err != nil {
			log.Warn().Err(err).Msg("Join retry failed")
			e.pendingJoin = nil
			e.mu.Unlock()
			e.emit(Event{Type: EventManagementConfirm, Op: OpJoin, Status: StatusError})
			return
		}
		e.mu.Unlock()
		return
	}

	// 重试次数用尽
	e.pendingJoin = nil
	e.mu.Unlock()

	log.Warn().Int("trials", attempt.trials).Msg("Join attempts exhausted")
	e.emit(Event{Type: EventManagementConfirm, Op: OpJoin, Status: StatusTimeout})
}

// SendUplink submits a data uplink carrying any queued MAC commands
func (e *RadioEngine) SendUplink(confirmed bool, port uint8, payload []byte, trials int, datarate int) error {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.joined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	if e.pendingUplink != nil || e.pendingJoin != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	if e.cfg.Region.ValidateDataRate(datarate) == nil {
		e.datarate = datarate
	}
	if err := e.txPossibleLocked(len(payload)); err != nil {
		e.mu.Unlock()
		return err
	}
	if trials < 1 {
		trials = 1
	}

	wire, carried, fcnt, err := e.buildUplinkLocked(confirmed, port, payload)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	attempt := &uplinkAttempt{
		confirmed: confirmed,
		wire:      wire,
		frequency: e.pickChannelLocked(),
		trials:    trials,
		fcnt:      fcnt,
		carried:   carried,
	}

	if err := e.link.Send(radio.Frame{
		Kind:      radio.FrameData,
		Payload:   wire,
		Frequency: attempt.frequency,
		DR:        e.datarate,
	}); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("send uplink: %w", err)
	}

	e.pendingUplink = attempt
	attempt.attempt = 1
	attemptNo := attempt.attempt
	attempt.timer = time.AfterFunc(e.cfg.RxWindow, func() {
		e.onRxWindowClosed(attempt, attemptNo)
	})

	log.Info().
		Uint32("fcnt_up", fcnt).
		Bool("confirmed", confirmed).
		Int("size", len(payload)).
		Int("dr", e.datarate).
		Msg("Uplink sent")

	e.mu.Unlock()
	return nil
}

// buildUplinkLocked assembles the wire frame and consumes the MAC
// command queue. Returns the frame, the management ops it carries and
// the frame counter used.
func (e *RadioEngine) buildUplinkLocked(confirmed bool, port uint8, payload []byte) ([]byte, []ManagementOp, uint32, error) {
	fopts, err := lorawan.EncodeMACCommands(e.queuedCmds)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("encode MAC commands: %w", err)
	}

	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	mp := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: e.devAddr,
			FCtrl: lorawan.FCtrl{
				ADR:    e.adr,
				ACK:    e.ackPending,
				ClassB: e.class == ClassB,
			},
			FCnt:  uint16(e.fCntUp),
			FOpts: fopts,
		},
	}

	if len(payload) > 0 {
		p := port
		mp.FPort = &p

		key := e.appSKey
		if port == 0 {
			key = e.nwkSKey
		}
		enc, err := lorawan.EncryptFRMPayload(key[:], e.devAddr, e.fCntUp, true, payload)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("encrypt payload: %w", err)
		}
		mp.FRMPayload = enc
	}

	macData, err := mp.Marshal(mtype, true)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("marshal uplink: %w", err)
	}

	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: macData,
	}
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, e.fCntUp, byte(e.datarate), 0, e.nwkSKey, e.nwkSKey); err != nil {
		return nil, nil, 0, fmt.Errorf("uplink MIC: %w", err)
	}

	wire, err := phy.MarshalBinary()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("marshal uplink: %w", err)
	}

	// 排队的管理请求随这帧出门
	var carried []ManagementOp
	for op, st := range e.pendingOps {
		if !st.carried {
			st.carried = true
			carried = append(carried, op)
		}
	}

	fcnt := e.fCntUp
	e.fCntUp++
	e.queuedCmds = nil
	e.ackPending = false

	return wire, carried, fcnt, nil
}

// onRxWindowClosed fires when no downlink ended the receive window
func (e *RadioEngine) onRxWindowClosed(attempt *uplinkAttempt, attemptNo int) {
	e.mu.Lock()

	if e.closed || e.pendingUplink != attempt || attempt.attempt != attemptNo {
		e.mu.Unlock()
		return
	}

	if attempt.confirmed && attempt.attempt < attempt.trials {
		// 确认帧未收到ACK, 原样重发
		if err := e.link.Send(radio.Frame{
			Kind:      radio.FrameData,
			Payload:   attempt.wire,
			Frequency: attempt.frequency,
			DR:        e.datarate,
		}); err == nil {
			attempt.attempt++
			nextNo := attempt.attempt
			attempt.timer = time.AfterFunc(e.cfg.RxWindow, func() {
				e.onRxWindowClosed(attempt, nextNo)
			})
			log.Debug().Uint32("fcnt_up", attempt.fcnt).Int("attempt", attempt.attempt).Msg("Uplink retransmission")
			e.mu.Unlock()
			return
		}
		log.Warn().Msg("Uplink retransmission failed")
	}

	e.pendingUplink = nil
	events := e.resolveCarriedLocked(attempt, nil)

	status := StatusOK
	if attempt.confirmed {
		status = StatusTimeout
	}
	events = append(events, Event{
		Type:      EventTxConfirm,
		Status:    status,
		Ack:       false,
		Datarate:  e.datarate,
		FCntUp:    attempt.fcnt,
		Frequency: attempt.frequency,
	})

	e.mu.Unlock()
	e.emit(events...)
}

// resolveCarriedLocked fails every carried management op that the given
// answered set does not cover
func (e *RadioEngine) resolveCarriedLocked(attempt *uplinkAttempt, answered map[ManagementOp]bool) []Event {
	var events []Event

	for _, op := range attempt.carried {
		if answered[op] {
			continue
		}
		if _, ok := e.pendingOps[op]; !ok {
			continue
		}
		delete(e.pendingOps, op)
		events = append(events, Event{
			Type:   EventManagementConfirm,
			Op:     op,
			Status: StatusTimeout,
		})
	}

	return events
}

// SendManagement issues a management request. FOpts based operations
// are queued onto the next uplink; beacon acquisition starts a search.
func (e *RadioEngine) SendManagement(op ManagementOp, params ManagementParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if op == OpBeaconAcquisition {
		if e.searching {
			return ErrBusy
		}
		e.searching = true
		e.searchSeq++
		seq := e.searchSeq
		e.searchTmr = time.AfterFunc(e.cfg.BeaconSearchWindow, func() {
			e.onBeaconSearchTimeout(seq)
		})
		log.Info().Dur("window", e.cfg.BeaconSearchWindow).Msg("Beacon search started")
		return nil
	}

	if !e.joined {
		return ErrNotJoined
	}
	if _, dup := e.pendingOps[op]; dup {
		return ErrBusy
	}

	var cmd lorawan.MACCommand
	switch op {
	case OpLinkCheck:
		cmd = lorawan.MACCommand{CID: lorawan.LinkCheckReq}
	case OpDeviceTime:
		cmd = lorawan.MACCommand{CID: lorawan.DeviceTimeReq}
	case OpBeaconTiming:
		cmd = lorawan.MACCommand{CID: lorawan.BeaconTimingReq}
	case OpPingSlotInfo:
		cmd = lorawan.MACCommand{CID: lorawan.PingSlotInfoReq, Payload: []byte{params.PingSlotPeriodicity & 0x07}}
	default:
		return fmt.Errorf("mac: management op %s not supported", op)
	}

	if err := e.queueCmdLocked(cmd); err != nil {
		return err
	}
	e.pendingOps[op] = &opState{params: params}

	log.Debug().Str("op", op.String()).Msg("Management request queued")
	return nil
}

// queueCmdLocked appends a MAC command, bounded by the 15 byte FOpts field
func (e *RadioEngine) queueCmdLocked(cmd lorawan.MACCommand) error {
	size := 0
	for _, c := range e.queuedCmds {
		size += 1 + len(c.Payload)
	}
	if size+1+len(cmd.Payload) > 15 {
		return ErrLength
	}
	e.queuedCmds = append(e.queuedCmds, cmd)
	return nil
}

func (e *RadioEngine) onBeaconSearchTimeout(seq int) {
	e.mu.Lock()

	if e.closed || !e.searching || e.searchSeq != seq {
		e.mu.Unlock()
		return
	}
	e.searching = false
	e.mu.Unlock()

	log.Warn().Msg("Beacon not found in search window")
	e.emit(Event{Type: EventManagementConfirm, Op: OpBeaconAcquisition, Status: StatusTimeout})
}

// TxPossible reports whether payloadLen fits the current data rate
// together with the queued MAC commands
func (e *RadioEngine) TxPossible(payloadLen int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.joined {
		return ErrNotJoined
	}
	return e.txPossibleLocked(payloadLen)
}

func (e *RadioEngine) txPossibleLocked(payloadLen int) error {
	max, err := e.cfg.Region.MaxPayloadSize(e.datarate)
	if err != nil {
		return err
	}

	foptsLen := 0
	for _, c := range e.queuedCmds {
		foptsLen += 1 + len(c.Payload)
	}

	if payloadLen > max-foptsLen {
		return ErrLength
	}
	return nil
}

// pickChannelLocked selects a random enabled uplink channel frequency
func (e *RadioEngine) pickChannelLocked() uint32 {
	enabled := e.cfg.Region.EnabledChannels(e.channelMask)
	if len(enabled) == 0 {
		enabled = e.cfg.Region.EnabledChannels(e.defaultMask)
	}
	if len(enabled) == 0 {
		return e.cfg.Region.UplinkChannels[0].Frequency
	}

	idx := enabled[rand.Intn(len(enabled))]
	freq, err := e.cfg.Region.ChannelFrequency(idx)
	if err != nil {
		return e.cfg.Region.UplinkChannels[0].Frequency
	}
	return freq
}

// ---- MIB ----

// GetMib reads a MIB entry
func (e *RadioEngine) GetMib(param MibParam) (MibValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch param {
	case MibNetworkJoined:
		return MibValue{Bool: e.joined}, nil
	case MibDeviceClass:
		return MibValue{Class: e.class}, nil
	case MibAdr:
		return MibValue{Bool: e.adr}, nil
	case MibPublicNetwork:
		return MibValue{Bool: e.public}, nil
	case MibChannelMask:
		mask := make([]uint16, len(e.channelMask))
		copy(mask, e.channelMask)
		return MibValue{Mask: mask}, nil
	case MibDefaultChannelMask:
		mask := make([]uint16, len(e.defaultMask))
		copy(mask, e.defaultMask)
		return MibValue{Mask: mask}, nil
	case MibNetID:
		return MibValue{NetID: e.netID}, nil
	case MibDevAddr:
		return MibValue{DevAddr: e.devAddr}, nil
	case MibNwkSKey:
		return MibValue{Key: e.nwkSKey}, nil
	case MibAppSKey:
		return MibValue{Key: e.appSKey}, nil
	case MibFCntUp:
		return MibValue{Counter: e.fCntUp}, nil
	case MibFCntDown:
		return MibValue{Counter: e.fCntDown}, nil
	default:
		return MibValue{}, fmt.Errorf("mac: unknown MIB parameter %d", param)
	}
}

// SetMib writes a MIB entry
func (e *RadioEngine) SetMib(param MibParam, value MibValue) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch param {
	case MibNetworkJoined:
		e.joined = value.Bool
	case MibDeviceClass:
		e.class = value.Class
		if value.Class == ClassA && e.watching {
			// 降级回A类后不再盯信标
			e.watching = false
			if e.watchTmr != nil {
				e.watchTmr.Stop()
			}
		}
	case MibAdr:
		e.adr = value.Bool
	case MibPublicNetwork:
		e.public = value.Bool
	case MibChannelMask:
		if err := e.cfg.Region.ValidateChannelMask(value.Mask); err != nil {
			return err
		}
		e.channelMask = make([]uint16, len(value.Mask))
		copy(e.channelMask, value.Mask)
	case MibDefaultChannelMask:
		if err := e.cfg.Region.ValidateChannelMask(value.Mask); err != nil {
			return err
		}
		e.defaultMask = make([]uint16, len(value.Mask))
		copy(e.defaultMask, value.Mask)
	case MibNetID:
		e.netID = value.NetID
	case MibDevAddr:
		e.devAddr = value.DevAddr
	case MibNwkSKey:
		e.nwkSKey = value.Key
	case MibAppSKey:
		e.appSKey = value.Key
	case MibFCntUp:
		e.fCntUp = value.Counter
	case MibFCntDown:
		e.fCntDown = value.Counter
	default:
		return fmt.Errorf("mac: unknown MIB parameter %d", param)
	}

	return nil
}

// ---- receive path ----

func (e *RadioEngine) handleBeacon(frame radio.Frame) {
	var beacon lorawan.Beacon
	if err := beacon.UnmarshalBinary(frame.Payload); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed beacon")
		return
	}

	e.mu.Lock()

	var events []Event
	switch {
	case e.searching:
		e.searching = false
		if e.searchTmr != nil {
			e.searchTmr.Stop()
		}
		e.watching = true
		e.watchTmr = time.AfterFunc(e.cfg.BeaconLostAfter, e.onBeaconLost)

		events = append(events,
			Event{Type: EventManagementConfirm, Op: OpBeaconAcquisition, Status: StatusOK, Time: beacon.Time},
			Event{Type: EventManagementIndication, Kind: IndBeaconReceived, Status: StatusOK, BeaconTime: beacon.Time, RSSI: frame.RSSI, SNR: frame.SNR},
		)
	case e.watching:
		e.watchTmr.Reset(e.cfg.BeaconLostAfter)
		events = append(events, Event{
			Type: EventManagementIndication, Kind: IndBeaconReceived, Status: StatusOK,
			BeaconTime: beacon.Time, RSSI: frame.RSSI, SNR: frame.SNR,
		})
	default:
		// 既不在搜索也不在B类, 不理会广播
	}

	e.mu.Unlock()
	e.emit(events...)
}

func (e *RadioEngine) onBeaconLost() {
	e.mu.Lock()

	if e.closed || !e.watching {
		e.mu.Unlock()
		return
	}
	e.watching = false
	e.mu.Unlock()

	log.Warn().Msg("Beacon watchdog expired")
	e.emit(Event{Type: EventManagementIndication, Kind: IndBeaconLost, Status: StatusError})
}

func (e *RadioEngine) handleDownlink(frame radio.Frame) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame.Payload); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed downlink")
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinAccept:
		e.handleJoinAccept(phy)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		e.handleDataDown(phy, frame)
	default:
		log.Debug().Int("mtype", int(phy.MHDR.MType)).Msg("Ignoring unexpected downlink type")
	}
}

func (e *RadioEngine) handleJoinAccept(phy lorawan.PHYPayload) {
	e.mu.Lock()

	if e.pendingJoin == nil {
		e.mu.Unlock()
		return
	}

	if err := phy.DecryptJoinAcceptPayload(e.cfg.AppKey); err != nil {
		e.mu.Unlock()
		log.Warn().Err(err).Msg("Join accept decrypt failed")
		return
	}

	valid, err := phy.ValidateJoinAcceptMIC(e.cfg.AppKey)
	if err != nil || !valid {
		e.mu.Unlock()
		log.Warn().Msg("Join accept MIC invalid")
		return
	}

	var accept lorawan.JoinAcceptPayload
	if err := accept.UnmarshalBinary(phy.MACPayload); err != nil {
		e.mu.Unlock()
		log.Warn().Err(err).Msg("Join accept malformed")
		return
	}

	if e.pendingJoin.timer != nil {
		e.pendingJoin.timer.Stop()
	}
	e.pendingJoin = nil

	e.joined = true
	e.devAddr = accept.DevAddr
	e.netID = accept.NetID
	e.fCntUp = 0
	e.fCntDown = 0
	if e.cfg.Region.ValidateDataRate(int(accept.DLSettings.RX2DataRate)) == nil && accept.DLSettings.RX2DataRate > 0 {
		// 网络指定的RX2速率只记录, 行为层不开接收窗
		log.Debug().Uint8("rx2_dr", accept.DLSettings.RX2DataRate).Msg("Join accept DL settings")
	}

	e.mu.Unlock()

	log.Info().
		Str("dev_addr", accept.DevAddr.String()).
		Msg("Join accept received")

	e.emit(Event{Type: EventManagementConfirm, Op: OpJoin, Status: StatusOK})
}

func (e *RadioEngine) handleDataDown(phy lorawan.PHYPayload, frame radio.Frame) {
	e.mu.Lock()

	if !e.joined {
		e.mu.Unlock()
		return
	}

	var mp lorawan.MACPayload
	if err := mp.Unmarshal(phy.MACPayload, phy.MHDR.MType, false); err != nil {
		e.mu.Unlock()
		log.Warn().Err(err).Msg("Dropping malformed downlink payload")
		return
	}

	if mp.FHDR.DevAddr != e.devAddr {
		e.mu.Unlock()
		return
	}

	fullFCnt := lorawan.GetFullFCnt(e.fCntDown, mp.FHDR.FCnt)
	valid, err := phy.ValidateDownlinkDataMIC(lorawan.LoRaWAN1_0, fullFCnt, e.nwkSKey)
	if err != nil || !valid {
		e.mu.Unlock()
		log.Warn().Uint32("fcnt_down", fullFCnt).Msg("Downlink MIC invalid")
		e.emit(Event{Type: EventRxIndication, Status: StatusError})
		return
	}

	e.fCntDown = fullFCnt + 1
	e.lastSNR = frame.SNR

	var events []Event

	// MAC命令: FOpts里, 或port 0时整个FRMPayload
	cmdBytes := mp.FHDR.FOpts
	if mp.FPort != nil && *mp.FPort == 0 {
		dec, err := lorawan.EncryptFRMPayload(e.nwkSKey[:], e.devAddr, fullFCnt, false, mp.FRMPayload)
		if err == nil {
			cmdBytes = dec
		}
	}
	answered, cmdEvents := e.processMACCommandsLocked(cmdBytes)
	events = append(events, cmdEvents...)

	if phy.MHDR.MType == lorawan.ConfirmedDataDown {
		e.ackPending = true
	}

	// 下行关闭了本次接收窗
	if ul := e.pendingUplink; ul != nil {
		resolved := false
		ackReceived := false

		if ul.confirmed {
			if mp.FHDR.FCtrl.ACK {
				resolved = true
				ackReceived = true
			}
		} else {
			resolved = true
		}

		if resolved {
			if ul.timer != nil {
				ul.timer.Stop()
			}
			e.pendingUplink = nil
			events = append(events, e.resolveCarriedLocked(ul, answered)...)
			events = append(events, Event{
				Type:      EventTxConfirm,
				Status:    StatusOK,
				Ack:       ackReceived,
				Datarate:  e.datarate,
				FCntUp:    ul.fcnt,
				Frequency: ul.frequency,
			})
		}
	}

	rx := Event{
		Type:         EventRxIndication,
		Status:       StatusOK,
		Ack:          mp.FHDR.FCtrl.ACK,
		FramePending: mp.FHDR.FCtrl.FPending,
		FCntDown:     fullFCnt,
		Datarate:     frame.DR,
		Frequency:    frame.Frequency,
		RSSI:         frame.RSSI,
		SNR:          frame.SNR,
	}
	if mp.FPort != nil && *mp.FPort > 0 {
		dec, err := lorawan.EncryptFRMPayload(e.appSKey[:], e.devAddr, fullFCnt, false, mp.FRMPayload)
		if err == nil {
			rx.RxData = true
			rx.Port = *mp.FPort
			rx.Data = dec
		}
	}
	events = append(events, rx)

	e.mu.Unlock()
	e.emit(events...)
}

// processMACCommandsLocked handles downlink MAC commands: answers that
// resolve pending management requests, and network-initiated requests
// that queue an answer and demand an uplink.
func (e *RadioEngine) processMACCommandsLocked(data []byte) (map[ManagementOp]bool, []Event) {
	answered := make(map[ManagementOp]bool)
	if len(data) == 0 {
		return answered, nil
	}

	cmds, err := lorawan.ParseMACCommands(false, data)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping unparsable MAC commands")
		return answered, nil
	}

	var events []Event

	for _, cmd := range cmds {
		switch cmd.CID {
		case lorawan.LinkCheckAns:
			if ev, ok := e.resolveOpLocked(OpLinkCheck); ok {
				ev.Margin = cmd.Payload[0]
				ev.GwCnt = cmd.Payload[1]
				answered[OpLinkCheck] = true
				events = append(events, ev)
			}

		case lorawan.DeviceTimeAns:
			if ev, ok := e.resolveOpLocked(OpDeviceTime); ok {
				ev.Time = binary.LittleEndian.Uint32(cmd.Payload[0:4])
				answered[OpDeviceTime] = true
				events = append(events, ev)
			}

		case lorawan.BeaconTimingAns:
			if ev, ok := e.resolveOpLocked(OpBeaconTiming); ok {
				delay := binary.LittleEndian.Uint16(cmd.Payload[0:2])
				log.Debug().Uint16("delay", delay).Uint8("channel", cmd.Payload[2]).Msg("Beacon timing answer")
				answered[OpBeaconTiming] = true
				events = append(events, ev)
			}

		case lorawan.PingSlotInfoAns:
			if ev, ok := e.resolveOpLocked(OpPingSlotInfo); ok {
				answered[OpPingSlotInfo] = true
				events = append(events, ev)
			}

		case lorawan.DevStatusReq:
			battery := e.cfg.Sensors.BatteryLevel()
			margin := byte(int8(e.lastSNR)) & 0x3F
			if err := e.queueCmdLocked(lorawan.MACCommand{
				CID:     lorawan.DevStatusAns,
				Payload: []byte{battery, margin},
			}); err == nil {
				log.Debug().
					Uint8("battery", battery).
					Float32("temperature", e.cfg.Sensors.TemperatureLevel()).
					Msg("Device status requested")
				events = append(events, Event{
					Type:   EventManagementIndication,
					Kind:   IndScheduleUplink,
					Status: StatusOK,
				})
			}

		case lorawan.LinkADRReq:
			// 接受速率指令, 信道掩码仍由本地MIB管理
			dr := int(cmd.Payload[0] >> 4)
			status := byte(0x07)
			if e.cfg.Region.ValidateDataRate(dr) == nil {
				e.datarate = dr
			} else {
				status = 0x05 // 功率OK+掩码OK, 速率拒绝
			}
			if err := e.queueCmdLocked(lorawan.MACCommand{
				CID:     lorawan.LinkADRAns,
				Payload: []byte{status},
			}); err != nil {
				log.Warn().Err(err).Msg("LinkADRAns dropped, FOpts full")
			}

		default:
			log.Debug().Uint8("cid", cmd.CID).Msg("Ignoring MAC command")
		}
	}

	return answered, events
}

// resolveOpLocked removes a pending management op and seeds its confirm
func (e *RadioEngine) resolveOpLocked(op ManagementOp) (Event, bool) {
	if _, ok := e.pendingOps[op]; !ok {
		return Event{}, false
	}
	delete(e.pendingOps, op)
	return Event{Type: EventManagementConfirm, Op: op, Status: StatusOK}, true
}
