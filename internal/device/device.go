package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/classb-node/internal/mac"
	"github.com/lorawan-node/classb-node/internal/models"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

// State is the device lifecycle state
type State int

const (
	StateInit State = iota
	StateJoin
	StateSend
	StateReqDeviceTime
	StateReqPingSlotAck
	StateReqBeaconTiming
	StateBeaconAcquisition
	StateSwitchClass
	StateCycle
	StateSleep
)

var stateStrings = []string{
	"INIT",
	"JOIN",
	"SEND",
	"REQ_DEVICE_TIME",
	"REQ_PINGSLOT_ACK",
	"REQ_BEACON_TIMING",
	"BEACON_ACQUISITION",
	"SWITCH_CLASS",
	"CYCLE",
	"SLEEP",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateStrings) {
		return "UNKNOWN"
	}
	return stateStrings[s]
}

// Activation selects how the device obtains a session
type Activation int

const (
	// ActivationOTAA joins over the air
	ActivationOTAA Activation = iota
	// ActivationABP writes a pre-provisioned session into the MIB
	ActivationABP
)

// PayloadBuilder regenerates the application payload before each
// transmission attempt
type PayloadBuilder interface {
	Build() []byte
}

// EventSink receives device events and frame logs for fan-out. Publication
// is a side channel: implementations must not block and never feed back
// into the control loop.
type EventSink interface {
	PublishEvent(event models.DeviceEvent)
	PublishFrame(frame models.FrameLog)
}

type nopSink struct{}

func (nopSink) PublishEvent(models.DeviceEvent) {}
func (nopSink) PublishFrame(models.FrameLog)    {}

// Config carries the control-loop configuration, read once at start
type Config struct {
	Name   string
	DevEUI lorawan.EUI64
	Region *lorawan.RegionConfiguration

	Activation Activation

	// 静态激活参数
	NetID   [3]byte
	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key

	Port          uint8
	Confirmed     bool
	JoinTrials    int
	UplinkTrials  int // 确认帧重试次数
	Datarate      int
	ADR           bool
	PublicNetwork bool

	PingSlotPeriodicity uint8

	// DiscoveryEntry is the beacon-discovery entry state, either
	// StateReqDeviceTime or StateReqBeaconTiming
	DiscoveryEntry State

	TxInterval time.Duration
	TxJitter   time.Duration
}

// Device drives the Class B lifecycle: join, steady-state uplink cycle,
// beacon acquisition detours, class switching. One Run loop goroutine owns
// all transitions; the mutex exists for the control API's snapshot reads.
type Device struct {
	cfg     Config
	engine  mac.Engine
	sched   *Scheduler
	payload PayloadBuilder
	sink    EventSink

	mu          sync.Mutex
	state       State
	wakeUpState State
	nextTx      bool
	txDutyCycle time.Duration

	// 最近一次提交的上行,确认事件到达时用来记帧
	lastData      []byte
	lastPort      *uint8
	lastConfirmed bool

	startedAt time.Time

	poke chan struct{}
}

// New creates a device around a MAC engine. payload must not be nil;
// sink may be.
func New(cfg Config, engine mac.Engine, payload PayloadBuilder, sink EventSink) *Device {
	if cfg.JoinTrials <= 0 {
		cfg.JoinTrials = 8
	}
	if cfg.UplinkTrials <= 0 {
		cfg.UplinkTrials = 8
	}
	if cfg.TxInterval <= 0 {
		cfg.TxInterval = 30 * time.Second
	}
	if cfg.DiscoveryEntry != StateReqBeaconTiming {
		cfg.DiscoveryEntry = StateReqDeviceTime
	}
	if sink == nil {
		sink = nopSink{}
	}

	return &Device{
		cfg:         cfg,
		engine:      engine,
		sched:       NewScheduler(cfg.TxInterval, cfg.TxJitter),
		payload:     payload,
		sink:        sink,
		state:       StateInit,
		wakeUpState: StateInit,
		nextTx:      true,
		txDutyCycle: cfg.TxInterval,
		startedAt:   time.Now().UTC(),
		poke:        make(chan struct{}, 1),
	}
}

// Run drives the control loop until the context is cancelled. No MAC
// failure terminates the loop; everything degrades to the next duty cycle.
func (d *Device) Run(ctx context.Context) error {
	log.Info().Str("name", d.cfg.Name).Str("region", d.cfg.Region.Name).Msg("Class B app start")

	for {
		select {
		case <-ctx.Done():
			d.sched.Stop()
			return ctx.Err()
		default:
		}

		state := d.currentState()
		if state != StateSleep {
			log.Debug().Str("state", state.String()).Msg("Main cycle")
		}

		switch state {
		case StateInit:
			d.stateInit()
		case StateJoin:
			d.stateJoin()
		case StateReqDeviceTime:
			d.stateReqDeviceTime()
		case StateReqBeaconTiming:
			d.stateReqBeaconTiming()
		case StateBeaconAcquisition:
			d.stateBeaconAcquisition()
		case StateReqPingSlotAck:
			d.stateReqPingSlotAck()
		case StateSend:
			d.stateSend()
		case StateCycle:
			d.stateCycle()
		case StateSleep:
			if err := d.stateSleep(ctx); err != nil {
				d.sched.Stop()
				return err
			}
		default:
			d.setState(StateInit)
		}
	}
}

// Poke behaves as if the duty-cycle timer fired: resume at the saved
// wake-up state as soon as the loop drains it.
func (d *Device) Poke() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

// Snapshot assembles the control API status view
func (d *Device) Snapshot() models.StatusSnapshot {
	d.mu.Lock()
	snap := models.StatusSnapshot{
		Name:           d.cfg.Name,
		DevEUI:         d.cfg.DevEUI,
		Region:         d.cfg.Region.Name,
		LifecycleState: d.state.String(),
		WakeUpState:    d.wakeUpState.String(),
		NextTx:         d.nextTx,
		TxDutyCycleMs:  d.txDutyCycle.Milliseconds(),
		StartedAt:      d.startedAt,
	}
	d.mu.Unlock()

	if v, err := d.engine.GetMib(mac.MibNetworkJoined); err == nil {
		snap.Joined = v.Bool
	}
	if v, err := d.engine.GetMib(mac.MibDeviceClass); err == nil {
		snap.DeviceClass = v.Class.String()
	}
	if v, err := d.engine.GetMib(mac.MibDevAddr); err == nil {
		snap.DevAddr = v.DevAddr
	}
	if v, err := d.engine.GetMib(mac.MibFCntUp); err == nil {
		snap.FCntUp = v.Counter
	}
	if v, err := d.engine.GetMib(mac.MibFCntDown); err == nil {
		snap.FCntDown = v.Counter
	}
	if at, ok := d.sched.NextFireAt(); ok {
		snap.NextFireAt = &at
	}

	return snap
}

// ---- state arms ----

func (d *Device) stateInit() {
	d.setMib(mac.MibAdr, mac.MibValue{Bool: d.cfg.ADR})
	d.setMib(mac.MibPublicNetwork, mac.MibValue{Bool: d.cfg.PublicNetwork})

	mask := d.cfg.Region.DefaultMask()
	d.setMib(mac.MibDefaultChannelMask, mac.MibValue{Mask: mask})
	d.setMib(mac.MibChannelMask, mac.MibValue{Mask: mask})

	d.setState(StateJoin)
}

func (d *Device) stateJoin() {
	if d.cfg.Activation == ActivationABP {
		// 静态激活: 会话直接写进MIB, 跳过入网流程
		d.setMib(mac.MibNetID, mac.MibValue{NetID: d.cfg.NetID})
		d.setMib(mac.MibDevAddr, mac.MibValue{DevAddr: d.cfg.DevAddr})
		d.setMib(mac.MibNwkSKey, mac.MibValue{Key: d.cfg.NwkSKey})
		d.setMib(mac.MibAppSKey, mac.MibValue{Key: d.cfg.AppSKey})
		d.setMib(mac.MibNetworkJoined, mac.MibValue{Bool: true})

		log.Info().Str("dev_addr", d.cfg.DevAddr.String()).Msg("Static activation done")
		d.publishEvent(models.EventTypeJoin, models.EventLevelInfo, "static activation", models.Variables{
			"devAddr": d.cfg.DevAddr.String(),
		})

		d.setState(d.cfg.DiscoveryEntry)
		return
	}

	if err := d.engine.Join(d.cfg.JoinTrials); err == nil {
		d.setState(StateSleep)
	} else {
		log.Warn().Err(err).Msg("Join request rejected")
		d.setState(StateCycle)
	}
}

func (d *Device) stateReqDeviceTime() {
	if d.transmitReady() {
		if err := d.engine.SendManagement(mac.OpDeviceTime, mac.ManagementParams{}); err == nil {
			d.setWakeUpState(StateSend)
		}
	}
	d.setState(StateSend)
}

func (d *Device) stateReqBeaconTiming() {
	if d.transmitReady() {
		if err := d.engine.SendManagement(mac.OpBeaconTiming, mac.ManagementParams{}); err == nil {
			d.setWakeUpState(StateSend)
		}
	}
	d.setState(StateSend)
}

func (d *Device) stateBeaconAcquisition() {
	if d.transmitReady() {
		// 入队结果不影响流程, 标志位无条件清掉
		if err := d.engine.SendManagement(mac.OpBeaconAcquisition, mac.ManagementParams{}); err != nil {
			log.Warn().Err(err).Msg("Beacon acquisition request rejected")
		}
		d.setNextTx(false)
	}
	d.setState(StateSend)
}

func (d *Device) stateReqPingSlotAck() {
	if d.transmitReady() {
		// 链路检查尽力而为, 结果只作遥测
		if err := d.engine.SendManagement(mac.OpLinkCheck, mac.ManagementParams{}); err != nil {
			log.Debug().Err(err).Msg("Link check request rejected")
		}

		if err := d.engine.SendManagement(mac.OpPingSlotInfo, mac.ManagementParams{
			PingSlotPeriodicity: d.cfg.PingSlotPeriodicity,
		}); err == nil {
			d.setWakeUpState(StateSend)
		}
	}
	d.setState(StateSend)
}

func (d *Device) stateSend() {
	if d.transmitReady() {
		data := d.payload.Build()
		d.setNextTx(d.sendFrame(data))
	}

	// 每次经过Send都重新计算下个周期
	d.mu.Lock()
	d.txDutyCycle = d.sched.NextDelay()
	d.mu.Unlock()

	d.setState(StateCycle)
}

func (d *Device) stateCycle() {
	d.mu.Lock()
	delay := d.txDutyCycle
	d.mu.Unlock()

	d.sched.Schedule(delay)
	d.setState(StateSleep)
}

func (d *Device) stateSleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-d.engine.Events():
		d.dispatch(ev)
	case <-d.sched.C():
		d.onTimerFired()
	case <-d.poke:
		d.onTimerFired()
	}
	return nil
}

// sendFrame submits the application uplink, falling back to an empty
// unconfirmed frame when the payload does not fit. The return value is
// the next transmit-ready flag: false while an accepted request is in
// flight, true when the request was rejected at enqueue.
func (d *Device) sendFrame(data []byte) bool {
	if err := d.engine.TxPossible(len(data)); err != nil {
		// 发空帧冲刷MAC命令队列
		log.Debug().Err(err).Msg("Payload does not fit, flushing with empty frame")
		d.recordUplink(nil, nil, false)
		if err := d.engine.SendUplink(false, 0, nil, 1, d.cfg.Datarate); err != nil {
			log.Warn().Err(err).Msg("Flush frame rejected")
			return true
		}
		return false
	}

	trials := 1
	if d.cfg.Confirmed {
		trials = d.cfg.UplinkTrials
	}

	port := d.cfg.Port
	d.recordUplink(data, &port, d.cfg.Confirmed)
	if err := d.engine.SendUplink(d.cfg.Confirmed, port, data, trials, d.cfg.Datarate); err != nil {
		log.Warn().Err(err).Msg("Uplink rejected")
		return true
	}
	return false
}

// ---- event dispatch ----

func (d *Device) dispatch(ev mac.Event) {
	switch ev.Type {
	case mac.EventTxConfirm:
		d.handleTxConfirm(ev)
	case mac.EventRxIndication:
		d.handleRxIndication(ev)
	case mac.EventManagementConfirm:
		d.handleManagementConfirm(ev)
	case mac.EventManagementIndication:
		d.handleManagementIndication(ev)
	}
}

// handleTxConfirm processes the uplink outcome. Whatever the status, the
// transmit-ready flag comes back on so the next cycle can proceed.
func (d *Device) handleTxConfirm(ev mac.Event) {
	log.Debug().
		Str("status", ev.Status.String()).
		Uint32("fcnt_up", ev.FCntUp).
		Bool("ack", ev.Ack).
		Msg("Uplink confirm")

	d.mu.Lock()
	data, port, confirmed := d.lastData, d.lastPort, d.lastConfirmed
	d.mu.Unlock()

	frame := models.NewFrameLog(d.cfg.DevEUI, models.FrameDirectionUp)
	frame.FCnt = ev.FCntUp
	frame.FPort = port
	frame.DR = ev.Datarate
	frame.Confirmed = confirmed
	frame.ACK = ev.Ack
	frame.Data = data
	frame.Frequency = ev.Frequency
	if addr, err := d.engine.GetMib(mac.MibDevAddr); err == nil {
		frame.DevAddr = addr.DevAddr
	}
	d.sink.PublishFrame(frame)

	level := models.EventLevelInfo
	if ev.Status != mac.StatusOK {
		level = models.EventLevelWarning
	}
	d.publishEvent(models.EventTypeUplink, level, "uplink "+ev.Status.String(), models.Variables{
		"fCntUp": ev.FCntUp,
		"ack":    ev.Ack,
		"dr":     ev.Datarate,
	})

	d.setNextTx(true)
}

// handleRxIndication processes a received downlink. Non-OK indications
// are dropped before any processing.
func (d *Device) handleRxIndication(ev mac.Event) {
	if ev.Status != mac.StatusOK {
		return
	}

	log.Debug().
		Uint32("fcnt_down", ev.FCntDown).
		Int("rssi", ev.RSSI).
		Float64("snr", ev.SNR).
		Bool("frame_pending", ev.FramePending).
		Msg("Downlink indication")

	frame := models.NewFrameLog(d.cfg.DevEUI, models.FrameDirectionDown)
	frame.FCnt = ev.FCntDown
	frame.ACK = ev.Ack
	frame.DR = ev.Datarate
	frame.Frequency = ev.Frequency
	frame.RSSI = ev.RSSI
	frame.SNR = ev.SNR
	if ev.RxData {
		p := ev.Port
		frame.FPort = &p
		frame.Data = ev.Data
	}
	if addr, err := d.engine.GetMib(mac.MibDevAddr); err == nil {
		frame.DevAddr = addr.DevAddr
	}
	d.sink.PublishFrame(frame)

	if ev.FramePending {
		// 服务端还有数据等着下发, 立刻按定时器触发路径冲刷
		d.onTimerFired()
	}

	if ev.RxData {
		d.publishEvent(models.EventTypeDownlink, models.EventLevelInfo, "downlink data", models.Variables{
			"fCntDown": ev.FCntDown,
			"port":     ev.Port,
			"size":     len(ev.Data),
		})
	}
}

// handleManagementConfirm dispatches on which management operation
// completed. The transmit-ready flag is restored unconditionally on exit.
func (d *Device) handleManagementConfirm(ev mac.Event) {
	log.Debug().
		Str("op", ev.Op.String()).
		Str("status", ev.Status.String()).
		Msg("Management confirm")

	switch ev.Op {
	case mac.OpJoin:
		if ev.Status == mac.StatusOK {
			log.Info().Msg("Network joined")
			d.publishEvent(models.EventTypeJoin, models.EventLevelInfo, "network joined", nil)
			d.setState(d.cfg.DiscoveryEntry)
		} else {
			log.Warn().Str("status", ev.Status.String()).Msg("Join failed, trying again")
			d.publishEvent(models.EventTypeJoinFail, models.EventLevelWarning, "join failed", models.Variables{
				"status": ev.Status.String(),
			})
			if err := d.engine.Join(d.cfg.JoinTrials); err == nil {
				d.setState(StateSleep)
			} else {
				d.setState(StateCycle)
			}
		}

	case mac.OpLinkCheck:
		if ev.Status == mac.StatusOK {
			log.Info().Uint8("margin", ev.Margin).Uint8("gateways", ev.GwCnt).Msg("Link check answer")
			d.publishEvent(models.EventTypeLinkCheck, models.EventLevelInfo, "link check answer", models.Variables{
				"margin":   ev.Margin,
				"gateways": ev.GwCnt,
			})
		}

	case mac.OpDeviceTime, mac.OpBeaconTiming:
		// 不看状态, 直接进信标搜索; WakeUpState先指回Send,
		// 搜索期间应用照常发包
		d.mu.Lock()
		d.wakeUpState = StateSend
		d.state = StateBeaconAcquisition
		d.nextTx = true
		d.mu.Unlock()

	case mac.OpBeaconAcquisition:
		if ev.Status == mac.StatusOK {
			d.setWakeUpState(StateReqPingSlotAck)
		} else {
			d.setWakeUpState(d.cfg.DiscoveryEntry)
		}

	case mac.OpPingSlotInfo:
		if ev.Status == mac.StatusOK {
			d.setMib(mac.MibDeviceClass, mac.MibValue{Class: mac.ClassB})
			log.Info().Msg("Switch to Class B done")
			d.publishEvent(models.EventTypeClassSwitch, models.EventLevelInfo, "switched to Class B", models.Variables{
				"class": "B",
			})

			d.mu.Lock()
			d.wakeUpState = StateSend
			d.state = StateSend
			d.nextTx = true
			d.mu.Unlock()
		} else {
			// 下个周期重新协商
			d.setWakeUpState(StateReqPingSlotAck)
		}
	}

	d.setNextTx(true)
}

// handleManagementIndication processes network-initiated events
func (d *Device) handleManagementIndication(ev mac.Event) {
	switch ev.Kind {
	case mac.IndScheduleUplink:
		log.Info().Msg("Network demands an uplink")
		d.onTimerFired()

	case mac.IndBeaconLost:
		d.setMib(mac.MibDeviceClass, mac.MibValue{Class: mac.ClassA})
		log.Warn().Msg("Beacon lost, switch to Class A done")
		d.publishEvent(models.EventTypeBeaconLost, models.EventLevelWarning, "beacon lost", nil)
		d.publishEvent(models.EventTypeClassSwitch, models.EventLevelInfo, "switched to Class A", models.Variables{
			"class": "A",
		})
		d.setWakeUpState(d.cfg.DiscoveryEntry)

	case mac.IndBeaconReceived:
		// 纯遥测, 不动状态
		log.Debug().
			Uint32("beacon_time", ev.BeaconTime).
			Int("rssi", ev.RSSI).
			Float64("snr", ev.SNR).
			Msg("Beacon received")
		d.publishEvent(models.EventTypeBeacon, models.EventLevelDebug, "beacon received", models.Variables{
			"time": ev.BeaconTime,
			"rssi": ev.RSSI,
			"snr":  ev.SNR,
		})
	}
}

// onTimerFired resumes the loop at the saved wake-up state. The same path
// serves the duty-cycle timer, the pending-data flush, the schedule-uplink
// indication and the control API poke.
func (d *Device) onTimerFired() {
	d.sched.Stop()

	joined, err := d.engine.GetMib(mac.MibNetworkJoined)
	if err != nil {
		log.Warn().Err(err).Msg("Joined flag unavailable")
		return
	}

	if joined.Bool {
		d.mu.Lock()
		d.state = d.wakeUpState
		d.nextTx = true
		d.mu.Unlock()
		return
	}

	// 还没入网, 再试一次
	if err := d.engine.Join(0); err == nil {
		d.setState(StateSleep)
	} else {
		d.setState(StateCycle)
	}
}

// ---- field access ----

func (d *Device) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) setWakeUpState(s State) {
	d.mu.Lock()
	d.wakeUpState = s
	d.mu.Unlock()
	log.Debug().Str("wake_up_state", s.String()).Msg("Wake-up state set")
}

func (d *Device) transmitReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextTx
}

func (d *Device) setNextTx(v bool) {
	d.mu.Lock()
	d.nextTx = v
	d.mu.Unlock()
}

func (d *Device) recordUplink(data []byte, port *uint8, confirmed bool) {
	d.mu.Lock()
	d.lastData = data
	d.lastPort = port
	d.lastConfirmed = confirmed
	d.mu.Unlock()
}

func (d *Device) setMib(param mac.MibParam, value mac.MibValue) {
	if err := d.engine.SetMib(param, value); err != nil {
		log.Warn().Err(err).Int("param", int(param)).Msg("MIB set failed")
	}
}

func (d *Device) publishEvent(typ models.EventType, level models.EventLevel, description string, details models.Variables) {
	d.sink.PublishEvent(models.NewDeviceEvent(d.cfg.DevEUI, typ, level, description, details))
}
