package mac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/classb-node/internal/networksim"
	"github.com/lorawan-node/classb-node/internal/radio"
	"github.com/lorawan-node/classb-node/pkg/lorawan"
)

var (
	testDevEUI  = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x06, 0xd0, 0x20}
	testJoinEUI = lorawan.EUI64{0x70, 0xb3, 0xd5, 0x7e, 0xd0, 0x00, 0x00, 0x01}
	testAppKey  = lorawan.AES128Key{
		0x52, 0x58, 0xcf, 0x37, 0x80, 0x5d, 0xfd, 0x3b,
		0x7e, 0xa7, 0x24, 0x91, 0xaf, 0x3d, 0x60, 0x23,
	}
	testNwkSKey = lorawan.AES128Key{
		0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
		0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
	}
	testAppSKey = lorawan.AES128Key{
		0x3c, 0x4f, 0xcf, 0x09, 0x88, 0x15, 0xf7, 0xab,
		0xa6, 0xd2, 0xae, 0x28, 0x16, 0x15, 0x7e, 0x2b,
	}
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		DevEUI:             testDevEUI,
		JoinEUI:            testJoinEUI,
		AppKey:             testAppKey,
		NwkSKey:            testNwkSKey,
		AppSKey:            testAppSKey,
		Region:             lorawan.GetRegionConfiguration("CN470"),
		Datarate:           0,
		RxWindow:           50 * time.Millisecond,
		JoinTimeout:        100 * time.Millisecond,
		BeaconSearchWindow: 200 * time.Millisecond,
		BeaconLostAfter:    150 * time.Millisecond,
	}
}

// newBench wires an engine to an emulator core over a loopback pair.
// The network end stays available so tests can inject raw frames.
func newBench(t *testing.T, coreCfg func(*networksim.Config)) (*RadioEngine, *networksim.Core, *radio.LoopbackLink) {
	t.Helper()

	cfg := networksim.Config{
		AppKey:  testAppKey,
		NwkSKey: testNwkSKey,
		AppSKey: testAppSKey,
	}
	if coreCfg != nil {
		coreCfg(&cfg)
	}
	core := networksim.NewCore(cfg)

	devEnd, netEnd := radio.NewLoopbackPair()
	engine := NewRadioEngine(testEngineConfig(), devEnd)

	go func() {
		for frame := range netEnd.Frames() {
			down, err := core.HandleUplink(frame.Payload)
			if err != nil || down == nil {
				continue
			}
			netEnd.Send(radio.Frame{Kind: radio.FrameData, Payload: down.Payload})
		}
	}()

	t.Cleanup(func() {
		engine.Close()
		devEnd.Close()
		netEnd.Close()
	})

	return engine, core, netEnd
}

// deadBench has nothing behind the link; every request times out.
func deadBench(t *testing.T) (*RadioEngine, *radio.LoopbackLink) {
	t.Helper()

	devEnd, netEnd := radio.NewLoopbackPair()
	engine := NewRadioEngine(testEngineConfig(), devEnd)

	t.Cleanup(func() {
		engine.Close()
		devEnd.Close()
		netEnd.Close()
	})

	return engine, netEnd
}

func awaitEvent(t *testing.T, e *RadioEngine, match func(Event) bool) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event not received")
			return Event{}
		}
	}
}

func joinBench(t *testing.T, e *RadioEngine) {
	t.Helper()

	require.NoError(t, e.Join(1))
	ev := awaitEvent(t, e, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpJoin
	})
	require.Equal(t, StatusOK, ev.Status)
}

func activateStatic(t *testing.T, e *RadioEngine, addr lorawan.DevAddr) {
	t.Helper()

	require.NoError(t, e.SetMib(MibDevAddr, MibValue{DevAddr: addr}))
	require.NoError(t, e.SetMib(MibNwkSKey, MibValue{Key: testNwkSKey}))
	require.NoError(t, e.SetMib(MibAppSKey, MibValue{Key: testAppSKey}))
	require.NoError(t, e.SetMib(MibNetworkJoined, MibValue{Bool: true}))
}

func TestJoinSuccess(t *testing.T) {
	engine, _, _ := newBench(t, nil)

	require.NoError(t, engine.Join(3))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpJoin
	})
	assert.Equal(t, StatusOK, ev.Status)

	joined, err := engine.GetMib(MibNetworkJoined)
	require.NoError(t, err)
	assert.True(t, joined.Bool)

	addr, err := engine.GetMib(MibDevAddr)
	require.NoError(t, err)
	assert.NotEqual(t, lorawan.DevAddr{}, addr.DevAddr)
}

func TestJoinDenied(t *testing.T) {
	engine, _, _ := newBench(t, func(c *networksim.Config) { c.DenyJoins = true })

	require.NoError(t, engine.Join(2))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpJoin
	})
	assert.NotEqual(t, StatusOK, ev.Status)

	joined, err := engine.GetMib(MibNetworkJoined)
	require.NoError(t, err)
	assert.False(t, joined.Bool)
}

func TestJoinBusy(t *testing.T) {
	engine, _ := deadBench(t)

	require.NoError(t, engine.Join(8))
	assert.ErrorIs(t, engine.Join(1), ErrBusy)
}

func TestUplinkRequiresJoin(t *testing.T) {
	engine, _ := deadBench(t)

	err := engine.SendUplink(false, 2, []byte{0x00}, 1, 0)
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.ErrorIs(t, engine.TxPossible(4), ErrNotJoined)
}

func TestUnconfirmedUplink(t *testing.T) {
	engine, _, _ := newBench(t, nil)
	joinBench(t, engine)

	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00, 0x01, 0x02, 0x03}, 1, 0))
	assert.ErrorIs(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0), ErrBusy)

	ev := awaitEvent(t, engine, func(ev Event) bool { return ev.Type == EventTxConfirm })
	assert.Equal(t, StatusOK, ev.Status)
	assert.False(t, ev.Ack)
	assert.Equal(t, uint32(0), ev.FCntUp)

	// 窗口关闭后可以再次发送
	require.NoError(t, engine.SendUplink(false, 2, []byte{0x04}, 1, 0))
	ev = awaitEvent(t, engine, func(ev Event) bool { return ev.Type == EventTxConfirm })
	assert.Equal(t, uint32(1), ev.FCntUp)
}

func TestConfirmedUplinkAck(t *testing.T) {
	engine, _, _ := newBench(t, nil)
	joinBench(t, engine)

	require.NoError(t, engine.SendUplink(true, 2, []byte{0x00}, 3, 0))

	ev := awaitEvent(t, engine, func(ev Event) bool { return ev.Type == EventTxConfirm })
	assert.Equal(t, StatusOK, ev.Status)
	assert.True(t, ev.Ack)
}

func TestConfirmedUplinkTimesOut(t *testing.T) {
	engine, _ := deadBench(t)
	activateStatic(t, engine, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})

	require.NoError(t, engine.SendUplink(true, 2, []byte{0x00}, 2, 0))

	ev := awaitEvent(t, engine, func(ev Event) bool { return ev.Type == EventTxConfirm })
	assert.Equal(t, StatusTimeout, ev.Status)
	assert.False(t, ev.Ack)
}

func TestDeviceTimeAnswered(t *testing.T) {
	engine, _, _ := newBench(t, nil)
	joinBench(t, engine)

	require.NoError(t, engine.SendManagement(OpDeviceTime, ManagementParams{}))
	assert.ErrorIs(t, engine.SendManagement(OpDeviceTime, ManagementParams{}), ErrBusy)

	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpDeviceTime
	})
	assert.Equal(t, StatusOK, ev.Status)
	assert.NotZero(t, ev.Time)
}

func TestBeaconTimingAnswered(t *testing.T) {
	engine, _, _ := newBench(t, nil)
	joinBench(t, engine)

	require.NoError(t, engine.SendManagement(OpBeaconTiming, ManagementParams{}))
	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpBeaconTiming
	})
	assert.Equal(t, StatusOK, ev.Status)
}

func TestLinkCheckAndPingSlot(t *testing.T) {
	engine, _, _ := newBench(t, nil)
	joinBench(t, engine)

	require.NoError(t, engine.SendManagement(OpLinkCheck, ManagementParams{}))
	require.NoError(t, engine.SendManagement(OpPingSlotInfo, ManagementParams{PingSlotPeriodicity: 0}))
	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0))

	lc := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpLinkCheck
	})
	assert.Equal(t, StatusOK, lc.Status)
	assert.Equal(t, uint8(20), lc.Margin)
	assert.Equal(t, uint8(1), lc.GwCnt)

	ps := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpPingSlotInfo
	})
	assert.Equal(t, StatusOK, ps.Status)
}

func TestManagementUnansweredTimesOut(t *testing.T) {
	engine, _ := deadBench(t)
	activateStatic(t, engine, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})

	require.NoError(t, engine.SendManagement(OpDeviceTime, ManagementParams{}))
	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpDeviceTime
	})
	assert.Equal(t, StatusTimeout, ev.Status)

	// 上行确认仍然到达
	tx := awaitEvent(t, engine, func(ev Event) bool { return ev.Type == EventTxConfirm })
	assert.Equal(t, StatusOK, tx.Status)
}

func TestBeaconAcquisitionAndLoss(t *testing.T) {
	engine, _, netEnd := newBench(t, nil)

	require.NoError(t, engine.SendManagement(OpBeaconAcquisition, ManagementParams{}))
	assert.ErrorIs(t, engine.SendManagement(OpBeaconAcquisition, ManagementParams{}), ErrBusy)

	beacon := &lorawan.Beacon{Time: 1400000000}
	wire, err := beacon.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, netEnd.Send(radio.Frame{Kind: radio.FrameBeacon, Payload: wire}))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpBeaconAcquisition
	})
	assert.Equal(t, StatusOK, ev.Status)
	assert.Equal(t, uint32(1400000000), ev.Time)

	telemetry := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementIndication && ev.Kind == IndBeaconReceived
	})
	assert.Equal(t, uint32(1400000000), telemetry.BeaconTime)

	// 不再发信标, 看门狗到期
	lost := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementIndication && ev.Kind == IndBeaconLost
	})
	assert.NotEqual(t, StatusOK, lost.Status)
}

func TestBeaconSearchTimesOut(t *testing.T) {
	engine, _ := deadBench(t)

	require.NoError(t, engine.SendManagement(OpBeaconAcquisition, ManagementParams{}))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementConfirm && ev.Op == OpBeaconAcquisition
	})
	assert.Equal(t, StatusTimeout, ev.Status)
}

func TestDevStatusDemandsUplink(t *testing.T) {
	engine, _, _ := newBench(t, func(c *networksim.Config) { c.DevStatusEvery = 1 })
	joinBench(t, engine)

	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0))

	ev := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventManagementIndication && ev.Kind == IndScheduleUplink
	})
	assert.Equal(t, StatusOK, ev.Status)
}

func TestDownlinkDelivered(t *testing.T) {
	engine, core, _ := newBench(t, nil)
	joinBench(t, engine)

	require.NoError(t, core.QueueDownlink(testDevEUI, 10, []byte{0xAA, 0xBB}, false))
	require.NoError(t, engine.SendUplink(false, 2, []byte{0x00}, 1, 0))

	rx := awaitEvent(t, engine, func(ev Event) bool {
		return ev.Type == EventRxIndication && ev.RxData
	})
	assert.Equal(t, StatusOK, rx.Status)
	assert.Equal(t, uint8(10), rx.Port)
	assert.Equal(t, []byte{0xAA, 0xBB}, rx.Data)
	assert.False(t, rx.FramePending)
}

func TestInvalidMICDownlinkFlagged(t *testing.T) {
	engine, netEnd := deadBench(t)
	addr := lorawan.DevAddr{0x01, 0x02, 0x03, 0x04}
	activateStatic(t, engine, addr)

	// 地址正确但密钥不对的下行
	wrongKey := testNwkSKey
	wrongKey[0] ^= 0xFF

	mp := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{DevAddr: addr, FCnt: 0},
	}
	macData, err := mp.Marshal(lorawan.UnconfirmedDataDown, false)
	require.NoError(t, err)
	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.UnconfirmedDataDown, Major: lorawan.LoRaWAN1_0},
		MACPayload: macData,
	}
	require.NoError(t, phy.SetDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, wrongKey))
	wire, err := phy.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, netEnd.Send(radio.Frame{Kind: radio.FrameData, Payload: wire}))

	ev := awaitEvent(t, engine, func(ev Event) bool { return ev.Type == EventRxIndication })
	assert.Equal(t, StatusError, ev.Status)
}

func TestTxPossibleEnforcesPayloadBudget(t *testing.T) {
	engine, _ := deadBench(t)
	activateStatic(t, engine, lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})

	// CN470 DR0最大51字节
	require.NoError(t, engine.TxPossible(51))
	assert.ErrorIs(t, engine.TxPossible(52), ErrLength)

	// 排队的MAC命令挤占应用负载空间
	require.NoError(t, engine.SendManagement(OpDeviceTime, ManagementParams{}))
	assert.ErrorIs(t, engine.TxPossible(51), ErrLength)
	require.NoError(t, engine.TxPossible(50))
}

func TestMibRoundTrip(t *testing.T) {
	engine, _ := deadBench(t)

	require.NoError(t, engine.SetMib(MibAdr, MibValue{Bool: true}))
	adr, err := engine.GetMib(MibAdr)
	require.NoError(t, err)
	assert.True(t, adr.Bool)

	require.NoError(t, engine.SetMib(MibPublicNetwork, MibValue{Bool: true}))

	region := lorawan.GetRegionConfiguration("CN470")
	require.NoError(t, engine.SetMib(MibChannelMask, MibValue{Mask: region.DefaultMask()}))
	assert.Error(t, engine.SetMib(MibChannelMask, MibValue{Mask: []uint16{0x00FF}}), "wrong word count")

	require.NoError(t, engine.SetMib(MibDeviceClass, MibValue{Class: ClassB}))
	class, err := engine.GetMib(MibDeviceClass)
	require.NoError(t, err)
	assert.Equal(t, ClassB, class.Class)

	_, err = engine.GetMib(MibParam(99))
	assert.Error(t, err)
}
