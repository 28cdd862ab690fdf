package radio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	err := a.Send(Frame{
		Kind:      FrameData,
		Payload:   []byte{0x40, 0x01, 0x02},
		Frequency: 486300000,
		DR:        0,
	})
	require.NoError(t, err)

	select {
	case frame := <-b.Frames():
		assert.Equal(t, FrameData, frame.Kind)
		assert.Equal(t, []byte{0x40, 0x01, 0x02}, frame.Payload)
		assert.Equal(t, uint32(486300000), frame.Frequency)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	// 反向也要通
	err = b.Send(Frame{Kind: FrameBeacon, Payload: []byte{0xAA}})
	require.NoError(t, err)

	select {
	case frame := <-a.Frames():
		assert.Equal(t, FrameBeacon, frame.Kind)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestLoopbackClose(t *testing.T) {
	a, b := NewLoopbackPair()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "double close must be a no-op")

	err := a.Send(Frame{Kind: FrameData, Payload: []byte{0x01}})
	assert.ErrorIs(t, err, ErrClosed)

	// 对端向已关闭的一侧发送也报 ErrClosed
	err = b.Send(Frame{Kind: FrameData, Payload: []byte{0x01}})
	assert.ErrorIs(t, err, ErrClosed)

	_, open := <-a.Frames()
	assert.False(t, open, "frames channel should be closed")
}

func TestLoopbackFullChannelDrops(t *testing.T) {
	a, b := NewLoopbackPair()
	defer a.Close()
	defer b.Close()

	// 接收端不消费, 超出缓冲的帧被静默丢弃而不是阻塞
	for i := 0; i < 100; i++ {
		err := a.Send(Frame{Kind: FrameData, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	count := 0
	for {
		select {
		case <-b.Frames():
			count++
		default:
			assert.Equal(t, 32, count)
			return
		}
	}
}

func TestParseModemLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		payload []byte
		rssi    int
		snr     float64
	}{
		{
			name:    "valid line",
			line:    "RX 40e16a7e00 -95 7.5",
			payload: []byte{0x40, 0xe1, 0x6a, 0x7e, 0x00},
			rssi:    -95,
			snr:     7.5,
		},
		{
			name:    "wrong prefix",
			line:    "TX 40e16a7e00 -95 7.5",
			wantErr: true,
		},
		{
			name:    "bad hex",
			line:    "RX zz -95 7.5",
			wantErr: true,
		},
		{
			name:    "bad rssi",
			line:    "RX 40 strong 7.5",
			wantErr: true,
		},
		{
			name:    "missing field",
			line:    "RX 40 -95",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := parseModemLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, FrameData, frame.Kind)
			assert.Equal(t, tt.payload, frame.Payload)
			assert.Equal(t, tt.rssi, frame.RSSI)
			assert.Equal(t, tt.snr, frame.SNR)
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	frame := Frame{
		Kind:      FrameData,
		Payload:   []byte{0x40, 0xe1, 0x6a, 0x7e, 0x00},
		Frequency: 505300000,
		DR:        2,
		RSSI:      -40,
		SNR:       9.2,
	}

	data, err := EncodeEnvelope(frame)
	require.NoError(t, err)

	got, err := DecodeEnvelope(data, FrameData)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	_, err = DecodeEnvelope([]byte("not json"), FrameData)
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"payload":"zz"}`), FrameData)
	assert.Error(t, err)
}
