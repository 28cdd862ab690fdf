package telemetry

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticBuilderDefaultPattern(t *testing.T) {
	b := NewStaticBuilder(nil)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, b.Build())
}

func TestStaticBuilderCustomPattern(t *testing.T) {
	b := NewStaticBuilder([]byte{0xde, 0xad})
	assert.Equal(t, []byte{0xde, 0xad}, b.Build())
}

func TestStaticBuilderTruncatesOversize(t *testing.T) {
	b := NewStaticBuilder(bytes.Repeat([]byte{0xff}, 40))
	assert.Len(t, b.Build(), MaxPayloadSize)
}

func TestStaticBuilderReturnsCopy(t *testing.T) {
	b := NewStaticBuilder(nil)

	p := b.Build()
	p[0] = 0xff

	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, b.Build())
}

func TestSensorsBuilderEncodesReadings(t *testing.T) {
	b := NewSensorsBuilder(Sensors{
		BatteryLevel: func() uint8 { return 254 },
		Temperature:  func() float32 { return 21.5 },
	})

	data := b.Build()
	require.NotEmpty(t, data)

	var decoded map[int]interface{}
	require.NoError(t, cbor.Unmarshal(data, &decoded))

	assert.Equal(t, uint64(254), decoded[1])
	assert.InDelta(t, 21.5, decoded[2], 0.01)
	assert.Contains(t, decoded, 3)
}

func TestSensorsBuilderDefaults(t *testing.T) {
	b := NewSensorsBuilder(Sensors{})

	var decoded map[int]interface{}
	require.NoError(t, cbor.Unmarshal(b.Build(), &decoded))

	// 板级桩: 电池0, 温度25
	assert.Equal(t, uint64(0), decoded[1])
	assert.InDelta(t, 25.0, decoded[2], 0.01)
}

func TestSensorsPayloadFitsDR0(t *testing.T) {
	b := NewSensorsBuilder(Sensors{
		BatteryLevel: func() uint8 { return 255 },
		Temperature:  func() float32 { return -40.25 },
	})

	// CN470 DR0最大51字节, 读数编码要留足余量
	assert.LessOrEqual(t, len(b.Build()), 20)
}
