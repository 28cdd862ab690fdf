package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMACCommandsUplink(t *testing.T) {
	// LinkCheckReq + DeviceTimeReq + PingSlotInfoReq(0) + BeaconTimingReq
	data := []byte{0x02, 0x0D, 0x10, 0x00, 0x12}

	commands, err := ParseMACCommands(true, data)
	require.NoError(t, err)
	require.Len(t, commands, 4)

	assert.Equal(t, LinkCheckReq, commands[0].CID)
	assert.Empty(t, commands[0].Payload)

	assert.Equal(t, DeviceTimeReq, commands[1].CID)

	assert.Equal(t, PingSlotInfoReq, commands[2].CID)
	assert.Equal(t, []byte{0x00}, commands[2].Payload)

	assert.Equal(t, BeaconTimingReq, commands[3].CID)
	assert.Empty(t, commands[3].Payload)
}

func TestParseMACCommandsDownlink(t *testing.T) {
	// LinkCheckAns(margin=20, gwCnt=1) + DeviceTimeAns(5字节) + PingSlotInfoAns + BeaconTimingAns(delay=0x0102, channel=3)
	data := []byte{
		0x02, 20, 1,
		0x0D, 0x00, 0x10, 0x20, 0x30, 0x40,
		0x10,
		0x12, 0x02, 0x01, 0x03,
	}

	commands, err := ParseMACCommands(false, data)
	require.NoError(t, err)
	require.Len(t, commands, 4)

	assert.Equal(t, LinkCheckAns, commands[0].CID)
	assert.Equal(t, []byte{20, 1}, commands[0].Payload)

	assert.Equal(t, DeviceTimeAns, commands[1].CID)
	assert.Len(t, commands[1].Payload, 5)

	assert.Equal(t, PingSlotInfoAns, commands[2].CID)
	assert.Empty(t, commands[2].Payload)

	assert.Equal(t, BeaconTimingAns, commands[3].CID)
	assert.Equal(t, []byte{0x02, 0x01, 0x03}, commands[3].Payload)
}

func TestParseMACCommandsErrors(t *testing.T) {
	// 未知CID
	_, err := ParseMACCommands(true, []byte{0xFF})
	assert.Error(t, err)

	// 负载不完整
	_, err = ParseMACCommands(false, []byte{byte(LinkCheckAns), 20})
	assert.Error(t, err)
}

func TestEncodeMACCommands(t *testing.T) {
	commands := []MACCommand{
		{CID: DeviceTimeReq},
		{CID: PingSlotInfoReq, Payload: []byte{0x03}},
	}

	data, err := EncodeMACCommands(commands)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0D, 0x10, 0x03}, data)

	parsed, err := ParseMACCommands(true, data)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, commands[0].CID, parsed[0].CID)
	assert.Equal(t, commands[1].Payload, parsed[1].Payload)
}
