package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegionConfiguration(t *testing.T) {
	assert.Equal(t, "CN470", GetRegionConfiguration("CN470").Name)
	assert.Equal(t, "CN470", GetRegionConfiguration("CN470_510").Name)
	assert.Equal(t, "EU868", GetRegionConfiguration("EU868").Name)
	assert.Equal(t, "US915", GetRegionConfiguration("US915").Name)
	// 未知区域回落到CN470
	assert.Equal(t, "CN470", GetRegionConfiguration("XX000").Name)
}

func TestCN470Channels(t *testing.T) {
	region := GetRegionConfiguration("CN470")

	require.Len(t, region.UplinkChannels, 96)
	assert.Equal(t, uint32(470300000), region.UplinkChannels[0].Frequency)
	assert.Equal(t, uint32(470500000), region.UplinkChannels[1].Frequency)
	assert.Equal(t, uint32(489300000), region.UplinkChannels[95].Frequency)

	freq, err := region.ChannelFrequency(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(471900000), freq)

	_, err = region.ChannelFrequency(96)
	assert.Error(t, err)
}

func TestDefaultChannelMask(t *testing.T) {
	region := GetRegionConfiguration("CN470")

	mask := region.DefaultMask()
	require.Len(t, mask, 6)
	assert.Equal(t, uint16(0x00FF), mask[0])

	// 返回的是副本, 改它不影响区域默认值
	mask[0] = 0xFFFF
	assert.Equal(t, uint16(0x00FF), region.DefaultChannelMask[0])

	require.NoError(t, region.ValidateChannelMask(region.DefaultMask()))
	assert.Error(t, region.ValidateChannelMask([]uint16{0x00FF}))
}

func TestEnabledChannels(t *testing.T) {
	region := GetRegionConfiguration("CN470")

	enabled := region.EnabledChannels(region.DefaultMask())
	require.Len(t, enabled, 8)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, enabled)

	// 第二个字的第0位是信道16
	enabled = region.EnabledChannels([]uint16{0x0000, 0x0001, 0, 0, 0, 0})
	assert.Equal(t, []int{16}, enabled)

	// 超出信道表的位被忽略
	eu := GetRegionConfiguration("EU868")
	enabled = eu.EnabledChannels([]uint16{0xFFFF})
	assert.Equal(t, []int{0, 1, 2}, enabled)
}

func TestMaxPayloadSize(t *testing.T) {
	region := GetRegionConfiguration("CN470")

	size, err := region.MaxPayloadSize(0)
	require.NoError(t, err)
	assert.Equal(t, 51, size)

	size, err = region.MaxPayloadSize(5)
	require.NoError(t, err)
	assert.Equal(t, 222, size)

	_, err = region.MaxPayloadSize(9)
	assert.Error(t, err)
}

func TestValidateDataRate(t *testing.T) {
	region := GetRegionConfiguration("CN470")

	require.NoError(t, region.ValidateDataRate(0))
	require.NoError(t, region.ValidateDataRate(5))
	assert.Error(t, region.ValidateDataRate(6))
	assert.Error(t, region.ValidateDataRate(-1))
}

func TestClassBDefaults(t *testing.T) {
	tests := []struct {
		region     string
		beaconFreq uint32
		beaconDR   int
	}{
		{region: "CN470", beaconFreq: 508300000, beaconDR: 2},
		{region: "EU868", beaconFreq: 869525000, beaconDR: 3},
		{region: "US915", beaconFreq: 923300000, beaconDR: 8},
	}

	for _, tt := range tests {
		r := GetRegionConfiguration(tt.region)
		assert.Equal(t, tt.beaconFreq, r.BeaconFreq, tt.region)
		assert.Equal(t, tt.beaconDR, r.BeaconDR, tt.region)
	}
}

func TestParseIdentifiers(t *testing.T) {
	eui, err := ParseEUI64("70b3d57ed006d020")
	require.NoError(t, err)
	assert.Equal(t, "70b3d57ed006d020", eui.String())

	_, err = ParseEUI64("70b3")
	assert.Error(t, err)

	addr, err := ParseDevAddr("007e6ae1")
	require.NoError(t, err)
	assert.Equal(t, DevAddr{0x00, 0x7e, 0x6a, 0xe1}, addr)

	_, err = ParseDevAddr("zzzz")
	assert.Error(t, err)

	key, err := ParseAES128Key("2b7e151628aed2a6abf7158809cf4f3c")
	require.NoError(t, err)
	assert.Equal(t, testNwkSKey, key)

	_, err = ParseAES128Key("2b7e")
	assert.Error(t, err)
}
