package lorawan

import "fmt"

// RegionConfiguration represents region-specific configuration
type RegionConfiguration struct {
	Name                string
	UplinkChannels      []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	RX1DROffsetTable    map[int]map[int]int
	DefaultDataRate     int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
	RX1DelaySeconds     int
	ChannelMaskWords    int      // 信道掩码字数,每字16个信道
	DefaultChannelMask  []uint16 // 默认使能的信道
	BeaconFreq          uint32   // Class B 信标频率
	BeaconDR            int
	PingSlotFreq        uint32 // Class B ping槽下行频率
	PingSlotDR          int
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
	BitRate      int
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) *RegionConfiguration {
	switch region {
	case "EU868":
		return &EU868Configuration
	case "US915":
		return &US915Configuration
	case "CN470", "CN470_510":
		return &CN470Configuration
	default:
		return &CN470Configuration
	}
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name: "EU868",
	UplinkChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
		{SpreadFactor: 7, Bandwidth: 250},  // DR6
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51,
		1: 51,
		2: 51,
		3: 115,
		4: 242,
		5: 242,
		6: 242,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultDataRate:    0,
	DefaultRX2DR:       0,
	DefaultRX2Freq:     869525000,
	RX1DelaySeconds:    1,
	ChannelMaskWords:   1,
	DefaultChannelMask: []uint16{0x0007},
	BeaconFreq:         869525000,
	BeaconDR:           3,
	PingSlotFreq:       869525000,
	PingSlotDR:         3,
}

// US915Configuration for US 915MHz band
var US915Configuration = RegionConfiguration{
	Name:           "US915",
	UplinkChannels: generateUS915Channels(),
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125}, // DR0
		{SpreadFactor: 9, Bandwidth: 125},  // DR1
		{SpreadFactor: 8, Bandwidth: 125},  // DR2
		{SpreadFactor: 7, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 500},  // DR4
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 11,
		1: 53,
		2: 125,
		3: 242,
		4: 242,
	},
	DefaultDataRate:    0,
	DefaultRX2DR:       8,
	DefaultRX2Freq:     923300000,
	RX1DelaySeconds:    1,
	ChannelMaskWords:   6,
	DefaultChannelMask: []uint16{0x00FF, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000},
	BeaconFreq:         923300000,
	BeaconDR:           8,
	PingSlotFreq:       923300000,
	PingSlotDR:         8,
}

// CN470Configuration for China 470-490MHz band
var CN470Configuration = RegionConfiguration{
	Name:           "CN470",
	UplinkChannels: generateCN470Channels(),
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125}, // DR0
		{SpreadFactor: 11, Bandwidth: 125}, // DR1
		{SpreadFactor: 10, Bandwidth: 125}, // DR2
		{SpreadFactor: 9, Bandwidth: 125},  // DR3
		{SpreadFactor: 8, Bandwidth: 125},  // DR4
		{SpreadFactor: 7, Bandwidth: 125},  // DR5
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222,
	},
	RX1DROffsetTable: map[int]map[int]int{
		0: {0: 0, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		1: {0: 1, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		2: {0: 2, 1: 1, 2: 0, 3: 0, 4: 0, 5: 0},
		3: {0: 3, 1: 2, 2: 1, 3: 0, 4: 0, 5: 0},
		4: {0: 4, 1: 3, 2: 2, 3: 1, 4: 0, 5: 0},
		5: {0: 5, 1: 4, 2: 3, 3: 2, 4: 1, 5: 0},
	},
	DefaultDataRate: 0,
	DefaultRX2DR:    0,
	DefaultRX2Freq:  505300000,
	RX1DelaySeconds: 1,
	// 96个上行信道分成6组,默认只开前8个
	ChannelMaskWords:   6,
	DefaultChannelMask: []uint16{0x00FF, 0x0000, 0x0000, 0x0000, 0x0000, 0x0000},
	BeaconFreq:         508300000,
	BeaconDR:           2,
	PingSlotFreq:       508300000,
	PingSlotDR:         2,
}

// generateCN470Channels 生成CN470全部96个上行信道
func generateCN470Channels() []Channel {
	channels := make([]Channel, 96)
	baseFreq := uint32(470300000) // 470.3 MHz

	for i := 0; i < 96; i++ {
		channels[i] = Channel{
			Frequency: baseFreq + uint32(i*200000), // 200kHz spacing
			MinDR:     0,
			MaxDR:     5,
		}
	}

	return channels
}

// generateUS915Channels 生成US915的64个125kHz上行信道
func generateUS915Channels() []Channel {
	channels := make([]Channel, 64)
	baseFreq := uint32(902300000) // 902.3 MHz

	for i := 0; i < 64; i++ {
		channels[i] = Channel{
			Frequency: baseFreq + uint32(i*200000),
			MinDR:     0,
			MaxDR:     3,
		}
	}

	return channels
}

// GetRX1DataRateOffset calculates RX1 data rate
func (r *RegionConfiguration) GetRX1DataRateOffset(uplinkDR, rx1DROffset uint8) (uint8, error) {
	if r.RX1DROffsetTable != nil {
		if drMap, ok := r.RX1DROffsetTable[int(uplinkDR)]; ok {
			if dr, ok := drMap[int(rx1DROffset)]; ok {
				return uint8(dr), nil
			}
		}
	}

	// Default behavior
	dr := int(uplinkDR) - int(rx1DROffset)
	if dr < 0 {
		dr = 0
	}
	return uint8(dr), nil
}

// MaxPayloadSize 返回指定速率下应用负载的最大字节数
func (r *RegionConfiguration) MaxPayloadSize(dr int) (int, error) {
	size, ok := r.MaxPayloadSizePerDR[dr]
	if !ok {
		return 0, fmt.Errorf("data rate DR%d not defined for region %s", dr, r.Name)
	}
	return size, nil
}

// ValidateDataRate 校验速率索引是否在区域范围内
func (r *RegionConfiguration) ValidateDataRate(dr int) error {
	if dr < 0 || dr >= len(r.DataRates) {
		return fmt.Errorf("data rate DR%d out of range for region %s", dr, r.Name)
	}
	return nil
}

// ValidateChannelMask 校验信道掩码字数
func (r *RegionConfiguration) ValidateChannelMask(mask []uint16) error {
	if len(mask) != r.ChannelMaskWords {
		return fmt.Errorf("channel mask needs %d words for region %s, got %d",
			r.ChannelMaskWords, r.Name, len(mask))
	}
	return nil
}

// DefaultMask returns a copy of the region default channel mask
func (r *RegionConfiguration) DefaultMask() []uint16 {
	mask := make([]uint16, len(r.DefaultChannelMask))
	copy(mask, r.DefaultChannelMask)
	return mask
}

// EnabledChannels 根据掩码返回所有使能的信道索引
func (r *RegionConfiguration) EnabledChannels(mask []uint16) []int {
	var enabled []int

	for word := 0; word < len(mask); word++ {
		for bit := 0; bit < 16; bit++ {
			if mask[word]&(1<<uint(bit)) == 0 {
				continue
			}
			idx := word*16 + bit
			if idx < len(r.UplinkChannels) {
				enabled = append(enabled, idx)
			}
		}
	}

	return enabled
}

// ChannelFrequency 返回信道索引对应的上行频率
func (r *RegionConfiguration) ChannelFrequency(idx int) (uint32, error) {
	if idx < 0 || idx >= len(r.UplinkChannels) {
		return 0, fmt.Errorf("channel index %d out of range for region %s", idx, r.Name)
	}
	return r.UplinkChannels[idx].Frequency, nil
}
