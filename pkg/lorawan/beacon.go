package lorawan

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Class B timing constants
const (
	BeaconPeriod   = 128 * time.Second
	BeaconFrameLen = 17
	MaxPingSlots   = 128
)

// Beacon represents a Class B beacon frame as broadcast every 128 seconds.
// Layout: RFU[2] | Time[4] | CRC[2] | InfoDesc[1] | GwInfo[6] | CRC[2]
type Beacon struct {
	Time     uint32 // seconds since GPS epoch
	InfoDesc byte
	GwInfo   [6]byte
}

// MarshalBinary marshals the beacon with both CRC fields set
func (b *Beacon) MarshalBinary() ([]byte, error) {
	data := make([]byte, BeaconFrameLen)

	// RFU (2 bytes) stays zero
	binary.LittleEndian.PutUint32(data[2:6], b.Time)

	// 前半部分CRC覆盖 RFU|Time
	crc1 := crc16(data[0:6])
	binary.LittleEndian.PutUint16(data[6:8], crc1)

	data[8] = b.InfoDesc
	copy(data[9:15], b.GwInfo[:])

	// 后半部分CRC覆盖 InfoDesc|GwInfo
	crc2 := crc16(data[8:15])
	binary.LittleEndian.PutUint16(data[15:17], crc2)

	return data, nil
}

// UnmarshalBinary unmarshals and validates a beacon frame
func (b *Beacon) UnmarshalBinary(data []byte) error {
	if len(data) != BeaconFrameLen {
		return fmt.Errorf("invalid beacon length: expected %d, got %d", BeaconFrameLen, len(data))
	}

	crc1 := binary.LittleEndian.Uint16(data[6:8])
	if crc16(data[0:6]) != crc1 {
		return fmt.Errorf("beacon time CRC mismatch")
	}

	crc2 := binary.LittleEndian.Uint16(data[15:17])
	if crc16(data[8:15]) != crc2 {
		return fmt.Errorf("beacon info CRC mismatch")
	}

	b.Time = binary.LittleEndian.Uint32(data[2:6])
	b.InfoDesc = data[8]
	copy(b.GwInfo[:], data[9:15])

	return nil
}

// crc16 implements CRC-16 with polynomial x^16+x^12+x^5+1, initial value 0
func crc16(data []byte) uint16 {
	var crc uint16

	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// PingSlotCount returns the number of ping slots per beacon period
// for a periodicity value between 0 and 7
func PingSlotCount(periodicity uint8) (int, error) {
	if periodicity > 7 {
		return 0, fmt.Errorf("ping slot periodicity %d out of range", periodicity)
	}
	return 1 << (7 - periodicity), nil
}

// PingSlotInterval returns the time between consecutive ping slots
func PingSlotInterval(periodicity uint8) (time.Duration, error) {
	count, err := PingSlotCount(periodicity)
	if err != nil {
		return 0, err
	}
	return BeaconPeriod / time.Duration(count), nil
}
