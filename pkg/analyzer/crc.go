package analyzer

import "encoding/binary"

// crc16 computes the Modbus CRC-16 (poly 0xA001, init 0xFFFF) over data.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// ValidCRC checks the Modbus CRC-16 of a frame. The frame's last two bytes
// hold the CRC in little-endian order, computed over everything before them.
func ValidCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	return crc16(frame[:len(frame)-2]) == want
}
