package ogg

// Ogg CRC-32: polynomial 0x04C11DB7, zero initial value, no reflection and
// no final inversion. It covers the whole page with the checksum field zeroed.
var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

func updateCRC(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// pageCRC computes the checksum of a page from its header and body. The
// checksum field inside header is treated as zero.
func pageCRC(header, body []byte) uint32 {
	var crc uint32
	crc = updateCRC(crc, header[:checksumOffset])
	crc = updateCRC(crc, []byte{0, 0, 0, 0})
	crc = updateCRC(crc, header[checksumOffset+4:])
	return updateCRC(crc, body)
}
