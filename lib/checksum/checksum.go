package checksum

import (
	"hash"
	"hash/crc32"
	"strconv"
)

// New returns a running CRC-32 (IEEE) hash.
func New() hash.Hash32 {
	return crc32.NewIEEE()
}

func CalculateCheckSum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Format renders a checksum the way peers exchange it: as a decimal string.
func Format(sum uint32) string {
	return strconv.FormatUint(uint64(sum), 10)
}

func Parse(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(v), nil
}
