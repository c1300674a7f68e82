package storage

import (
	"encoding/binary"
	"fmt"
)

func encodeSeq(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func decodeSeq(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("bad seq value: %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
