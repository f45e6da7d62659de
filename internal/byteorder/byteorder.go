package byteorder

import (
	"encoding/binary"
	"math"
)

// https://linux.die.net/man/3/ntohs
//
// decrypt names:
// h  = host
// n  = network
// s  = short     = 16 bit
// l  = long      = 32 bit
// ll = long long = 64 bit

func Htons(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Htonll(val uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return buf
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func Ntohll(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

// Signed 32-bit values travel as their two's-complement bit pattern.

func HtonlInt32(val int32) []byte {
	return Htonl(uint32(val))
}

func NtohlInt32(buf []byte) int32 {
	return int32(Ntohl(buf))
}

// Float32 codecs emit the IEEE-754 single-precision bit pattern big-endian.
// Zero encodes to four zero bytes; NaN and the infinities keep their bit
// patterns and occupy exactly four bytes like any finite value.

func Htonf(val float32) []byte {
	return Htonl(math.Float32bits(val))
}

func Ntohf(buf []byte) float32 {
	return math.Float32frombits(Ntohl(buf))
}
