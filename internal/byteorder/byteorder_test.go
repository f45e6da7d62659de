package byteorder_test

import (
	"math"
	"testing"

	"github.com/matryer/is"
	"github.com/mattjns/friendlink/internal/byteorder"
)

func TestUintRoundTrips(t *testing.T) {
	is := is.New(t)

	for _, tc := range []uint16{0, 1, 25655, math.MaxUint16} {
		buf := byteorder.Htons(tc)
		is.Equal(len(buf), 2)
		is.Equal(byteorder.Ntohs(buf), tc)
	}

	for _, tc := range []uint32{0, 1, 42, 0xDEADBEEF, math.MaxUint32} {
		buf := byteorder.Htonl(tc)
		is.Equal(len(buf), 4)
		is.Equal(byteorder.Ntohl(buf), tc)
	}

	for _, tc := range []uint64{0, 1, math.MaxUint64} {
		buf := byteorder.Htonll(tc)
		is.Equal(len(buf), 8)
		is.Equal(byteorder.Ntohll(buf), tc)
	}
}

func TestUint32BigEndianLayout(t *testing.T) {
	is := is.New(t)

	buf := byteorder.Htonl(0x01020304)
	is.Equal(buf, []byte{0x01, 0x02, 0x03, 0x04})
}

func TestInt32RoundTrips(t *testing.T) {
	is := is.New(t)

	for _, tc := range []int32{0, 1, -1, 42, -42, math.MaxInt32, math.MinInt32} {
		buf := byteorder.HtonlInt32(tc)
		is.Equal(len(buf), 4)
		is.Equal(byteorder.NtohlInt32(buf), tc)
	}
}

func TestFloat32RoundTrips(t *testing.T) {
	is := is.New(t)

	cases := []float32{
		0, 1, -1, 0.5, -0.5, 3.1415927, -123456.789,
		math.MaxFloat32, -math.MaxFloat32, math.SmallestNonzeroFloat32,
	}
	for _, tc := range cases {
		buf := byteorder.Htonf(tc)
		is.Equal(len(buf), 4)
		is.Equal(byteorder.Ntohf(buf), tc)
	}
}

func TestFloat32ZeroIsAllZeroBits(t *testing.T) {
	is := is.New(t)

	is.Equal(byteorder.Htonf(0), []byte{0, 0, 0, 0})
}

func TestFloat32SpecialsStayFourBytes(t *testing.T) {
	is := is.New(t)

	for _, tc := range []float32{
		float32(math.NaN()),
		float32(math.Inf(1)),
		float32(math.Inf(-1)),
	} {
		buf := byteorder.Htonf(tc)
		is.Equal(len(buf), 4)
	}
}
