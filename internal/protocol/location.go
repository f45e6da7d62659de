package protocol

import (
	"encoding"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mattjns/friendlink/internal/byteorder"
)

// AntiCongestionMillis is the minimum interval between UDP sends and the
// safe non-zero default for time arithmetic over empty locations.
const AntiCongestionMillis int32 = 35

// LocationSize is the fixed wire size:
// elapsed i32 + flags u8 + worldSpace u32 + cell u32 + 3 * f32.
const LocationSize = 4 + 1 + 4 + 4 + 3*4

const (
	flagHasCell       = 1 << 0
	flagHasWorldSpace = 1 << 1
	flagReservedMask  = ^byte(flagHasCell | flagHasWorldSpace)
)

var (
	epochOnce sync.Once
	epoch     time.Time
)

// elapsedSinceEpoch stamps locations against a process-wide monotonic epoch
// captured when the first location is constructed.
func elapsedSinceEpoch() int32 {
	epochOnce.Do(func() { epoch = time.Now() })
	return int32(time.Since(epoch) / time.Millisecond)
}

// Location is a timestamped position with optional containment identifiers.
//
// The world space is absent inside interior cells. The cell is only absent
// between loads, so a location without a cell is considered empty and its
// coordinates carry no meaning.
type Location struct {
	Elapsed       int32
	WorldSpaceID  uint32
	CellID        uint32
	X, Y, Z       float32
	hasWorldSpace bool
	hasCell       bool
}

// NewLocation builds an exterior location with both containment ids,
// stamped against the process epoch.
func NewLocation(worldSpaceID, cellID uint32, x, y, z float32) Location {
	return Location{
		Elapsed:       elapsedSinceEpoch(),
		WorldSpaceID:  worldSpaceID,
		CellID:        cellID,
		X:             x,
		Y:             y,
		Z:             z,
		hasWorldSpace: true,
		hasCell:       true,
	}
}

// NewInteriorLocation builds a location inside an interior cell, where no
// world space exists.
func NewInteriorLocation(cellID uint32, x, y, z float32) Location {
	return Location{
		Elapsed: elapsedSinceEpoch(),
		CellID:  cellID,
		X:       x,
		Y:       y,
		Z:       z,
		hasCell: true,
	}
}

// EmptyLocation builds the between-loads location. Consumers ignore its
// coordinates.
func EmptyLocation() Location {
	return Location{Elapsed: elapsedSinceEpoch()}
}

func (l Location) HasWorldSpace() bool { return l.hasWorldSpace }
func (l Location) HasCell() bool       { return l.hasCell }

// IsEmpty is true when the location names no cell.
func (l Location) IsEmpty() bool { return !l.hasCell }

func (l Location) flags() byte {
	var f byte
	if l.hasCell {
		f |= flagHasCell
	}
	if l.hasWorldSpace {
		f |= flagHasWorldSpace
	}
	return f
}

var (
	_ encoding.BinaryMarshaler   = (*Location)(nil)
	_ encoding.BinaryUnmarshaler = (*Location)(nil)
)

func (l *Location) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, LocationSize)
	buf = append(buf, byteorder.HtonlInt32(l.Elapsed)...)
	buf = append(buf, l.flags())
	buf = append(buf, byteorder.Htonl(l.WorldSpaceID)...)
	buf = append(buf, byteorder.Htonl(l.CellID)...)
	buf = append(buf, byteorder.Htonf(l.X)...)
	buf = append(buf, byteorder.Htonf(l.Y)...)
	buf = append(buf, byteorder.Htonf(l.Z)...)
	return buf, nil
}

func (l *Location) UnmarshalBinary(data []byte) error {
	if len(data) != LocationSize {
		return fmt.Errorf("location wrong length (got %d; want %d)", len(data), LocationSize)
	}
	flags := data[4]
	if flags&flagReservedMask != 0 {
		return fmt.Errorf("location reserved flag bits set (got %#02x)", flags)
	}

	l.Elapsed = byteorder.NtohlInt32(data[0:4])
	l.hasCell = flags&flagHasCell != 0
	l.hasWorldSpace = flags&flagHasWorldSpace != 0
	l.WorldSpaceID = byteorder.Ntohl(data[5:9])
	l.CellID = byteorder.Ntohl(data[9:13])
	l.X = byteorder.Ntohf(data[13:17])
	l.Y = byteorder.Ntohf(data[17:21])
	l.Z = byteorder.Ntohf(data[21:25])
	return nil
}

func (l Location) ToProperty() Property {
	value, _ := l.MarshalBinary() // cannot fail
	return Property{Type: PropLocation, Value: value}
}

func ParseLocation(p Property) (Location, error) {
	if p.Type != PropLocation {
		return Location{}, fmt.Errorf("expected location property (got %s)", p.Type)
	}
	l := Location{}
	if err := l.UnmarshalBinary(p.Value); err != nil {
		return Location{}, err
	}
	return l, nil
}

func (l Location) String() string {
	if l.IsEmpty() {
		return "empty"
	}
	return fmt.Sprintf("ws=%d cell=%d (%g, %g, %g)", l.WorldSpaceID, l.CellID, l.X, l.Y, l.Z)
}

// TimeSubtract returns a.Elapsed - b.Elapsed in milliseconds. When either
// side is empty there is no meaningful delta, so the anti-congestion
// interval stands in as a safe non-zero default.
func TimeSubtract(a, b Location) int32 {
	if a.IsEmpty() || b.IsEmpty() {
		return AntiCongestionMillis
	}
	return a.Elapsed - b.Elapsed
}

// DistanceBetween is the Euclidean distance over the three coordinate axes,
// or 0 when either location is empty.
func DistanceBetween(a, b Location) float32 {
	if a.IsEmpty() || b.IsEmpty() {
		return 0
	}
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return float32(math.Sqrt(dx*dx + dy*dy + dz*dz))
}

// InSameCell is true when neither location has a cell or both cell ids
// match.
func InSameCell(a, b Location) bool {
	if !a.hasCell && !b.hasCell {
		return true
	}
	return a.hasCell && b.hasCell && a.CellID == b.CellID
}

// InSameWorldSpace is true when neither location has a world space or both
// world space ids match.
func InSameWorldSpace(a, b Location) bool {
	if !a.hasWorldSpace && !b.hasWorldSpace {
		return true
	}
	return a.hasWorldSpace && b.hasWorldSpace && a.WorldSpaceID == b.WorldSpaceID
}

// InSameArea is true when the locations share a cell, or both have a world
// space and the world space ids match.
func InSameArea(a, b Location) bool {
	if InSameCell(a, b) {
		return true
	}
	return a.hasWorldSpace && b.hasWorldSpace && a.WorldSpaceID == b.WorldSpaceID
}
