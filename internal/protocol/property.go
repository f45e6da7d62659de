package protocol

import (
	"bytes"
	"fmt"

	"github.com/mattjns/friendlink/internal/byteorder"
	"github.com/mattjns/friendlink/internal/debug"
)

// PropertyType tags one avatar attribute inside a property stream. The tag
// set is closed: decoders reject bytes outside it.
type PropertyType uint8

const (
	PropID PropertyType = iota
	PropCellName
	PropStatus
	PropName
	PropLocation
	PropWorldSpaceName
	PropLoadedState

	propertyTypeCount
)

func (t PropertyType) String() string {
	switch t {
	case PropID:
		return "id"
	case PropCellName:
		return "cell-name"
	case PropStatus:
		return "status"
	case PropName:
		return "name"
	case PropLocation:
		return "location"
	case PropWorldSpaceName:
		return "world-space-name"
	case PropLoadedState:
		return "loaded-state"
	default:
		return "unknown"
	}
}

// Property is one tagged value: (tag:u8, length:u32 BE, bytes).
type Property struct {
	Type  PropertyType
	Value []byte
}

// Stream packs and unpacks an ordered sequence of properties. There is no
// outer count; the end is buffer exhaustion. Iterate like bufio.Scanner:
//
//	for stream.Next() {
//		apply(stream.Property())
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	packed  []byte
	current Property
	err     error
}

// NewStream wraps already-packed property bytes, typically the payload of a
// properties packet.
func NewStream(packed []byte) *Stream {
	return &Stream{packed: packed}
}

func (s *Stream) Empty() bool {
	return len(s.packed) == 0
}

// Packed returns the remaining undecoded bytes. On a freshly built stream
// that is the full serialised form.
func (s *Stream) Packed() []byte {
	return s.packed
}

func (s *Stream) Clear() {
	s.packed = nil
	s.current = Property{}
	s.err = nil
}

// Append extends the stream with tag || len || bytes.
func (s *Stream) Append(p Property) {
	debug.Assert(p.Type < propertyTypeCount)

	buf := bytes.Buffer{}
	buf.Grow(len(s.packed) + 5 + len(p.Value))
	buf.Write(s.packed)
	buf.WriteByte(byte(p.Type))
	buf.Write(byteorder.Htonl(uint32(len(p.Value))))
	buf.Write(p.Value)
	s.packed = buf.Bytes()
}

// AppendStream concatenates another stream's packed bytes. Streams are
// concatenable by construction.
func (s *Stream) AppendStream(o *Stream) {
	s.packed = append(s.packed, o.packed...)
}

// Next decodes one property, reporting false at exhaustion or on a malformed
// tail. Check Err afterwards to tell the two apart.
func (s *Stream) Next() bool {
	if s.err != nil || len(s.packed) == 0 {
		return false
	}
	if len(s.packed) < 5 {
		s.err = fmt.Errorf("property header truncated (got %d bytes)", len(s.packed))
		return false
	}
	if s.packed[0] >= byte(propertyTypeCount) {
		s.err = fmt.Errorf("unknown property tag %d", s.packed[0])
		return false
	}

	length := byteorder.Ntohl(s.packed[1:5])
	if uint32(len(s.packed)-5) < length {
		s.err = fmt.Errorf("property value truncated (got %d; want %d)", len(s.packed)-5, length)
		return false
	}

	s.current = Property{
		Type:  PropertyType(s.packed[0]),
		Value: append([]byte(nil), s.packed[5:5+length]...),
	}
	s.packed = s.packed[5+length:]
	return true
}

// Property returns the value decoded by the last successful Next.
func (s *Stream) Property() Property {
	return s.current
}

func (s *Stream) Err() error {
	return s.err
}

// PacketFor wraps the stream into a properties packet owned by slot.
func (s *Stream) PacketFor(slot uint8) Packet {
	return Packet{
		Type:   TypeProperties,
		Client: slot,
		Data:   append([]byte(nil), s.packed...),
	}
}

// PackString packs a string-valued property. Valid for the name tags
// (PropName, PropCellName, PropWorldSpaceName).
func PackString(t PropertyType, v string) Property {
	return Property{Type: t, Value: []byte(v)}
}

func UnpackString(p Property) string {
	return string(p.Value)
}

func PackID(slot uint8) Property {
	return Property{Type: PropID, Value: []byte{slot}}
}

func UnpackID(p Property) (uint8, error) {
	if p.Type != PropID {
		return 0, fmt.Errorf("expected id property (got %s)", p.Type)
	}
	if len(p.Value) != 1 {
		return 0, fmt.Errorf("id property wrong length (got %d; want 1)", len(p.Value))
	}
	return p.Value[0], nil
}

// LoadedState carries eight opaque 32-bit fields sampled from the host's
// loaded-object state. The relay never interprets them.
type LoadedState struct {
	Fields [8]uint32
}

const loadedStateSize = 8 * 4

func (ls LoadedState) ToProperty() Property {
	value := make([]byte, 0, loadedStateSize)
	for _, f := range ls.Fields {
		value = append(value, byteorder.Htonl(f)...)
	}
	return Property{Type: PropLoadedState, Value: value}
}

func ParseLoadedState(p Property) (LoadedState, error) {
	if p.Type != PropLoadedState {
		return LoadedState{}, fmt.Errorf("expected loaded-state property (got %s)", p.Type)
	}
	if len(p.Value) != loadedStateSize {
		return LoadedState{}, fmt.Errorf("loaded state wrong length (got %d; want %d)", len(p.Value), loadedStateSize)
	}
	ls := LoadedState{}
	for i := range ls.Fields {
		ls.Fields[i] = byteorder.Ntohl(p.Value[i*4 : i*4+4])
	}
	return ls, nil
}
