package protocol

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/mattjns/friendlink/internal/byteorder"
	"github.com/mattjns/friendlink/internal/debug"
)

const (
	// Magic is the sentinel that opens every packet. TCP receivers scan
	// for it to resynchronise framing.
	Magic uint16 = 25655

	// HeaderSize covers magic (2) + data size (4) + type (1) + client (1).
	HeaderSize = 8
)

type PacketType uint8

const (
	TypeUndefined PacketType = iota
	TypeInitialMessage
	TypeProperties
	TypeStatus
	TypeSocketDisconnect
	TypeDataRequest

	packetTypeCount
)

func (t PacketType) String() string {
	switch t {
	case TypeInitialMessage:
		return "initial-message"
	case TypeProperties:
		return "properties"
	case TypeStatus:
		return "status"
	case TypeSocketDisconnect:
		return "socket-disconnect"
	case TypeDataRequest:
		return "data-request"
	default:
		return "undefined"
	}
}

// PacketTypeOf clamps unknown type bytes to TypeUndefined. Dispatch ignores
// undefined packets instead of dropping the link.
func PacketTypeOf(b byte) PacketType {
	if b >= byte(packetTypeCount) {
		return TypeUndefined
	}
	return PacketType(b)
}

// Packet is one framed message. Client is the slot of the owning
// participant; a server-origin packet carries the max-clients value there.
type Packet struct {
	Type   PacketType
	Client uint8
	Data   []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Packet)(nil)
	_ encoding.BinaryUnmarshaler = (*Packet)(nil)
)

func (p *Packet) DataSize() uint32 {
	return uint32(len(p.Data))
}

func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}
	buf.Grow(HeaderSize + len(p.Data))

	buf.Write(byteorder.Htons(Magic))
	buf.Write(byteorder.Htonl(p.DataSize()))
	buf.WriteByte(byte(p.Type))
	buf.WriteByte(p.Client)
	buf.Write(p.Data)

	data := buf.Bytes()
	debug.Assert(len(data) == HeaderSize+len(p.Data))

	return data, nil
}

// UnmarshalBinary parses a whole packed packet. An empty buffer decodes to
// the synthetic SocketDisconnect: a zero-length read is the in-band signal
// for peer close.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*p = Packet{Type: TypeSocketDisconnect}
		return nil
	}
	if len(data) < HeaderSize {
		return fmt.Errorf("packet too short (got %d; want >= %d)", len(data), HeaderSize)
	}
	if magic := byteorder.Ntohs(data[0:2]); magic != Magic {
		return fmt.Errorf("packet magic mismatch (got %d; want %d)", magic, Magic)
	}

	dataSize := byteorder.Ntohl(data[2:6])
	if uint32(len(data)-HeaderSize) < dataSize {
		return fmt.Errorf("packet data truncated (got %d; want %d)", len(data)-HeaderSize, dataSize)
	}

	p.Type = PacketTypeOf(data[6])
	p.Client = data[7]
	p.Data = append([]byte(nil), data[HeaderSize:HeaderSize+dataSize]...)

	return nil
}

// Status is the payload of a TypeStatus packet.
type Status uint8

const (
	StatusNew Status = iota
	StatusActive
	StatusDisconnected

	statusCount
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusActive:
		return "active"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func PackStatus(slot uint8, status Status) Packet {
	debug.Assert(status < statusCount)
	return Packet{
		Type:   TypeStatus,
		Client: slot,
		Data:   []byte{byte(status)},
	}
}

func UnpackStatus(p Packet) (Status, error) {
	if p.Type != TypeStatus {
		return 0, fmt.Errorf("expected status packet (got %s)", p.Type)
	}
	if len(p.Data) != 1 {
		return 0, fmt.Errorf("status payload wrong length (got %d; want 1)", len(p.Data))
	}
	if p.Data[0] >= byte(statusCount) {
		return 0, fmt.Errorf("status out of range (got %d)", p.Data[0])
	}
	return Status(p.Data[0]), nil
}

// NewDataRequest asks every peer for a fresh property snapshot on behalf of
// slot. The single '0' byte is a placeholder payload; receivers never look
// at it.
func NewDataRequest(slot uint8) Packet {
	return Packet{
		Type:   TypeDataRequest,
		Client: slot,
		Data:   []byte{'0'},
	}
}

// InitialMessage is the first packet a server sends down a fresh TCP
// connection. MaxClients = Slot = 0 means the server is full and the
// connection is about to be dropped.
type InitialMessage struct {
	MaxClients uint8
	Slot       uint8
}

// Rejected reports whether the server refused the connection.
func (m InitialMessage) Rejected() bool {
	return m.Slot >= m.MaxClients
}

func (m InitialMessage) Packed() Packet {
	return Packet{
		Type:   TypeInitialMessage,
		Client: m.MaxClients,
		Data:   []byte{m.MaxClients, m.Slot},
	}
}

func ParseInitialMessage(p Packet) (InitialMessage, error) {
	if p.Type != TypeInitialMessage {
		return InitialMessage{}, fmt.Errorf("expected initial-message packet (got %s)", p.Type)
	}
	if len(p.Data) != 2 {
		return InitialMessage{}, fmt.Errorf("initial message wrong length (got %d; want 2)", len(p.Data))
	}
	return InitialMessage{MaxClients: p.Data[0], Slot: p.Data[1]}, nil
}
