// Package netio wraps stream and datagram sockets with the framed packet
// protocol: length-framed sends, a magic-sentinel resynchronising receive,
// and the UDP anti-congestion send gate.
package netio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/mattjns/friendlink/internal/byteorder"
	"github.com/mattjns/friendlink/internal/debug"
	"github.com/mattjns/friendlink/internal/protocol"
)

const (
	// recvBufSize is the per-read scratch size.
	recvBufSize = 1024
	// stagingSize bounds how many undelivered bytes a connection may hold.
	stagingSize = 2 * recvBufSize
	// MaxDataSize caps a packet payload so a corrupt length field cannot
	// wedge the staging buffer.
	MaxDataSize = stagingSize - protocol.HeaderSize
)

// antiCongestion is the minimum interval between sends on one UDP socket.
var antiCongestion = time.Duration(protocol.AntiCongestionMillis) * time.Millisecond

// ErrMalformed marks framing violations. Receive loops drop the offending
// packet and keep the link; everything else tears it down.
var ErrMalformed = errors.New("malformed packet")

// Conn owns one socket plus the staging state framing needs. The zero value
// is not usable; construct through Dial*/Listen* or Listener.Accept.
type Conn struct {
	conn     net.Conn
	stream   bool
	staging  *circular
	readBuf  []byte
	lastSend time.Time
}

func newConn(conn net.Conn, stream bool) *Conn {
	return &Conn{
		conn:     conn,
		stream:   stream,
		staging:  newCircular(stagingSize),
		readBuf:  make([]byte, recvBufSize),
		lastSend: time.Now(),
	}
}

// DialTCP opens the reliable channel to host:port.
func DialTCP(host, port string) (*Conn, error) {
	conn, err := net.Dial("tcp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("could not dial tcp: %w", err)
	}
	return newConn(conn, true), nil
}

// DialUDP opens a connected datagram socket to host:port.
func DialUDP(host, port string) (*Conn, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("could not dial udp: %w", err)
	}
	return newConn(conn, false), nil
}

// DialUDPAddr opens a connected datagram socket to a resolved address. The
// server uses this to reach a client's inferred UDP endpoint.
func DialUDPAddr(addr *net.UDPAddr) (*Conn, error) {
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial udp %v: %w", addr, err)
	}
	return newConn(conn, false), nil
}

// ListenUDP binds a datagram socket on the local port.
func ListenUDP(port string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}
	return newConn(conn, false), nil
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Close() error {
	return c.conn.Close()
}

// ShutdownSend half-closes a TCP connection so the peer's receive loop sees
// a clean EOF. A no-op on datagram sockets.
func (c *Conn) ShutdownSend() error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return nil
}

// readyToSend reports whether the anti-congestion interval has elapsed. The
// timestamp refreshes on every call, so a rapid burst keeps pushing its own
// window back; this intentionally mirrors the conservative gate of the wire
// protocol's reference behavior.
func (c *Conn) readyToSend() bool {
	now := time.Now()
	ready := !c.lastSend.Add(antiCongestion).After(now)
	c.lastSend = now
	return ready
}

// Send frames and writes one packet. On a gated UDP socket the packet is
// silently dropped inside the anti-congestion window. Only the owner of the
// socket's send side may call this.
func (c *Conn) Send(pkt protocol.Packet) error {
	data, err := pkt.MarshalBinary()
	debug.Assert(err == nil)

	if err := c.SendRaw(data); err != nil {
		return fmt.Errorf("could not send %s packet: %w", pkt.Type, err)
	}
	return nil
}

// SendRaw writes one already-framed buffer, subject to the anti-congestion
// gate on datagram sockets. net.Conn.Write already retries short writes on
// stream sockets; a datagram socket emits the whole buffer as one datagram.
func (c *Conn) SendRaw(data []byte) error {
	if !c.stream && !c.readyToSend() {
		return nil
	}
	_, err := c.conn.Write(data)
	return err
}

// disconnected is the synthetic in-band peer-close signal.
func disconnected() protocol.Packet {
	return protocol.Packet{Type: protocol.TypeSocketDisconnect}
}

// isClosedErr matches the errors that mean the peer or a shutdown path
// closed the socket rather than a genuine transport fault.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// Receive blocks for the next whole packet. Peer close arrives as a
// SocketDisconnect packet with nil error; a non-nil error is either a
// transport fault (link teardown) or a framing violation (drop and go on,
// the stream stays synchronised by the magic scan).
func (c *Conn) Receive() (protocol.Packet, error) {
	if !c.stream {
		return c.receiveDatagram()
	}

	ok, err := c.receiveUntil(byteorder.Htons(protocol.Magic))
	if err != nil {
		return protocol.Packet{}, err
	}
	if !ok {
		return disconnected(), nil
	}

	header, err := c.receiveN(protocol.HeaderSize - 2)
	if err != nil {
		return protocol.Packet{}, err
	}
	if header == nil {
		return disconnected(), nil
	}

	dataSize := byteorder.Ntohl(header[0:4])
	if dataSize > MaxDataSize {
		return protocol.Packet{}, fmt.Errorf("%w: data size %d exceeds limit %d", ErrMalformed, dataSize, MaxDataSize)
	}

	data, err := c.receiveN(int(dataSize))
	if err != nil {
		return protocol.Packet{}, err
	}
	if data == nil && dataSize > 0 {
		return disconnected(), nil
	}

	return protocol.Packet{
		Type:   protocol.PacketTypeOf(header[4]),
		Client: header[5],
		Data:   data,
	}, nil
}

// receiveN stages socket reads until n bytes are available, then pops
// exactly n. A nil slice with nil error means the peer closed.
func (c *Conn) receiveN(n int) ([]byte, error) {
	for c.staging.Len() < n {
		// Never read past what the staging buffer can hold.
		scratch := c.readBuf[:min(recvBufSize, stagingSize-c.staging.Len())]
		read, err := c.conn.Read(scratch)
		if read > 0 {
			if werr := c.staging.Write(scratch[:read]); werr != nil {
				return nil, werr
			}
		}
		if err != nil {
			if isClosedErr(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("could not receive: %w", err)
		}
	}
	if n == 0 {
		return []byte{}, nil
	}
	return c.staging.Read(n)
}

// receiveUntil consumes the stream until the sentinel has been read. False
// with nil error means the peer closed first.
func (c *Conn) receiveUntil(sentinel []byte) (bool, error) {
	for i := 0; i < len(sentinel); {
		b, err := c.receiveN(1)
		if err != nil {
			return false, err
		}
		if b == nil {
			return false, nil
		}
		if b[0] == sentinel[i] {
			i++
		} else {
			i = 0
		}
	}
	return true, nil
}

// receiveDatagram reads one whole packet from a datagram socket.
func (c *Conn) receiveDatagram() (protocol.Packet, error) {
	buf := make([]byte, stagingSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		if isClosedErr(err) {
			return disconnected(), nil
		}
		return protocol.Packet{}, fmt.Errorf("could not receive: %w", err)
	}
	if n == 0 {
		return disconnected(), nil
	}

	pkt := protocol.Packet{}
	if err := pkt.UnmarshalBinary(buf[:n]); err != nil {
		return protocol.Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pkt, nil
}

// ReceiveFrom reads one whole packet from an unconnected datagram socket
// and reports its source address. Used by the server's shared UDP listener.
func (c *Conn) ReceiveFrom() (protocol.Packet, *net.UDPAddr, error) {
	udp, ok := c.conn.(*net.UDPConn)
	debug.Assert(ok)

	buf := make([]byte, stagingSize)
	n, addr, err := udp.ReadFromUDP(buf)
	if err != nil {
		if isClosedErr(err) {
			return disconnected(), nil, nil
		}
		return protocol.Packet{}, nil, fmt.Errorf("could not receive from udp: %w", err)
	}
	if n == 0 {
		return disconnected(), addr, nil
	}

	pkt := protocol.Packet{}
	if err := pkt.UnmarshalBinary(buf[:n]); err != nil {
		return protocol.Packet{}, addr, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pkt, addr, nil
}

// Listener accepts reliable-channel connections.
type Listener struct {
	ln net.Listener
}

func ListenTCP(port string) (*Listener, error) {
	ln, err := net.Listen("tcp4", ":"+port)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept blocks for the next connection. net.ErrClosed surfaces unwrapped
// so accept loops can tell shutdown from a fault.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(conn, true), nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
