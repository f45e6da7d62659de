// Package relayclient maintains a client's link to the relay server: the
// reliable TCP channel, the two UDP sockets, and the background send and
// receive pipelines.
package relayclient

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mattjns/friendlink/internal/debug"
	"github.com/mattjns/friendlink/internal/netio"
	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/mattjns/friendlink/internal/sharing"
	"github.com/phuslu/log"
)

// Receiver gets everything the link hears from the server. Packet is called
// from both the TCP and the UDP receive goroutines; implementations
// serialise internally.
type Receiver interface {
	InitialMessage(protocol.InitialMessage)
	Disconnected()
	Packet(protocol.Packet)
	Error(msg string)
}

// ServerLink owns the three sockets and two outbound queues of one client
// connection. Construct with Dial, then ReceiveInitialMessage, then
// StartDataTransfer.
type ServerLink struct {
	tcp     *netio.Conn // reliable channel
	udpRecv *netio.Conn // bound on the local tcp-port number
	udpSend *netio.Conn // connected to the server's udp port

	logger   *log.Logger
	receiver Receiver

	reliableMu sync.Mutex
	reliable   *sharing.FixedQueue
	unreliable *sharing.FixedQueue

	slot       uint8
	maxClients uint8

	connected atomic.Bool
	wg        sync.WaitGroup
}

// Dial connects to the server. tcpPort doubles as the local UDP receive
// port; udpPort is the server's datagram listener.
func Dial(host, tcpPort, udpPort string, receiver Receiver, logger *log.Logger) (*ServerLink, error) {
	return DialWithReceivePort(host, tcpPort, udpPort, tcpPort, receiver, logger)
}

// DialWithReceivePort binds the datagram receive socket on recvPort instead
// of the tcp port number. The server still addresses clients on the shared
// port, so only one client per host can hear the unreliable channel; extra
// local clients (tests, mostly) take an ephemeral port here.
func DialWithReceivePort(host, tcpPort, udpPort, recvPort string, receiver Receiver, logger *log.Logger) (*ServerLink, error) {
	debug.Assert(receiver != nil)

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	tcp, err := netio.DialTCP(host, tcpPort)
	if err != nil {
		return nil, fmt.Errorf("could not connect reliable channel: %w", err)
	}

	udpRecv, err := netio.ListenUDP(recvPort)
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("could not bind receive socket: %w", err)
	}

	udpSend, err := netio.DialUDP(host, udpPort)
	if err != nil {
		tcp.Close()
		udpRecv.Close()
		return nil, fmt.Errorf("could not connect send socket: %w", err)
	}

	l := &ServerLink{
		tcp:      tcp,
		udpRecv:  udpRecv,
		udpSend:  udpSend,
		logger:   logger,
		receiver: receiver,

		reliable:   sharing.NewFixedQueue(0),
		unreliable: sharing.NewFixedQueue(0),
	}
	l.connected.Store(true)
	return l, nil
}

func (l *ServerLink) IsActive() bool {
	return l.connected.Load()
}

// Slot is this client's server slot, valid after ReceiveInitialMessage.
func (l *ServerLink) Slot() uint8 {
	return l.slot
}

// MaxClients is the server's slot count, valid after ReceiveInitialMessage.
func (l *ServerLink) MaxClients() uint8 {
	return l.maxClients
}

// Disconnect flips the link inactive. The loops notice and wind down; Close
// still has to run to release the sockets.
func (l *ServerLink) Disconnect() {
	l.connected.Store(false)
}

// ReceiveInitialMessage blocks on the TCP socket until the server's
// handshake arrives, recording the assigned slot. A full server or a close
// before the handshake disconnects the link.
func (l *ServerLink) ReceiveInitialMessage() error {
	for l.IsActive() {
		pkt, err := l.tcp.Receive()
		if err != nil {
			l.receiver.Error(err.Error())
			l.logger.Error().Msgf("could not receive initial message: %v", err)
			l.Disconnect()
			return err
		}

		switch pkt.Type {
		case protocol.TypeInitialMessage:
			msg, err := protocol.ParseInitialMessage(pkt)
			if err != nil {
				l.receiver.Error(err.Error())
				l.logger.Error().Msgf("bad initial message: %v", err)
				l.Disconnect()
				return err
			}
			l.receiver.InitialMessage(msg)
			l.slot = msg.Slot
			l.maxClients = msg.MaxClients
			if msg.Rejected() {
				l.receiver.Error("Server is full.")
				l.logger.Error().Msg("Server is full.")
				l.Disconnect()
				return fmt.Errorf("server is full")
			}
			return nil
		case protocol.TypeSocketDisconnect:
			l.Disconnect()
			return fmt.Errorf("disconnected before initial message")
		}
	}
	return fmt.Errorf("link inactive")
}

// SendReliable queues a property stream on the reliable channel. Safe to
// call from any goroutine.
func (l *ServerLink) SendReliable(stream *protocol.Stream) {
	l.SendReliablePacket(stream.PacketFor(l.slot))
}

// SendReliablePacket queues one packet on the reliable channel. Safe to
// call from any goroutine.
func (l *ServerLink) SendReliablePacket(pkt protocol.Packet) {
	data, err := pkt.MarshalBinary()
	debug.Assert(err == nil)

	l.reliableMu.Lock()
	defer l.reliableMu.Unlock()
	l.reliable.Push(data)
}

// Send queues a property stream on the unreliable channel. Single caller
// goroutine only; the queue has one producer.
func (l *ServerLink) Send(stream *protocol.Stream) {
	pkt := stream.PacketFor(l.slot)
	data, err := pkt.MarshalBinary()
	debug.Assert(err == nil)

	l.unreliable.Push(data)
}

// SendDataRequest asks every peer for a fresh snapshot.
func (l *ServerLink) SendDataRequest() {
	l.SendReliablePacket(protocol.NewDataRequest(l.slot))
}

// StartDataTransfer launches the send loop and both receive loops.
func (l *ServerLink) StartDataTransfer() {
	l.wg.Add(3)
	go func() {
		defer l.wg.Done()
		l.sendLoop()
	}()
	go func() {
		defer l.wg.Done()
		l.receiveLoopTCP()
	}()
	go func() {
		defer l.wg.Done()
		l.receiveLoopUDP()
	}()
}

func (l *ServerLink) sendLoop() {
	for l.IsActive() {
		data, sentReliable := l.reliable.Pop()
		if sentReliable {
			if err := l.tcp.SendRaw(data); err != nil {
				l.sendFailed(err)
				break
			}
		}

		data, sentUnreliable := l.unreliable.Pop()
		if sentUnreliable {
			if err := l.udpSend.SendRaw(data); err != nil {
				l.sendFailed(err)
				break
			}
		}

		if !sentReliable && !sentUnreliable {
			time.Sleep(time.Millisecond)
		}
	}

	if err := l.tcp.ShutdownSend(); err != nil {
		l.logger.Error().Msgf("could not shutdown send side: %v", err)
	}
}

func (l *ServerLink) sendFailed(err error) {
	if l.IsActive() {
		l.logger.Error().Msgf("could not send: %v", err)
		l.receiver.Error(err.Error())
	}
	l.Disconnect()
}

func (l *ServerLink) receiveLoopTCP() {
	for l.IsActive() {
		pkt, err := l.tcp.Receive()
		if errors.Is(err, netio.ErrMalformed) {
			l.logger.Error().Msgf("dropping packet on tcp: %v", err)
			continue
		}
		if err != nil {
			if l.IsActive() {
				l.logger.Error().Msgf("could not receive on tcp: %v", err)
				l.receiver.Error(err.Error())
			}
			break
		}
		if pkt.Type == protocol.TypeSocketDisconnect {
			break
		}
		l.receiver.Packet(pkt)
	}
	l.Disconnect()
	l.receiver.Disconnected()
}

func (l *ServerLink) receiveLoopUDP() {
	for l.IsActive() {
		pkt, err := l.udpRecv.Receive()
		if errors.Is(err, netio.ErrMalformed) {
			l.logger.Error().Msgf("dropping datagram: %v", err)
			continue
		}
		if err != nil {
			// A socket closed by Close during shutdown is routine;
			// anything else gets reported.
			if l.IsActive() {
				l.logger.Error().Msgf("could not receive on udp: %v", err)
				l.receiver.Error(err.Error())
			}
			break
		}
		if pkt.Type == protocol.TypeSocketDisconnect {
			break
		}
		l.receiver.Packet(pkt)
	}
	l.Disconnect()
}

// Close tears the link down: flips it inactive, releases the sockets
// (unblocking both receive loops) and joins the pipelines.
func (l *ServerLink) Close() error {
	l.Disconnect()

	var errs error
	for _, conn := range []*netio.Conn{l.udpRecv, l.udpSend, l.tcp} {
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	l.wg.Wait()
	return errs
}
