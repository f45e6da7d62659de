package relayserver

import (
	"errors"
	"fmt"
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

// broadcaster is the non-owning handle a session holds back into its
// registry. Sessions broadcast through it; the registry owns the sessions.
type broadcaster interface {
	SendReliableToAll(protocol.Packet)
}

// session serves one connected client: an outbound pipeline walking the
// per-source queue columns and an inbound loop on the TCP socket.
//
// The queue arrays are indexed by source slot. Each source's receive
// goroutine writes only its own column and this session's send goroutine is
// the only reader, which keeps every queue single-producer
// single-consumer and stops one slow source from stalling the others.
type session struct {
	slot uint8
	size uint8

	tcp *netio.Conn
	udp *netio.Conn

	reliable   []*sharing.FixedQueue
	unreliable []*sharing.FixedQueue

	registry  broadcaster
	logger    *log.Logger
	connected atomic.Bool
	wg        sync.WaitGroup
}

// newSession runs the join protocol on the fresh TCP socket and starts the
// two loops. The sockets are owned by the session from here on.
func newSession(registry broadcaster, peers []uint8, size, slot uint8, tcp, udp *netio.Conn, logger *log.Logger) (*session, error) {
	debug.Assert(slot < size)

	s := &session{
		slot:     slot,
		size:     size,
		tcp:      tcp,
		udp:      udp,
		registry: registry,
		logger:   logger,

		reliable:   make([]*sharing.FixedQueue, size),
		unreliable: make([]*sharing.FixedQueue, size),
	}
	for i := range s.reliable {
		s.reliable[i] = sharing.NewFixedQueue(0)
		s.unreliable[i] = sharing.NewFixedQueue(0)
	}
	s.connected.Store(true)

	msg := protocol.InitialMessage{MaxClients: size, Slot: slot}
	if err := tcp.Send(msg.Packed()); err != nil {
		return nil, fmt.Errorf("could not send initial message: %w", err)
	}

	// Announce the newcomer, replay the roster down the fresh socket,
	// then prompt everyone for data on the newcomer's behalf.
	registry.SendReliableToAll(protocol.PackStatus(slot, protocol.StatusNew))
	for _, peer := range peers {
		if err := tcp.Send(protocol.PackStatus(peer, protocol.StatusNew)); err != nil {
			return nil, fmt.Errorf("could not send roster: %w", err)
		}
	}
	registry.SendReliableToAll(protocol.NewDataRequest(slot))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.sendLoop()
	}()
	return s, nil
}

func (s *session) isActive() bool {
	return s.connected.Load()
}

// disconnect flips the session inactive exactly once and tells the peers.
func (s *session) disconnect() {
	if s.connected.CompareAndSwap(true, false) {
		s.registry.SendReliableToAll(protocol.PackStatus(s.slot, protocol.StatusDisconnected))
	}
}

// sendReliable queues a packet from its source's receive goroutine into
// that source's reliable column.
func (s *session) sendReliable(pkt protocol.Packet) {
	if s.isActive() && s.slot != pkt.Client && pkt.Client < s.size {
		data, err := pkt.MarshalBinary()
		debug.Assert(err == nil)
		s.reliable[pkt.Client].Push(data)
	}
}

// queueUnreliable is the datagram analogue of sendReliable; the producer is
// the registry's single UDP goroutine.
func (s *session) queueUnreliable(pkt protocol.Packet) {
	if s.isActive() && s.slot != pkt.Client && pkt.Client < s.size {
		data, err := pkt.MarshalBinary()
		debug.Assert(err == nil)
		s.unreliable[pkt.Client].Push(data)
	}
}

// sendLoop drains every source column, at most one reliable and one
// unreliable packet per column per turn.
func (s *session) sendLoop() {
	for s.isActive() {
		somethingSent := false
		for i := range s.reliable {
			if data, ok := s.reliable[i].Pop(); ok {
				if err := s.tcp.SendRaw(data); err != nil {
					s.logger.Error().Msgf("could not send to slot %d: %v", s.slot, err)
					s.disconnect()
					break
				}
				somethingSent = true
			}
			if data, ok := s.unreliable[i].Pop(); ok {
				if err := s.udp.SendRaw(data); err != nil {
					s.logger.Error().Msgf("could not send to slot %d: %v", s.slot, err)
					s.disconnect()
					break
				}
				somethingSent = true
			}
		}
		if somethingSent {
			time.Sleep(time.Millisecond)
		}
	}

	if err := s.tcp.ShutdownSend(); err != nil {
		s.logger.Error().Msgf("could not shutdown slot %d: %v", s.slot, err)
	}
}

// receiveLoop relays everything the client says on TCP to the other
// sessions until the socket closes.
func (s *session) receiveLoop() {
	for s.isActive() {
		pkt, err := s.tcp.Receive()
		if errors.Is(err, netio.ErrMalformed) {
			s.logger.Error().Msgf("dropping packet from slot %d: %v", s.slot, err)
			continue
		}
		if err != nil {
			if s.isActive() {
				s.logger.Error().Msgf("could not receive from slot %d: %v", s.slot, err)
			}
			s.disconnect()
			return
		}

		switch pkt.Type {
		case protocol.TypeProperties, protocol.TypeDataRequest:
			s.registry.SendReliableToAll(pkt)
		case protocol.TypeSocketDisconnect:
			s.disconnect()
			return
		}
	}
}

// close tears the session down and joins both loops.
func (s *session) close() error {
	s.disconnect()

	var errs error
	if err := s.tcp.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.udp.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	s.wg.Wait()
	return errs
}
