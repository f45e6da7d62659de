// Package relayserver accepts clients, assigns them slots and relays their
// property traffic: reliably over per-client TCP sessions, unreliably over
// one shared UDP socket.
package relayserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/mattjns/friendlink/internal/netio"
	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/phuslu/log"
)

// Events are the dashboard attachment points. Implementations must be safe
// for concurrent calls; nil hooks are allowed via NopEvents.
type Events interface {
	ClientJoined(slot uint8, addr string)
	ClientLeft(slot uint8)
	PropertiesReceived(slot uint8, stream *protocol.Stream)
	Error(msg string)
}

// NopEvents discards every hook.
type NopEvents struct{}

func (NopEvents) ClientJoined(uint8, string)                 {}
func (NopEvents) ClientLeft(uint8)                           {}
func (NopEvents) PropertiesReceived(uint8, *protocol.Stream) {}
func (NopEvents) Error(string)                               {}

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

// Registry owns the slot table and the two listening sockets. The slot
// index is the client identifier in every packet; the registry itself uses
// the max-clients value as its own identifier.
type Registry struct {
	maxClients uint8
	clientPort int // udp port clients receive on, shared with our tcp port

	tcpListener *netio.Listener
	udpListener *netio.Conn

	logger *log.Logger
	events Events

	mu       sync.Mutex
	sessions []*session

	// Each slot is pinned to the first UDP source address seen claiming
	// it; datagrams claiming the slot from elsewhere are dropped.
	addrMu    sync.Mutex
	slotAddrs map[uint8]addrKey

	wg sync.WaitGroup
}

// NewRegistry binds the TCP listener on tcpPort and the datagram listener
// on udpPort. Loops start with Run.
func NewRegistry(maxClients uint8, tcpPort, udpPort string, events Events, logger *log.Logger) (*Registry, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if events == nil {
		events = NopEvents{}
	}

	tcpListener, err := netio.ListenTCP(tcpPort)
	if err != nil {
		return nil, err
	}
	udpListener, err := netio.ListenUDP(udpPort)
	if err != nil {
		tcpListener.Close()
		return nil, err
	}

	return &Registry{
		maxClients: maxClients,
		// Clients listen for datagrams on the same port number we
		// listen for connections on.
		clientPort:  tcpListener.Addr().(*net.TCPAddr).Port,
		tcpListener: tcpListener,
		udpListener: udpListener,
		logger:      logger,
		events:      events,
		sessions:    make([]*session, maxClients),
		slotAddrs:   make(map[uint8]addrKey),
	}, nil
}

// TCPAddr can be useful to retrieve the listener's address when the
// Registry was constructed with port "0".
func (r *Registry) TCPAddr() *net.TCPAddr {
	return r.tcpListener.Addr().(*net.TCPAddr)
}

// UDPAddr is the datagram listener's address.
func (r *Registry) UDPAddr() *net.UDPAddr {
	return r.udpListener.LocalAddr().(*net.UDPAddr)
}

// Run serves until ctx is cancelled, then tears everything down.
func (r *Registry) Run(ctx context.Context) error {
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.acceptLoop()
	}()
	go func() {
		defer r.wg.Done()
		r.udpLoop()
	}()

	<-ctx.Done()
	return r.Close()
}

// acceptLoop pairs every accepted TCP connection with a UDP socket dialed
// to the peer's inferred datagram endpoint and slots the pair in.
func (r *Registry) acceptLoop() {
	for {
		conn, err := r.tcpListener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logger.Error().Msgf("could not accept: %v", err)
				r.events.Error(err.Error())
			}
			return
		}
		r.acceptClient(conn)
	}
}

func (r *Registry) acceptClient(tcp *netio.Conn) {
	peer := tcp.RemoteAddr().(*net.TCPAddr)
	udp, err := netio.DialUDPAddr(&net.UDPAddr{IP: peer.IP, Port: r.clientPort})
	if err != nil {
		r.logger.Error().Msgf("could not reach %v over udp: %v", peer, err)
		r.events.Error(err.Error())
		tcp.Close()
		return
	}

	slot, ok := r.reserveSlot()
	if !ok {
		// Reject: a zeroed initial message, then drop the socket.
		rejection := protocol.InitialMessage{}
		if err := tcp.Send(rejection.Packed()); err != nil {
			r.logger.Error().Msgf("could not send rejection: %v", err)
		}
		tcp.Close()
		udp.Close()
		r.logger.Info().Msgf("rejected %v: server full", peer)
		return
	}

	s, err := newSession(r, r.activeSlots(slot), r.maxClients, slot, tcp, udp, r.logger)
	if err != nil {
		r.logger.Error().Msgf("could not start session for %v: %v", peer, err)
		r.events.Error(err.Error())
		tcp.Close()
		udp.Close()
		return
	}

	r.mu.Lock()
	r.sessions[slot] = s
	r.mu.Unlock()

	r.addrMu.Lock()
	delete(r.slotAddrs, slot)
	r.addrMu.Unlock()

	r.logger.Info().Msgf("connected %v as slot %d", peer, slot)
	r.events.ClientJoined(slot, peer.String())
}

// reserveSlot finds the first free slot, retiring any stale session that
// still occupies it. Only the accept goroutine reserves, so a reserved
// index cannot be taken away before the session lands.
func (r *Registry) reserveSlot() (uint8, bool) {
	var stale *session
	slot, found := uint8(0), false

	r.mu.Lock()
	for i, s := range r.sessions {
		if s == nil || !s.isActive() {
			stale = s
			r.sessions[i] = nil
			slot, found = uint8(i), true
			break
		}
	}
	r.mu.Unlock()

	if stale != nil {
		if err := stale.close(); err != nil {
			r.logger.Error().Msgf("could not close stale session %d: %v", slot, err)
		}
		r.events.ClientLeft(slot)
	}
	return slot, found
}

// activeSlots snapshots which peers the newcomer must hear about.
func (r *Registry) activeSlots(exclude uint8) []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var slots []uint8
	for i, s := range r.sessions {
		if uint8(i) != exclude && s != nil && s.isActive() {
			slots = append(slots, uint8(i))
		}
	}
	return slots
}

// udpLoop serves the single datagram socket shared by every client. Only
// property packets ride UDP; anything else is ignored.
func (r *Registry) udpLoop() {
	for {
		pkt, addr, err := r.udpListener.ReceiveFrom()
		if err != nil {
			r.logger.Error().Msgf("could not read datagram: %v", err)
			continue
		}
		if pkt.Type == protocol.TypeSocketDisconnect {
			// The listener socket was closed; time to go.
			return
		}
		if pkt.Type != protocol.TypeProperties {
			continue
		}
		if !r.claimSlotAddr(pkt.Client, addr) {
			r.logger.Warn().Msgf("dropping datagram for slot %d from unexpected %v", pkt.Client, addr)
			continue
		}
		r.SendToAll(pkt)
	}
}

// claimSlotAddr pins slot to the first source address seen for it and
// reports whether addr is the pinned one.
func (r *Registry) claimSlotAddr(slot uint8, addr *net.UDPAddr) bool {
	key := makeAddrKey(addr)

	r.addrMu.Lock()
	defer r.addrMu.Unlock()

	pinned, ok := r.slotAddrs[slot]
	if !ok {
		r.slotAddrs[slot] = key
		return true
	}
	return pinned == key
}

// SendReliableToAll queues the packet on every session except its source.
func (r *Registry) SendReliableToAll(pkt protocol.Packet) {
	r.mu.Lock()
	for i, s := range r.sessions {
		if uint8(i) != pkt.Client && s != nil {
			s.sendReliable(pkt)
		}
	}
	r.mu.Unlock()

	if pkt.Type == protocol.TypeProperties {
		r.events.PropertiesReceived(pkt.Client, protocol.NewStream(pkt.Data))
	}
}

// SendToAll queues the packet on every active session's unreliable column,
// provided its source session is still active.
func (r *Registry) SendToAll(pkt protocol.Packet) {
	r.mu.Lock()
	if pkt.Client >= r.maxClients {
		r.mu.Unlock()
		return
	}
	source := r.sessions[pkt.Client]
	if source == nil || !source.isActive() {
		r.mu.Unlock()
		return
	}
	for _, s := range r.sessions {
		if s != nil && s.isActive() {
			s.queueUnreliable(pkt)
		}
	}
	r.mu.Unlock()

	r.events.PropertiesReceived(pkt.Client, protocol.NewStream(pkt.Data))
}

// Close drops both listeners (ending the accept loops) and tears down every
// session.
func (r *Registry) Close() error {
	var errs error
	if err := r.tcpListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierror.Append(errs, err)
	}
	if err := r.udpListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierror.Append(errs, err)
	}

	r.mu.Lock()
	sessions := make([]*session, len(r.sessions))
	copy(sessions, r.sessions)
	for i := range r.sessions {
		r.sessions[i] = nil
	}
	r.mu.Unlock()

	for slot, s := range sessions {
		if s == nil {
			continue
		}
		if err := s.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		r.events.ClientLeft(uint8(slot))
	}

	r.wg.Wait()
	return errs
}
