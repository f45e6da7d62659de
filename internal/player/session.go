package player

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/mattjns/friendlink/internal/relayclient"
	"github.com/phuslu/log"
)

// dataGatheringDelay paces the unreliable position feed; hosts dislike
// being sampled more often.
const dataGatheringDelay = 50 * time.Millisecond

// Session is the host-owned connection state: the server link, the local
// avatar and one remote avatar per occupied peer slot. It is the client's
// packet dispatcher (it implements relayclient.Receiver) and survives the
// host's save/load cycle through PreLoadGame/PostLoadGame.
type Session struct {
	link   *relayclient.ServerLink
	local  *Local
	spawn  func() WorldDriver
	logger *log.Logger

	// onDisconnect runs when the server drops the link; the host hooks
	// its state machine here.
	onDisconnect func()

	// Both receive goroutines dispatch into the session.
	mu      sync.Mutex
	players []*Remote

	wg sync.WaitGroup
}

// Connect dials the server, performs the handshake and prepares a slot
// table of remote avatars. spawn places a fresh proxy object into the host
// world for each remote player that appears.
func Connect(host, tcpPort, udpPort string, localDriver WorldDriver, spawn func() WorldDriver, onDisconnect func(), logger *log.Logger) (*Session, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	if onDisconnect == nil {
		onDisconnect = func() {}
	}

	s := &Session{
		local:        NewLocal(localDriver),
		spawn:        spawn,
		logger:       logger,
		onDisconnect: onDisconnect,
	}

	link, err := relayclient.Dial(host, tcpPort, udpPort, s, logger)
	if err != nil {
		return nil, err
	}
	s.link = link

	if err := link.ReceiveInitialMessage(); err != nil {
		link.Close()
		return nil, err
	}
	s.players = make([]*Remote, link.MaxClients())

	return s, nil
}

func (s *Session) Slot() uint8       { return s.link.Slot() }
func (s *Session) MaxClients() uint8 { return s.link.MaxClients() }
func (s *Session) IsActive() bool    { return s.link.IsActive() }
func (s *Session) Local() *Local     { return s.local }

// StartDataTransfer begins the link pipelines and the local data feed.
func (s *Session) StartDataTransfer() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendPlayerDataLoop()
	}()
	s.link.StartDataTransfer()
}

// sendPlayerDataLoop seeds peers with two reliable snapshots and a data
// request, then feeds positions unreliably.
func (s *Session) sendPlayerDataLoop() {
	seed := s.local.Properties(protocol.PropName, protocol.PropLocation)
	s.link.SendReliable(seed)
	s.link.SendReliable(seed)
	s.link.SendDataRequest()

	for s.link.IsActive() {
		update := s.local.Properties(
			protocol.PropWorldSpaceName,
			protocol.PropCellName,
			protocol.PropLocation,
		)
		s.link.Send(update)
		time.Sleep(dataGatheringDelay)
	}
}

// remotePlayer lazily spawns the proxy for slot. Caller holds s.mu.
func (s *Session) remotePlayer(slot uint8) (*Remote, error) {
	if int(slot) >= len(s.players) {
		return nil, fmt.Errorf("slot %d out of range", slot)
	}
	if slot == s.link.Slot() {
		return nil, fmt.Errorf("slot %d is the local player", slot)
	}
	if s.players[slot] == nil {
		s.players[slot] = NewRemote(s.spawn())
	}
	return s.players[slot], nil
}

// removePlayer drops the remote avatar for slot. Caller holds s.mu.
func (s *Session) removePlayer(slot uint8) {
	if int(slot) < len(s.players) && s.players[slot] != nil {
		s.players[slot].Close()
		s.players[slot] = nil
	}
}

// sendRequestedUpdate answers a peer's data request with a full snapshot.
func (s *Session) sendRequestedUpdate() {
	s.link.SendReliable(s.local.Properties(
		protocol.PropName,
		protocol.PropWorldSpaceName,
		protocol.PropCellName,
		protocol.PropLocation,
	))
}

// InitialMessage implements relayclient.Receiver.
func (s *Session) InitialMessage(protocol.InitialMessage) {}

// Disconnected implements relayclient.Receiver.
func (s *Session) Disconnected() {
	s.onDisconnect()
}

// Error implements relayclient.Receiver.
func (s *Session) Error(msg string) {
	s.logger.Error().Msg(msg)
}

// Packet implements relayclient.Receiver: the inbound dispatch table,
// serialised because the TCP and UDP receive goroutines both land here.
func (s *Session) Packet(pkt protocol.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch pkt.Type {
	case protocol.TypeProperties:
		if pkt.Client == s.link.Slot() {
			return
		}
		remote, err := s.remotePlayer(pkt.Client)
		if err != nil {
			s.logger.Error().Msgf("could not resolve remote player: %v", err)
			return
		}
		if err := remote.SetProperties(protocol.NewStream(pkt.Data)); err != nil {
			s.logger.Error().Msgf("could not apply properties from slot %d: %v", pkt.Client, err)
		}
	case protocol.TypeDataRequest:
		s.sendRequestedUpdate()
	case protocol.TypeStatus:
		status, err := protocol.UnpackStatus(pkt)
		if err != nil {
			s.logger.Error().Msgf("could not unpack status: %v", err)
			return
		}
		if status == protocol.StatusDisconnected {
			s.removePlayer(pkt.Client)
		}
	}
}

// IsObjectAPlayer answers the host's "is this object a remote avatar?"
// query.
func (s *Session) IsObjectAPlayer(ref any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.players {
		if p != nil && p.Compare(ref) {
			return true
		}
	}
	return false
}

// MarkPlayerTranslationComplete forwards the host's animation-finished
// signal to the avatar owning ref.
func (s *Session) MarkPlayerTranslationComplete(ref any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.players {
		if p != nil && p.Compare(ref) {
			p.MarkTranslationComplete()
		}
	}
}

// PreLoadGame pauses remote motion while the host swaps worlds out from
// under the proxies.
func (s *Session) PreLoadGame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.players {
		if p != nil {
			p.Translator().Stop()
		}
	}
}

// PostLoadGame resumes remote motion and asks peers for fresh state.
func (s *Session) PostLoadGame() {
	s.mu.Lock()
	for _, p := range s.players {
		if p != nil {
			p.Translator().Start()
		}
	}
	s.mu.Unlock()

	s.link.SendDataRequest()
}

// Close disconnects, releases the link and every remote proxy, and joins
// the data feed.
func (s *Session) Close() error {
	err := s.link.Close()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for slot := range s.players {
		s.removePlayer(uint8(slot))
	}
	return err
}
