package relaytest_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/mattjns/friendlink/internal/player"
	"github.com/mattjns/friendlink/internal/protocol"
	"github.com/mattjns/friendlink/internal/relayclient"
	"github.com/mattjns/friendlink/internal/relayserver"
)

// testReceiver collects everything a link hears so the tests can wait on
// specific packets.
type testReceiver struct {
	mu      sync.Mutex
	initial []protocol.InitialMessage
	errors  []string

	packets    chan protocol.Packet
	disconnect chan struct{}
	closeOnce  sync.Once
}

func newTestReceiver() *testReceiver {
	return &testReceiver{
		packets:    make(chan protocol.Packet, 64),
		disconnect: make(chan struct{}),
	}
}

func (r *testReceiver) InitialMessage(m protocol.InitialMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initial = append(r.initial, m)
}

func (r *testReceiver) Disconnected() {
	r.closeOnce.Do(func() { close(r.disconnect) })
}

func (r *testReceiver) Packet(pkt protocol.Packet) {
	r.packets <- pkt
}

func (r *testReceiver) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *testReceiver) waitPacket(t *testing.T, timeout time.Duration, match func(protocol.Packet) bool) protocol.Packet {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case pkt := <-r.packets:
			if match(pkt) {
				return pkt
			}
		case <-deadline:
			t.Fatal("timed out waiting for packet")
			return protocol.Packet{}
		}
	}
}

func startServer(t *testing.T, maxClients uint8) (tcpPort, udpPort string) {
	t.Helper()
	is := is.New(t)

	reg, err := relayserver.NewRegistry(maxClients, "0", "0", nil, nil)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return strconv.Itoa(reg.TCPAddr().Port), strconv.Itoa(reg.UDPAddr().Port)
}

func TestHandshakeAssignsSlotsInOrder(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 2)

	recvOne := newTestReceiver()
	clientOne, err := relayclient.Dial("127.0.0.1", tcpPort, udpPort, recvOne, nil)
	is.NoErr(err)
	defer clientOne.Close()
	is.NoErr(clientOne.ReceiveInitialMessage())
	is.Equal(clientOne.Slot(), uint8(0))
	is.Equal(clientOne.MaxClients(), uint8(2))
	clientOne.StartDataTransfer()

	recvTwo := newTestReceiver()
	clientTwo, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recvTwo, nil)
	is.NoErr(err)
	defer clientTwo.Close()
	is.NoErr(clientTwo.ReceiveInitialMessage())
	is.Equal(clientTwo.Slot(), uint8(1))
	clientTwo.StartDataTransfer()

	is.Equal(recvOne.initial, []protocol.InitialMessage{{MaxClients: 2, Slot: 0}})
	is.Equal(recvTwo.initial, []protocol.InitialMessage{{MaxClients: 2, Slot: 1}})

	// Each side hears the other join.
	joined := recvOne.waitPacket(t, time.Second, func(p protocol.Packet) bool {
		return p.Type == protocol.TypeStatus && p.Client == 1
	})
	status, err := protocol.UnpackStatus(joined)
	is.NoErr(err)
	is.Equal(status, protocol.StatusNew)

	roster := recvTwo.waitPacket(t, time.Second, func(p protocol.Packet) bool {
		return p.Type == protocol.TypeStatus && p.Client == 0
	})
	status, err = protocol.UnpackStatus(roster)
	is.NoErr(err)
	is.Equal(status, protocol.StatusNew)
}

func TestFullServerRejects(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 1)

	recvOne := newTestReceiver()
	clientOne, err := relayclient.Dial("127.0.0.1", tcpPort, udpPort, recvOne, nil)
	is.NoErr(err)
	defer clientOne.Close()
	is.NoErr(clientOne.ReceiveInitialMessage())
	clientOne.StartDataTransfer()

	recvTwo := newTestReceiver()
	clientTwo, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recvTwo, nil)
	is.NoErr(err)
	defer clientTwo.Close()

	err = clientTwo.ReceiveInitialMessage()
	is.True(err != nil)
	is.True(!clientTwo.IsActive())
	is.Equal(recvTwo.initial, []protocol.InitialMessage{{MaxClients: 0, Slot: 0}})

	recvTwo.mu.Lock()
	defer recvTwo.mu.Unlock()
	is.Equal(recvTwo.errors, []string{"Server is full."})
}

func TestReliableRelayKeepsPayloadAndSource(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 2)

	recvOne := newTestReceiver()
	clientOne, err := relayclient.Dial("127.0.0.1", tcpPort, udpPort, recvOne, nil)
	is.NoErr(err)
	defer clientOne.Close()
	is.NoErr(clientOne.ReceiveInitialMessage())
	clientOne.StartDataTransfer()

	recvTwo := newTestReceiver()
	clientTwo, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recvTwo, nil)
	is.NoErr(err)
	defer clientTwo.Close()
	is.NoErr(clientTwo.ReceiveInitialMessage())
	clientTwo.StartDataTransfer()

	stream := protocol.NewStream(nil)
	stream.Append(protocol.PackString(protocol.PropName, "Amber"))
	stream.Append(protocol.NewLocation(1, 2, 1, 2, 3).ToProperty())
	sent := append([]byte(nil), stream.Packed()...)

	clientOne.SendReliable(stream)

	got := recvTwo.waitPacket(t, time.Second, func(p protocol.Packet) bool {
		return p.Type == protocol.TypeProperties
	})
	is.Equal(got.Client, uint8(0))
	is.Equal(got.Data, sent)
}

func TestDisconnectPropagates(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 2)

	recvOne := newTestReceiver()
	clientOne, err := relayclient.Dial("127.0.0.1", tcpPort, udpPort, recvOne, nil)
	is.NoErr(err)
	is.NoErr(clientOne.ReceiveInitialMessage())
	clientOne.StartDataTransfer()

	recvTwo := newTestReceiver()
	clientTwo, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recvTwo, nil)
	is.NoErr(err)
	defer clientTwo.Close()
	is.NoErr(clientTwo.ReceiveInitialMessage())
	clientTwo.StartDataTransfer()

	// Let the join traffic settle before pulling the plug.
	recvTwo.waitPacket(t, time.Second, func(p protocol.Packet) bool {
		return p.Type == protocol.TypeStatus && p.Client == 0
	})

	is.NoErr(clientOne.Close())

	left := recvTwo.waitPacket(t, time.Second, func(p protocol.Packet) bool {
		if p.Type != protocol.TypeStatus || p.Client != 0 {
			return false
		}
		status, err := protocol.UnpackStatus(p)
		return err == nil && status == protocol.StatusDisconnected
	})
	is.Equal(left.Client, uint8(0))
}

// hostDriver is a minimal world-driver stand-in for the full-pipeline test.
type hostDriver struct {
	sample player.Sample
	names  chan string
	cells  chan protocol.Location
}

func newHostDriver(sample player.Sample) *hostDriver {
	return &hostDriver{
		sample: sample,
		names:  make(chan string, 8),
		cells:  make(chan protocol.Location, 8),
	}
}

func (d *hostDriver) Sample() player.Sample                  { return d.sample }
func (d *hostDriver) SetName(name string)                    { d.names <- name }
func (d *hostDriver) ChangeCellTo(loc protocol.Location)     { d.cells <- loc }
func (d *hostDriver) TranslateTo(protocol.Location, float32) {}
func (d *hostDriver) CellAttached(protocol.Location) bool    { return true }
func (d *hostDriver) CellInterior(protocol.Location) bool    { return false }
func (d *hostDriver) Same(ref any) bool                      { return ref == d }

// The whole pipeline at once: a player session on one end, a bare link on
// the other, state flowing both ways through the relay.
func TestPlayerSessionExchangesState(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 2)

	localDriver := newHostDriver(player.Sample{
		Name:           "Amber",
		CellName:       "Whiterun",
		WorldSpaceName: "Tamriel",
		Location:       protocol.NewLocation(1, 2, 10, 20, 30),
	})
	proxies := make(chan *hostDriver, 4)
	spawn := func() player.WorldDriver {
		d := newHostDriver(player.Sample{})
		proxies <- d
		return d
	}

	session, err := player.Connect("127.0.0.1", tcpPort, udpPort, localDriver, spawn, nil, nil)
	is.NoErr(err)
	defer session.Close()
	session.StartDataTransfer()

	recv := newTestReceiver()
	peer, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recv, nil)
	is.NoErr(err)
	defer peer.Close()
	is.NoErr(peer.ReceiveInitialMessage())
	peer.StartDataTransfer()

	// The peer introduces itself; the session must spawn a proxy, name
	// it, and drive it into place.
	intro := protocol.NewStream(nil)
	intro.Append(protocol.PackString(protocol.PropName, "Lydia"))
	intro.Append(protocol.NewLocation(1, 2, -5, 0, 0).ToProperty())
	peer.SendReliable(intro)

	var proxy *hostDriver
	select {
	case proxy = <-proxies:
	case <-time.After(2 * time.Second):
		t.Fatal("no proxy spawned for the remote player")
	}

	select {
	case name := <-proxy.names:
		is.Equal(name, "Lydia")
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never named")
	}

	select {
	case loc := <-proxy.cells:
		is.Equal(loc.CellID, uint32(2))
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never placed")
	}

	// And the session's local player must have reached the peer.
	pkt := recv.waitPacket(t, 2*time.Second, func(p protocol.Packet) bool {
		return p.Type == protocol.TypeProperties && p.Client == session.Slot()
	})
	stream := protocol.NewStream(pkt.Data)
	is.True(stream.Next())
	is.Equal(stream.Property().Type, protocol.PropName)
	is.Equal(protocol.UnpackString(stream.Property()), "Amber")
}

func TestSlotReuseAfterDisconnect(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 1)

	recvOne := newTestReceiver()
	clientOne, err := relayclient.Dial("127.0.0.1", tcpPort, udpPort, recvOne, nil)
	is.NoErr(err)
	is.NoErr(clientOne.ReceiveInitialMessage())
	is.Equal(clientOne.Slot(), uint8(0))
	clientOne.StartDataTransfer()
	is.NoErr(clientOne.Close())

	// Give the server a moment to notice the close.
	time.Sleep(200 * time.Millisecond)

	recvTwo := newTestReceiver()
	clientTwo, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recvTwo, nil)
	is.NoErr(err)
	defer clientTwo.Close()
	is.NoErr(clientTwo.ReceiveInitialMessage())
	is.Equal(clientTwo.Slot(), uint8(0))
}

func TestUnreliableSendsAreRateLimited(t *testing.T) {
	is := is.New(t)
	tcpPort, udpPort := startServer(t, 2)

	// The sender takes an ephemeral receive port; the listener binds the
	// shared client port so the server's datagrams reach it.
	recvSender := newTestReceiver()
	sender, err := relayclient.DialWithReceivePort("127.0.0.1", tcpPort, udpPort, "0", recvSender, nil)
	is.NoErr(err)
	defer sender.Close()
	is.NoErr(sender.ReceiveInitialMessage())
	sender.StartDataTransfer()

	recvListener := newTestReceiver()
	listener, err := relayclient.Dial("127.0.0.1", tcpPort, udpPort, recvListener, nil)
	is.NoErr(err)
	defer listener.Close()
	is.NoErr(listener.ReceiveInitialMessage())
	listener.StartDataTransfer()

	// Open the sender's gate, then burst ten updates inside 50 ms.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 10; i++ {
		stream := protocol.NewStream(nil)
		stream.Append(protocol.NewLocation(1, 2, float32(i), 0, 0).ToProperty())
		sender.Send(stream)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)

	count := 0
drain:
	for {
		select {
		case pkt := <-recvListener.packets:
			if pkt.Type == protocol.TypeProperties && pkt.Client == sender.Slot() {
				count++
			}
		default:
			break drain
		}
	}
	is.True(count >= 1)
	is.True(count <= 2)
}
