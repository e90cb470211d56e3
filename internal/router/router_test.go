package router

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/network"
	"github.com/xbeemesh/pkg/packet"
	"github.com/xbeemesh/pkg/xbee"
)

type setting struct {
	cmd   string
	value []byte
}

type fakeRadio struct {
	mu       sync.Mutex
	frames   []xbee.Frame
	settings []setting
	params   map[string][]byte

	in        chan xbee.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		params: map[string][]byte{
			"NI": []byte("router"),
			"ID": {0x33, 0x32},
			"SH": {0x00, 0x13, 0xA2, 0x00},
			"SL": {0x40, 0x8B, 0x2C, 0x11},
		},
		in:     make(chan xbee.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (r *fakeRadio) Send(f xbee.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *fakeRadio) Receive() (xbee.Frame, error) {
	select {
	case f, ok := <-r.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-r.closed:
		return nil, errors.New("closed")
	}
}

func (r *fakeRadio) Get(_ context.Context, cmd string) ([]byte, error) {
	v, ok := r.params[cmd]
	if !ok {
		return nil, errors.New("no such parameter")
	}
	return v, nil
}

func (r *fakeRadio) Set(cmd string, value ...byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = append(r.settings, setting{cmd, value})
	return nil
}

func (r *fakeRadio) Reset(context.Context) error { return nil }

func (r *fakeRadio) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type sent struct {
	mac    uint64
	packet *packet.Packet
}

// transmitted decodes every Transmit frame sent so far and forgets them.
func (r *fakeRadio) transmitted(t *testing.T) []sent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, f := range r.frames {
		tx, ok := f.(*xbee.Transmit)
		if !ok {
			continue
		}
		p, err := packet.Decode(0, tx.Data)
		require.NoError(t, err)
		out = append(out, sent{tx.MAC, p})
	}
	r.frames = nil
	return out
}

func types(s []sent) []packet.Type {
	var out []packet.Type
	for _, x := range s {
		out = append(out, x.packet.Type)
	}
	return out
}

type fixture struct {
	router  *Router
	radio   *fakeRadio
	driver  *delivery.Driver
	metrics *metrics.Collector
}

func newFixture(t *testing.T, self models.Address) *fixture {
	t.Helper()
	f := &fixture{
		radio:   newFakeRadio(),
		driver:  delivery.New(delivery.NewMemoryBus(), delivery.Options{}),
		metrics: metrics.Discard(),
	}
	var err error
	f.router, err = New(self, f.radio, f.driver, Options{Metrics: f.metrics})
	require.NoError(t, err)
	return f
}

// neighbour links self with a, whose radio has MAC a.
func (f *fixture) neighbour(a models.Address) {
	n := f.router.Network()
	n.SetMAC(a, uint64(a))
	n.AddEdge(n.Self(), a)
}

func receive(t *testing.T, mac uint64, p *packet.Packet) *xbee.Receive {
	t.Helper()
	data, err := packet.Encode(p)
	require.NoError(t, err)
	return &xbee.Receive{MAC: mac, Network: xbee.UnknownNetwork, Data: data}
}

func next(t *testing.T, s *delivery.Subscription) delivery.Message {
	t.Helper()
	select {
	case m := <-s.C:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	return delivery.Message{}
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	for _, a := range []models.Address{models.Broadcast, models.Reserved} {
		_, err := New(a, newFakeRadio(), delivery.New(delivery.NewMemoryBus(), delivery.Options{}), Options{})
		assert.Error(t, err)
	}
}

func TestIdentify(t *testing.T) {
	f := newFixture(t, 4)
	require.NoError(t, f.router.Identify(context.Background()))

	self, ok := f.router.Network().Node(4)
	require.True(t, ok)
	assert.Equal(t, "router", self.Name)
	assert.Equal(t, uint16(0x3332), self.Network)
	assert.Equal(t, uint64(0x0013A200408B2C11), self.MAC)
	assert.Equal(t, []setting{{"PL", []byte{0}}, {"MT", []byte{1}}}, f.radio.settings)
}

func TestIdentifyFails(t *testing.T) {
	f := newFixture(t, 4)
	delete(f.radio.params, "SL")
	assert.Error(t, f.router.Identify(context.Background()))
}

func TestNodeBroadcastAddsNeighbour(t *testing.T) {
	f := newFixture(t, 1)
	topo, err := f.driver.Topology()
	require.NoError(t, err)
	defer topo.Close()

	require.NoError(t, f.router.Process(receive(t, 0xBEEF, packet.NewNodeBroadcast(5))))

	n := f.router.Network()
	assert.True(t, n.Adjacent(1, 5))
	assert.Equal(t, uint64(0xBEEF), n.MAC(5))

	out := f.radio.transmitted(t)
	assert.Equal(t, []packet.Type{packet.TypeNodeBroadcast, packet.TypeGraph}, types(out))
	for _, s := range out {
		assert.Equal(t, xbee.BroadcastMAC, s.mac)
	}
	assert.Equal(t, models.Address(1), out[0].packet.Address)
	assert.Equal(t, []models.Edge{{1, 5}}, out[1].packet.Edges)

	m := next(t, topo)
	snap, err := network.DecodeSnapshot(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, models.Address(1), m.Source)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TopologyEdges))

	// A known neighbour is only refreshed.
	before, _ := n.Node(5)
	time.Sleep(time.Millisecond)
	require.NoError(t, f.router.Process(receive(t, 0xBEEF, packet.NewNodeBroadcast(5))))
	after, _ := n.Node(5)
	assert.Empty(t, f.radio.transmitted(t))
	assert.True(t, after.LastSeen.After(before.LastSeen))
}

func TestNodeBroadcastAfterGraphLearnsMAC(t *testing.T) {
	f := newFixture(t, 1)
	n := f.router.Network()

	require.NoError(t, f.router.Process(receive(t, 0xBEEF, packet.NewGraph([]models.Edge{{1, 2}}))))
	require.True(t, n.Adjacent(1, 2))
	assert.Equal(t, xbee.BroadcastMAC, n.MAC(2))
	f.radio.transmitted(t)

	require.NoError(t, f.router.Process(receive(t, 0xBEEF, packet.NewNodeBroadcast(2))))
	assert.Equal(t, uint64(0xBEEF), n.MAC(2))
	assert.Equal(t, []packet.Type{packet.TypeNodeBroadcast, packet.TypeGraph}, types(f.radio.transmitted(t)))

	ok, err := f.router.Dispatcher().Send(packet.NewData(2, 1, 15, []byte("hi")))
	require.NoError(t, err)
	assert.True(t, ok)
	out := f.radio.transmitted(t)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0xBEEF), out[0].mac)

	// once learned, further broadcasts only refresh the node
	require.NoError(t, f.router.Process(receive(t, 0xBEEF, packet.NewNodeBroadcast(2))))
	assert.Empty(t, f.radio.transmitted(t))
}

func TestNodeBroadcastIgnoresInvalidNodes(t *testing.T) {
	f := newFixture(t, 1)
	for _, a := range []models.Address{0, 1, 255} {
		require.NoError(t, f.router.Process(receive(t, 0xBEEF, packet.NewNodeBroadcast(a))))
	}
	assert.Empty(t, f.radio.transmitted(t))
	assert.Empty(t, f.router.Network().Graph())
}

func TestDataForSelfIsDeliveredLocally(t *testing.T) {
	f := newFixture(t, 3)
	f.neighbour(2)
	local, err := f.driver.Listen(0, 15)
	require.NoError(t, err)
	defer local.Close()

	p := packet.NewData(3, 1, 15, []byte("hello"))
	p.PacketID = 7
	p.Visited = models.Path{2}
	require.NoError(t, f.router.Process(receive(t, 2, p)))

	assert.Equal(t, delivery.Message{Port: 15, Source: 1, Payload: []byte("hello")}, next(t, local))

	out := f.radio.transmitted(t)
	require.Len(t, out, 1)
	ack := out[0].packet
	assert.Equal(t, uint64(2), out[0].mac)
	assert.Equal(t, packet.TypeAck, ack.Type)
	assert.Equal(t, models.Address(2), ack.Destination)
	assert.Equal(t, models.Address(1), ack.Origin)
	assert.Equal(t, models.Address(0), ack.Status)
	assert.Equal(t, uint8(7), ack.PacketID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PacketsTotal.WithLabelValues("data")))
}

func TestDataIsForwarded(t *testing.T) {
	f := newFixture(t, 2)
	f.neighbour(1)
	f.neighbour(3)

	p := packet.NewData(3, 1, 15, []byte("x"))
	p.PacketID = 4
	require.NoError(t, f.router.Process(receive(t, 1, p)))

	out := f.radio.transmitted(t)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(3), out[0].mac)
	assert.Equal(t, models.Path{2}, out[0].packet.Visited)
	assert.Equal(t, uint8(4), out[0].packet.PacketID)
	assert.Equal(t, 1, f.router.history.Len())
}

func TestEdgeDropIsGossiped(t *testing.T) {
	f := newFixture(t, 1)
	f.neighbour(2)
	f.router.Network().AddEdge(2, 3)

	drop := packet.NewEdgeDrop(2, 3)
	require.NoError(t, f.router.Process(receive(t, 2, drop)))
	assert.False(t, f.router.Network().Adjacent(2, 3))
	_, known := f.router.Network().Node(3)
	assert.False(t, known, "orphaned node removed")

	out := f.radio.transmitted(t)
	require.Len(t, out, 1)
	assert.Equal(t, packet.TypeEdgeDrop, out[0].packet.Type)
	assert.Equal(t, models.Edge{2, 3}, out[0].packet.Edge)

	require.NoError(t, f.router.Process(receive(t, 2, drop)))
	assert.Empty(t, f.radio.transmitted(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EdgeDropsTotal.WithLabelValues("gossip")))
}

func TestGraphIsMerged(t *testing.T) {
	f := newFixture(t, 1)
	f.neighbour(2)

	g := packet.NewGraph([]models.Edge{{1, 2}, {2, 3}, {3, 4}})
	require.NoError(t, f.router.Process(receive(t, 2, g)))

	out := f.radio.transmitted(t)
	require.Len(t, out, 1)
	assert.Equal(t, []models.Edge{{1, 2}, {2, 3}, {3, 4}}, out[0].packet.Edges)
	assert.Equal(t, models.Path{2, 3, 4}, f.router.Network().Path(1, 4, nil))

	require.NoError(t, f.router.Process(receive(t, 2, g)))
	assert.Empty(t, f.radio.transmitted(t))
}

func TestAckAndInternalNeedNoAction(t *testing.T) {
	f := newFixture(t, 1)
	f.neighbour(2)

	ack := &packet.Packet{Type: packet.TypeAck, Destination: 1, Source: 3, Origin: 1, PacketID: 9,
		Parameters: []models.RemoteParameters{{Hop: 3, Delay: 12}}}
	require.NoError(t, f.router.Process(receive(t, 2, ack)))
	require.NoError(t, f.router.Process(&xbee.ModemStatus{Status: 6}))
	assert.Empty(t, f.radio.transmitted(t))
}

func TestMalformedPacketIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	err := f.router.Process(&xbee.Receive{MAC: 2, Data: []byte{9, 0, 0}})
	assert.ErrorIs(t, err, packet.ErrUnknownType)
}

func TestCheckLiveness(t *testing.T) {
	f := newFixture(t, 1)
	f.neighbour(2)
	f.neighbour(3)
	now := time.Now()
	f.router.Network().Touch(2, now.Add(-30*time.Second))
	f.router.Network().Touch(3, now.Add(-5*time.Second))

	broken, err := f.router.CheckLiveness(now)
	require.NoError(t, err)
	assert.Equal(t, []models.Address{2}, broken)
	assert.False(t, f.router.Network().Adjacent(1, 2))
	assert.True(t, f.router.Network().Adjacent(1, 3))

	out := f.radio.transmitted(t)
	require.Len(t, out, 1)
	assert.Equal(t, models.Edge{1, 2}, out[0].packet.Edge)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EdgeDropsTotal.WithLabelValues("liveness")))
}

func TestBridge(t *testing.T) {
	f := newFixture(t, 1)
	f.neighbour(2)
	out, err := f.driver.Outbound()
	require.NoError(t, err)
	local, err := f.driver.Listen(0, 15)
	require.NoError(t, err)
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.bridge(ctx, out) }()

	require.NoError(t, f.driver.Deliver(2, 15, []byte("to 2")))
	require.NoError(t, f.driver.Deliver(1, 15, []byte("to me")))

	assert.Equal(t, delivery.Message{Port: 15, Source: 1, Payload: []byte("to me")}, next(t, local))
	require.Eventually(t, func() bool { return f.router.history.Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, out.Close())

	sent := f.radio.transmitted(t)
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("to 2"), sent[0].packet.Payload)
	assert.Equal(t, models.Address(1), sent[0].packet.Source)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.radio.mu.Lock()
		defer f.radio.mu.Unlock()
		return len(f.radio.frames) > 0
	}, time.Second, 5*time.Millisecond, "initial heartbeat")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
}

func TestRunStopsOnRadioFailure(t *testing.T) {
	f := newFixture(t, 1)
	close(f.radio.in)

	err := f.router.Run(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
