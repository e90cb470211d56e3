package simulator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xbeemesh/pkg/xbee"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type peer struct {
	t    *testing.T
	conn net.Conn
	r    *xbee.Reader
}

func (p *peer) send(f xbee.Frame) {
	p.t.Helper()
	raw, err := xbee.Encode(f)
	require.NoError(p.t, err)
	_, err = p.conn.Write(raw)
	require.NoError(p.t, err)
}

func (p *peer) next() xbee.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
	f, err := p.r.ReadFrame()
	require.NoError(p.t, err)
	return f
}

func (p *peer) quiet() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	_, err := p.r.ReadFrame()
	assert.Error(p.t, err, "unexpected frame")
}

func attach(t *testing.T, m *Medium) (*Station, *peer) {
	t.Helper()
	a, b := net.Pipe()
	s, err := m.Attach(a)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return s, &peer{t: t, conn: b, r: xbee.NewReader(b)}
}

func newMedium(t *testing.T, opts Options) *Medium {
	m := NewMedium(opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCommands(t *testing.T) {
	m := newMedium(t, Options{Network: 0x3332})
	s, p := attach(t, m)

	tests := []struct {
		cmd  string
		want []byte
	}{
		{"NI", []byte("node1")},
		{"ID", []byte{0x33, 0x32}},
		{"SH", []byte{0x00, 0x13, 0xA2, 0x00}},
		{"SL", []byte{0x40, 0x00, 0x00, 0x01}},
	}
	for _, tt := range tests {
		p.send(&xbee.Command{ID: 1, Command: xbee.AT(tt.cmd)})
		resp := p.next().(*xbee.CommandResponse)
		assert.Equal(t, xbee.AT(tt.cmd), resp.Command)
		assert.Equal(t, byte(0), resp.Status, tt.cmd)
		assert.Equal(t, tt.want, resp.Data, tt.cmd)
	}
	assert.Equal(t, BaseMAC+1, s.MAC)

	p.send(&xbee.Command{ID: 1, Command: xbee.AT("ZZ")})
	assert.Equal(t, commandInvalid, p.next().(*xbee.CommandResponse).Status)

	p.send(&xbee.Command{ID: 0, Command: xbee.AT("PL"), Data: []byte{0}})
	p.quiet()
}

func TestReset(t *testing.T) {
	m := newMedium(t, Options{})
	_, p := attach(t, m)

	p.send(&xbee.Command{ID: 1, Command: xbee.AT("FR")})
	assert.IsType(t, &xbee.CommandResponse{}, p.next())
	assert.Equal(t, &xbee.ModemStatus{Status: 0}, p.next())
}

func TestUnicast(t *testing.T) {
	m := newMedium(t, Options{})
	a, pa := attach(t, m)
	b, pb := attach(t, m)

	pa.send(&xbee.Transmit{ID: 7, MAC: b.MAC, Network: xbee.UnknownNetwork, Data: []byte{1, 2}})

	rx := pb.next().(*xbee.Receive)
	assert.Equal(t, a.MAC, rx.MAC)
	assert.Equal(t, []byte{1, 2}, rx.Data)

	st := pa.next().(*xbee.Status)
	assert.Equal(t, byte(7), st.ID)
	assert.True(t, st.Delivered())
	assert.Equal(t, byte(0), st.Retries)
}

func TestBroadcastReachesLinkedStations(t *testing.T) {
	m := newMedium(t, Options{Isolated: true})
	a, pa := attach(t, m)
	b, pb := attach(t, m)
	_, pc := attach(t, m)
	m.Link(a.MAC, b.MAC)

	pa.send(&xbee.Transmit{ID: 0, MAC: xbee.BroadcastMAC, Network: xbee.UnknownNetwork, Data: []byte{2, 0, 1}})

	rx := pb.next().(*xbee.Receive)
	assert.Equal(t, receiveBroadcast, rx.Options)
	pc.quiet()
	pa.quiet()
}

func TestUnicastFailures(t *testing.T) {
	m := newMedium(t, Options{Isolated: true})
	_, pa := attach(t, m)
	b, pb := attach(t, m)

	pa.send(&xbee.Transmit{ID: 1, MAC: 0x1234, Data: []byte{0}})
	assert.Equal(t, StatusAddressNotFound, pa.next().(*xbee.Status).Status)

	pa.send(&xbee.Transmit{ID: 2, MAC: b.MAC, Data: []byte{0}})
	st := pa.next().(*xbee.Status)
	assert.Equal(t, StatusNetworkAckError, st.Status)
	assert.Equal(t, byte(3), st.Retries)
	pb.quiet()
}

func TestLossRate(t *testing.T) {
	m := newMedium(t, Options{LossRate: 1, Seed: 1})
	_, pa := attach(t, m)
	b, _ := attach(t, m)

	pa.send(&xbee.Transmit{ID: 9, MAC: b.MAC, Data: []byte{0}})
	assert.Equal(t, StatusNetworkAckError, pa.next().(*xbee.Status).Status)
}

func TestUnlinkAndDetach(t *testing.T) {
	m := newMedium(t, Options{})
	a, pa := attach(t, m)
	b, pb := attach(t, m)
	require.Len(t, m.Stations(), 2)

	m.Unlink(a.MAC, b.MAC)
	pa.send(&xbee.Transmit{ID: 1, MAC: b.MAC, Data: []byte{0}})
	assert.Equal(t, StatusNetworkAckError, pa.next().(*xbee.Status).Status)

	pb.conn.Close()
	require.Eventually(t, func() bool { return len(m.Stations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, a.MAC, m.Stations()[0].MAC)
}

func TestServer(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewMedium(Options{}))
	require.NoError(t, s.Start())
	defer s.Stop()

	c1, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer c1.Close()
	p1 := &peer{t: t, conn: c1, r: xbee.NewReader(c1)}

	p1.send(&xbee.Command{ID: 1, Command: xbee.AT("NI")})
	assert.Equal(t, []byte("node1"), p1.next().(*xbee.CommandResponse).Data)

	c2, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer c2.Close()
	p2 := &peer{t: t, conn: c2, r: xbee.NewReader(c2)}

	p2.send(&xbee.Command{ID: 1, Command: xbee.AT("NI")})
	assert.Equal(t, []byte("node2"), p2.next().(*xbee.CommandResponse).Data)
}
