package radio

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/pkg/xbee"
)

func pipe(t *testing.T) (*Radio, net.Conn, *metrics.Collector) {
	t.Helper()
	a, b := net.Pipe()
	m := metrics.Discard()
	r := New(a, Options{Simulated: true, Metrics: m})
	t.Cleanup(func() {
		r.Close()
		b.Close()
	})
	return r, b, m
}

func encode(t *testing.T, f xbee.Frame) []byte {
	t.Helper()
	raw, err := xbee.Encode(f)
	require.NoError(t, err)
	return raw
}

func writeAsync(peer net.Conn, chunks ...[]byte) {
	go func() {
		for _, c := range chunks {
			if _, err := peer.Write(c); err != nil {
				return
			}
		}
	}()
}

func TestSend(t *testing.T) {
	r, peer, m := pipe(t)

	tx := &xbee.Transmit{ID: 3, MAC: 0x0013A20040A1B2C3, Network: xbee.UnknownNetwork, Data: []byte{0, 1, 2}}
	want := encode(t, tx)

	done := make(chan error, 1)
	go func() { done <- r.Send(tx) }()

	got := make([]byte, len(want))
	_, err := peer.Read(got)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, want, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("out", "Transmit")))
}

func TestReceiveSkipsCorruptFrames(t *testing.T) {
	r, peer, m := pipe(t)

	bad := encode(t, &xbee.Receive{MAC: 1, Data: []byte{9}})
	bad[len(bad)-1] ^= 0xFF
	good := &xbee.Status{ID: 4, Network: xbee.UnknownNetwork, Retries: 1}
	writeAsync(peer, []byte{0x00, 0x13}, bad, encode(t, good))

	f, err := r.Receive()
	require.NoError(t, err)
	assert.Equal(t, good, f)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CorruptFramesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("in", "Status")))
}

func TestReceiveUnknownTypeIsReturned(t *testing.T) {
	r, peer, _ := pipe(t)

	body := []byte{0x42, 0x01}
	writeAsync(peer, append([]byte{xbee.StartDelimiter, 0x00, 0x02}, append(body, xbee.Checksum(body))...))

	_, err := r.Receive()
	assert.ErrorIs(t, err, xbee.ErrUnknownType)
}

func TestReceiveAfterClose(t *testing.T) {
	r, _, _ := pipe(t)

	done := make(chan error, 1)
	go func() {
		_, err := r.Receive()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
	assert.ErrorIs(t, r.Send(&xbee.ModemStatus{}), ErrClosed)
	assert.NoError(t, r.Close())
}

func TestGet(t *testing.T) {
	r, peer, _ := pipe(t)

	go func() {
		req, err := xbee.NewReader(peer).ReadFrame()
		if err != nil {
			return
		}
		cmd := req.(*xbee.Command)
		peer.Write(encode(t, &xbee.ModemStatus{Status: 6}))
		peer.Write(encode(t, &xbee.CommandResponse{ID: cmd.ID, Command: xbee.AT("ID"), Data: []byte{0x33}}))
		peer.Write(encode(t, &xbee.CommandResponse{ID: cmd.ID, Command: cmd.Command, Data: []byte("router")}))
	}()

	ni, err := r.Get(context.Background(), "NI")
	require.NoError(t, err)
	assert.Equal(t, "router", string(ni))
}

func TestGetErrorStatus(t *testing.T) {
	r, peer, _ := pipe(t)

	go func() {
		if _, err := xbee.NewReader(peer).ReadFrame(); err != nil {
			return
		}
		peer.Write(encode(t, &xbee.CommandResponse{ID: commandID, Command: xbee.AT("SL"), Status: 2}))
	}()

	_, err := r.Get(context.Background(), "SL")
	assert.ErrorContains(t, err, "command status 2")
}

func TestGetCancelled(t *testing.T) {
	r, peer, _ := pipe(t)

	go xbee.NewReader(peer).ReadFrame()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Get(ctx, "SH")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSet(t *testing.T) {
	r, peer, _ := pipe(t)

	got := make(chan xbee.Frame, 1)
	go func() {
		f, err := xbee.NewReader(peer).ReadFrame()
		if err == nil {
			got <- f
		}
	}()

	require.NoError(t, r.Set("PL", 0))
	assert.Equal(t, &xbee.Command{ID: commandID, Command: xbee.AT("PL"), Data: []byte{0}}, <-got)
}

func TestResetSimulated(t *testing.T) {
	r, _, _ := pipe(t)
	// Nothing reads the peer, so any write would block.
	assert.NoError(t, r.Reset(context.Background()))
}

func TestOpenTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	r, err := Open("tcp://"+ln.Addr().String(), Options{Simulated: true})
	require.NoError(t, err)
	defer r.Close()

	peer := <-accepted
	defer peer.Close()
	writeAsync(peer, encode(t, &xbee.ModemStatus{Status: 0}))

	f, err := r.Receive()
	require.NoError(t, err)
	assert.Equal(t, &xbee.ModemStatus{}, f)
}

func TestOpenTCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Open("tcp://"+addr, Options{DialTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
