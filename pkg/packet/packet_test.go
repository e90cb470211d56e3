package packet

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/xbee"
)

func TestEncodeLayout(t *testing.T) {
	tests := []struct {
		name string
		p    *Packet
		want []byte
	}{
		{
			name: "data",
			p: &Packet{
				Type: TypeData, Destination: 9, Source: 1, PacketID: 7, Port: 15,
				Visited: models.Path{1, 4}, Payload: []byte("hi"),
			},
			want: []byte{0, 9, 1, 7, 15, 2, 1, 4, 'h', 'i'},
		},
		{
			name: "ack",
			p: &Packet{
				Type: TypeAck, Destination: 4, Source: 9, PacketID: 7, Origin: 1, Status: 0,
				Parameters: []models.RemoteParameters{{Hop: 9, Delay: 0x0102, Errors: 3, Retries: 5}},
			},
			want: []byte{1, 4, 9, 7, 1, 0, 9, 0x01, 0x02, 0x35},
		},
		{
			name: "node broadcast",
			p:    NewNodeBroadcast(42),
			want: []byte{2, 42},
		},
		{
			name: "edge drop",
			p:    NewEdgeDrop(3, 8),
			want: []byte{3, 3, 8},
		},
		{
			name: "graph",
			p:    NewGraph([]models.Edge{{1, 2}, {2, 3}}),
			want: []byte{4, 1, 2, 2, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAckParametersSaturate(t *testing.T) {
	p := &Packet{
		Type:       TypeAck,
		Parameters: []models.RemoteParameters{{Hop: 2, Delay: 65535, Errors: 200, Retries: 16}},
	}
	raw, err := Encode(p)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), raw[len(raw)-1])

	got, err := Decode(0, raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(15), got.Parameters[0].Errors)
	assert.Equal(t, uint8(15), got.Parameters[0].Retries)
	assert.Equal(t, uint16(65535), got.Parameters[0].Delay)
}

func TestRoundTrip(t *testing.T) {
	var packets []*Packet

	for _, n := range []int{0, 1, 20} {
		for _, size := range []int{0, 1, 250} {
			visited := make(models.Path, n)
			for i := range visited {
				visited[i] = models.Address(i + 1)
			}
			packets = append(packets, &Packet{
				Type: TypeData, Destination: 200, Source: 3, PacketID: uint8(size), Port: 7,
				Visited: visited, Payload: bytes.Repeat([]byte{0xA5}, size),
			})
		}
	}

	for _, n := range []int{0, 1, 63} {
		params := make([]models.RemoteParameters, n)
		for i := range params {
			params[i] = models.RemoteParameters{
				Hop:     models.Address(i + 1),
				Delay:   uint16(i * 1000),
				Errors:  uint8(i % 16),
				Retries: uint8((i + 7) % 16),
			}
		}
		packets = append(packets, &Packet{
			Type: TypeAck, Destination: 5, Source: 6, PacketID: 99, Origin: 1, Status: 12,
			Parameters: params,
		})
	}

	packets = append(packets,
		NewNodeBroadcast(254),
		NewEdgeDrop(1, 254),
		NewGraph(nil),
		NewGraph([]models.Edge{{1, 2}, {1, 3}, {2, 254}}),
	)

	for _, p := range packets {
		t.Run(p.String(), func(t *testing.T) {
			raw, err := Encode(p)
			require.NoError(t, err)

			got, err := Decode(0, raw)
			require.NoError(t, err)
			if diff := cmp.Diff(p, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrMalformed},
		{"unknown tag", []byte{9, 1, 2}, ErrUnknownType},
		{"internal on wire", []byte{byte(TypeInternal)}, ErrUnknownType},
		{"short data", []byte{0, 1, 2, 3}, ErrMalformed},
		{"visited overrun", []byte{0, 1, 2, 3, 4, 5, 1}, ErrMalformed},
		{"short ack", []byte{1, 1, 2}, ErrMalformed},
		{"short broadcast", []byte{2}, ErrMalformed},
		{"short edge drop", []byte{3, 1}, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(0, tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	ack, err := Decode(0, []byte{1, 4, 9, 7, 1, 0, 9, 0, 10, 0x11, 0xEE, 0xEE})
	require.NoError(t, err)
	assert.Len(t, ack.Parameters, 1)

	graph, err := Decode(0, []byte{4, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []models.Edge{{1, 2}}, graph.Edges)
}

func TestEncodeInternal(t *testing.T) {
	_, err := Encode(NewInternal(&xbee.Status{ID: 1}))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestID(t *testing.T) {
	data := &Packet{Type: TypeData, Destination: 0x09, Source: 0x01, PacketID: 0x07}
	assert.Equal(t, ID(0x090107), data.ID())

	ack := NewAck(data, 0)
	assert.Equal(t, ID(0x090107), ack.ID(), "ack correlates with the data packet")
}

func TestNewAck(t *testing.T) {
	data := &Packet{Type: TypeData, Destination: 9, Source: 1, PacketID: 7, Visited: models.Path{1, 4, 6}}

	ack := NewAck(data, 6)
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, models.Address(6), ack.Destination)
	assert.Equal(t, models.Address(9), ack.Source)
	assert.Equal(t, models.Address(1), ack.Origin)
	assert.Equal(t, models.Address(6), ack.Status)
	assert.Equal(t, uint8(7), ack.PacketID)

	data.Visited = nil
	assert.Equal(t, models.Address(1), NewAck(data, 0).Destination)
}

func TestFrames(t *testing.T) {
	p := NewData(9, 1, 15, []byte("ping"))
	p.PacketID = 3

	tx, err := ToFrame(p, 12, 0x0013A20040A1B2C3, xbee.UnknownNetwork)
	require.NoError(t, err)
	assert.Equal(t, uint8(12), tx.ID)
	assert.Equal(t, uint64(0x0013A20040A1B2C3), tx.MAC)

	got, err := FromFrame(&xbee.Receive{MAC: 0x42, Data: tx.Data})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), got.MAC)
	assert.Equal(t, p.ID(), got.ID())
	assert.Equal(t, []byte("ping"), got.Payload)

	st := &xbee.Status{ID: 12}
	internal, err := FromFrame(st)
	require.NoError(t, err)
	assert.Equal(t, TypeInternal, internal.Type)
	assert.Same(t, st, internal.Frame.(*xbee.Status))
}
