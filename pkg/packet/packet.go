// Package packet implements the routing packets carried inside XBee
// Transmit and Receive frames.
package packet

import (
	"fmt"
	"log/slog"

	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/xbee"
)

// Type is the first byte of every encoded packet.
type Type uint8

const (
	TypeData Type = iota
	TypeAck
	TypeNodeBroadcast
	TypeEdgeDrop
	TypeGraph
	// TypeInternal wraps a frame produced by the local radio. It never
	// appears on the wire.
	TypeInternal
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	case TypeNodeBroadcast:
		return "node-broadcast"
	case TypeEdgeDrop:
		return "edge-drop"
	case TypeGraph:
		return "graph"
	case TypeInternal:
		return "internal"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ID correlates a packet with its delivery metadata on one hop.
type ID uint32

// Packet is a routing message. Which fields are meaningful depends on Type:
//
//	Data           Destination Source PacketID Port Visited Payload
//	Ack            Destination Source PacketID Origin Status Parameters
//	NodeBroadcast  Address
//	EdgeDrop       Edge
//	Graph          Edges
//	Internal       Frame
//
// MAC is the hardware address of the radio the packet was received from.
type Packet struct {
	Type        Type
	Destination models.Address
	Source      models.Address
	PacketID    uint8
	MAC         uint64

	Port    uint8
	Visited models.Path
	Payload []byte

	// Origin is the source of the data packet an Ack answers. Status is 0
	// for a delivered packet, otherwise the node where delivery failed.
	Origin     models.Address
	Status     models.Address
	Parameters []models.RemoteParameters

	Address models.Address
	Edge    models.Edge
	Edges   []models.Edge

	Frame xbee.Frame
}

// NewData returns a data packet with no packet id assigned yet.
func NewData(destination, source models.Address, port uint8, payload []byte) *Packet {
	return &Packet{
		Type:        TypeData,
		Destination: destination,
		Source:      source,
		Port:        port,
		Payload:     payload,
	}
}

// NewAck builds the acknowledgement for data packet p. The Ack travels back
// along p.Visited toward p.Source. Its Source is p.Destination so that the
// Ack id equals the data packet id on every hop.
func NewAck(p *Packet, status models.Address) *Packet {
	ack := &Packet{
		Type:        TypeAck,
		PacketID:    p.PacketID,
		Destination: p.Source,
		Source:      p.Destination,
		Origin:      p.Source,
		Status:      status,
	}
	if n := len(p.Visited); n > 0 {
		ack.Destination = p.Visited[n-1]
	}
	return ack
}

// NewNodeBroadcast announces the presence of addr.
func NewNodeBroadcast(addr models.Address) *Packet {
	return &Packet{Type: TypeNodeBroadcast, Address: addr}
}

// NewEdgeDrop announces the removal of edge (a,b).
func NewEdgeDrop(a, b models.Address) *Packet {
	return &Packet{Type: TypeEdgeDrop, Edge: models.Edge{a, b}}
}

// NewGraph carries a topology edge list.
func NewGraph(edges []models.Edge) *Packet {
	return &Packet{Type: TypeGraph, Edges: edges}
}

// NewInternal wraps a frame from the local radio.
func NewInternal(f xbee.Frame) *Packet {
	return &Packet{Type: TypeInternal, Frame: f}
}

// ID returns the correlation id: (source, origin, packet id) for Acks and
// (destination, source, packet id) for everything else.
func (p *Packet) ID() ID {
	if p.Type == TypeAck {
		return ID(p.Source)<<16 | ID(p.Origin)<<8 | ID(p.PacketID)
	}
	return ID(p.Destination)<<16 | ID(p.Source)<<8 | ID(p.PacketID)
}

func (p *Packet) String() string {
	switch p.Type {
	case TypeData:
		return fmt.Sprintf("data %d->%d id=%d port=%d visited=%v len=%d",
			p.Source, p.Destination, p.PacketID, p.Port, p.Visited, len(p.Payload))
	case TypeAck:
		return fmt.Sprintf("ack %d->%d id=%d origin=%d status=%d params=%d",
			p.Source, p.Destination, p.PacketID, p.Origin, p.Status, len(p.Parameters))
	case TypeNodeBroadcast:
		return fmt.Sprintf("node-broadcast %d", p.Address)
	case TypeEdgeDrop:
		return fmt.Sprintf("edge-drop %d-%d", p.Edge[0], p.Edge[1])
	case TypeGraph:
		return fmt.Sprintf("graph edges=%d", len(p.Edges))
	case TypeInternal:
		if p.Frame == nil {
			return "internal <nil>"
		}
		return "internal " + p.Frame.Type().String()
	}
	return p.Type.String()
}

// LogValue renders the packet as a group in structured logs.
func (p *Packet) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("type", p.Type.String())}
	switch p.Type {
	case TypeData, TypeAck:
		attrs = append(attrs,
			slog.Int("src", int(p.Source)),
			slog.Int("dst", int(p.Destination)),
			slog.Int("pid", int(p.PacketID)),
		)
		if p.Type == TypeAck {
			attrs = append(attrs, slog.Int("origin", int(p.Origin)), slog.Int("status", int(p.Status)))
		} else {
			attrs = append(attrs, slog.Int("port", int(p.Port)), slog.Any("visited", p.Visited))
		}
	case TypeNodeBroadcast:
		attrs = append(attrs, slog.Int("addr", int(p.Address)))
	case TypeEdgeDrop:
		attrs = append(attrs, slog.Int("a", int(p.Edge[0])), slog.Int("b", int(p.Edge[1])))
	case TypeGraph:
		attrs = append(attrs, slog.Int("edges", len(p.Edges)))
	case TypeInternal:
		if p.Frame != nil {
			attrs = append(attrs, slog.String("frame", p.Frame.Type().String()))
		}
	}
	return slog.GroupValue(attrs...)
}
