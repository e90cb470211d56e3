package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/xbee"
)

var (
	// ErrUnknownType is returned for a type tag that cannot appear on the wire.
	ErrUnknownType = errors.New("packet: unknown type")
	// ErrMalformed is returned when the encoded packet is shorter than its
	// fixed fields.
	ErrMalformed = errors.New("packet: malformed")
	// ErrTooLong is returned when a variable part does not fit its count byte.
	ErrTooLong = errors.New("packet: too long")
)

const nibble = 0x0F

func saturate4(v uint8) byte {
	if v > nibble {
		return nibble
	}
	return v
}

// Encode serializes p. Internal packets cannot be encoded.
func Encode(p *Packet) ([]byte, error) {
	b := []byte{byte(p.Type)}

	switch p.Type {
	case TypeData:
		if len(p.Visited) > 0xFF {
			return nil, fmt.Errorf("%w: %d visited hops", ErrTooLong, len(p.Visited))
		}
		b = append(b, byte(p.Destination), byte(p.Source), p.PacketID, p.Port, byte(len(p.Visited)))
		for _, hop := range p.Visited {
			b = append(b, byte(hop))
		}
		b = append(b, p.Payload...)
	case TypeAck:
		b = append(b, byte(p.Destination), byte(p.Source), p.PacketID, byte(p.Origin), byte(p.Status))
		for _, rp := range p.Parameters {
			b = append(b, byte(rp.Hop))
			b = binary.BigEndian.AppendUint16(b, rp.Delay)
			b = append(b, saturate4(rp.Errors)<<4|saturate4(rp.Retries))
		}
	case TypeNodeBroadcast:
		b = append(b, byte(p.Address))
	case TypeEdgeDrop:
		b = append(b, byte(p.Edge[0]), byte(p.Edge[1]))
	case TypeGraph:
		for _, e := range p.Edges {
			b = append(b, byte(e[0]), byte(e[1]))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
	}
	return b, nil
}

// Decode parses a packet received from the radio with hardware address mac.
func Decode(mac uint64, data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	p := &Packet{Type: Type(data[0]), MAC: mac}
	body := data[1:]

	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, p.Type, n, len(body))
		}
		return nil
	}

	switch p.Type {
	case TypeData:
		if err := need(5); err != nil {
			return nil, err
		}
		p.Destination = models.Address(body[0])
		p.Source = models.Address(body[1])
		p.PacketID = body[2]
		p.Port = body[3]
		count := int(body[4])
		if err := need(5 + count); err != nil {
			return nil, err
		}
		if count > 0 {
			p.Visited = make(models.Path, count)
			for i := range p.Visited {
				p.Visited[i] = models.Address(body[5+i])
			}
		}
		if rest := body[5+count:]; len(rest) > 0 {
			p.Payload = append([]byte(nil), rest...)
		}
	case TypeAck:
		if err := need(5); err != nil {
			return nil, err
		}
		p.Destination = models.Address(body[0])
		p.Source = models.Address(body[1])
		p.PacketID = body[2]
		p.Origin = models.Address(body[3])
		p.Status = models.Address(body[4])
		// Trailing bytes that do not form a whole parameter block are ignored.
		rest := body[5:]
		if n := len(rest) / 4; n > 0 {
			p.Parameters = make([]models.RemoteParameters, n)
			for i := range p.Parameters {
				q := rest[i*4:]
				p.Parameters[i] = models.RemoteParameters{
					Hop:     models.Address(q[0]),
					Delay:   binary.BigEndian.Uint16(q[1:3]),
					Errors:  q[3] >> 4,
					Retries: q[3] & nibble,
				}
			}
		}
	case TypeNodeBroadcast:
		if err := need(1); err != nil {
			return nil, err
		}
		p.Address = models.Address(body[0])
	case TypeEdgeDrop:
		if err := need(2); err != nil {
			return nil, err
		}
		p.Edge = models.Edge{models.Address(body[0]), models.Address(body[1])}
	case TypeGraph:
		if n := len(body) / 2; n > 0 {
			p.Edges = make([]models.Edge, n)
			for i := range p.Edges {
				p.Edges[i] = models.Edge{models.Address(body[2*i]), models.Address(body[2*i+1])}
			}
		}
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownType, data[0])
	}
	return p, nil
}

// ToFrame wraps p into a Transmit frame for the radio with hardware address
// mac. A zero frameID asks the radio not to report a Status.
func ToFrame(p *Packet, frameID uint8, mac uint64, network uint16) (*xbee.Transmit, error) {
	data, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return &xbee.Transmit{
		ID:      frameID,
		MAC:     mac,
		Network: network,
		Data:    data,
	}, nil
}

// FromFrame turns a Receive frame into the packet it carries. Any other
// frame becomes an Internal packet.
func FromFrame(f xbee.Frame) (*Packet, error) {
	if rx, ok := f.(*xbee.Receive); ok {
		return Decode(rx.MAC, rx.Data)
	}
	return NewInternal(f), nil
}
