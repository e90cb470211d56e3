package xbee

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrChecksum is returned for a frame whose checksum does not match.
	ErrChecksum = errors.New("xbee: checksum mismatch")
	// ErrUnknownType is returned for a frame type this package does not know.
	ErrUnknownType = errors.New("xbee: unknown frame type")
	// ErrMalformed is returned when a frame is shorter than its header or
	// does not start with the delimiter.
	ErrMalformed = errors.New("xbee: malformed frame")
	// ErrTooLong is returned by Encode when the body does not fit the
	// 16-bit length field.
	ErrTooLong = errors.New("xbee: frame too long")
)

// Checksum computes the frame checksum over type, header and data.
func Checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return 0xFF - sum
}

// Encode serializes f including delimiter, length and checksum.
func Encode(f Frame) ([]byte, error) {
	body, err := appendBody(make([]byte, 0, 32), f)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(body))
	}

	out := make([]byte, 0, len(body)+4)
	out = append(out, StartDelimiter)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)))
	out = append(out, body...)
	return append(out, Checksum(body)), nil
}

func appendBody(b []byte, f Frame) ([]byte, error) {
	b = append(b, byte(f.Type()))

	switch v := f.(type) {
	case *ModemStatus:
		b = append(b, v.Status)
	case *Command:
		b = append(b, v.ID, v.Command[0], v.Command[1])
		b = append(b, v.Data...)
	case *CommandResponse:
		b = append(b, v.ID, v.Command[0], v.Command[1], v.Status)
		b = append(b, v.Data...)
	case *RemoteCommand:
		b = append(b, v.ID)
		b = binary.BigEndian.AppendUint64(b, v.MAC)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.Options, v.Command[0], v.Command[1])
		b = append(b, v.Data...)
	case *RemoteCommandResponse:
		b = append(b, v.ID)
		b = binary.BigEndian.AppendUint64(b, v.MAC)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.Command[0], v.Command[1], v.Status)
		b = append(b, v.Data...)
	case *Transmit:
		b = append(b, v.ID)
		b = binary.BigEndian.AppendUint64(b, v.MAC)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.Radius, v.Options)
		b = append(b, v.Data...)
	case *ExplicitTransmit:
		b = append(b, v.ID)
		b = binary.BigEndian.AppendUint64(b, v.MAC)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.SourceEndpoint, v.DestinationEndpoint)
		b = binary.BigEndian.AppendUint16(b, v.Cluster)
		b = binary.BigEndian.AppendUint16(b, v.Profile)
		b = append(b, v.Radius, v.Options)
		b = append(b, v.Data...)
	case *Status:
		b = append(b, v.ID)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.Retries, v.Status, v.Discovery)
	case *Receive:
		b = binary.BigEndian.AppendUint64(b, v.MAC)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.Options)
		b = append(b, v.Data...)
	case *ExplicitReceive:
		b = binary.BigEndian.AppendUint64(b, v.MAC)
		b = binary.BigEndian.AppendUint16(b, v.Network)
		b = append(b, v.SourceEndpoint, v.DestinationEndpoint)
		b = binary.BigEndian.AppendUint16(b, v.Cluster)
		b = binary.BigEndian.AppendUint16(b, v.Profile)
		b = append(b, v.Options)
		b = append(b, v.Data...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
	return b, nil
}

// Decode parses one complete frame, delimiter through checksum.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 5 || raw[0] != StartDelimiter {
		return nil, ErrMalformed
	}
	length := int(binary.BigEndian.Uint16(raw[1:3]))
	if len(raw) != length+4 {
		return nil, fmt.Errorf("%w: length field %d, got %d bytes", ErrMalformed, length, len(raw)-4)
	}
	body := raw[3 : 3+length]
	if sum := Checksum(body); sum != raw[3+length] {
		return nil, fmt.Errorf("%w: computed 0x%02X, received 0x%02X", ErrChecksum, sum, raw[3+length])
	}
	return DecodeBody(body)
}

// DecodeBody parses the type, header and data of a frame whose framing and
// checksum were already verified.
func DecodeBody(body []byte) (Frame, error) {
	if len(body) == 0 {
		return nil, ErrMalformed
	}
	t := Type(body[0])
	size, ok := headerSize[t]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, body[0])
	}
	h := body[1:]
	if len(h) < size {
		return nil, fmt.Errorf("%w: %s header needs %d bytes, got %d", ErrMalformed, t, size, len(h))
	}
	data := func() []byte {
		if len(h) == size {
			return nil
		}
		return append([]byte(nil), h[size:]...)
	}

	switch t {
	case TypeModemStatus:
		return &ModemStatus{Status: h[0]}, nil
	case TypeCommand, TypeCommandQueue:
		return &Command{
			ID:      h[0],
			Command: [2]byte{h[1], h[2]},
			Data:    data(),
			Queue:   t == TypeCommandQueue,
		}, nil
	case TypeCommandResponse:
		return &CommandResponse{
			ID:      h[0],
			Command: [2]byte{h[1], h[2]},
			Status:  h[3],
			Data:    data(),
		}, nil
	case TypeRemoteCommand:
		return &RemoteCommand{
			ID:      h[0],
			MAC:     binary.BigEndian.Uint64(h[1:9]),
			Network: binary.BigEndian.Uint16(h[9:11]),
			Options: h[11],
			Command: [2]byte{h[12], h[13]},
			Data:    data(),
		}, nil
	case TypeRemoteCommandResponse:
		return &RemoteCommandResponse{
			ID:      h[0],
			MAC:     binary.BigEndian.Uint64(h[1:9]),
			Network: binary.BigEndian.Uint16(h[9:11]),
			Command: [2]byte{h[11], h[12]},
			Status:  h[13],
			Data:    data(),
		}, nil
	case TypeTransmit:
		return &Transmit{
			ID:      h[0],
			MAC:     binary.BigEndian.Uint64(h[1:9]),
			Network: binary.BigEndian.Uint16(h[9:11]),
			Radius:  h[11],
			Options: h[12],
			Data:    data(),
		}, nil
	case TypeExplicitTransmit:
		return &ExplicitTransmit{
			ID:                  h[0],
			MAC:                 binary.BigEndian.Uint64(h[1:9]),
			Network:             binary.BigEndian.Uint16(h[9:11]),
			SourceEndpoint:      h[11],
			DestinationEndpoint: h[12],
			Cluster:             binary.BigEndian.Uint16(h[13:15]),
			Profile:             binary.BigEndian.Uint16(h[15:17]),
			Radius:              h[17],
			Options:             h[18],
			Data:                data(),
		}, nil
	case TypeStatus:
		return &Status{
			ID:        h[0],
			Network:   binary.BigEndian.Uint16(h[1:3]),
			Retries:   h[3],
			Status:    h[4],
			Discovery: h[5],
		}, nil
	case TypeReceive:
		return &Receive{
			MAC:     binary.BigEndian.Uint64(h[0:8]),
			Network: binary.BigEndian.Uint16(h[8:10]),
			Options: h[10],
			Data:    data(),
		}, nil
	case TypeExplicitReceive:
		return &ExplicitReceive{
			MAC:                 binary.BigEndian.Uint64(h[0:8]),
			Network:             binary.BigEndian.Uint16(h[8:10]),
			SourceEndpoint:      h[10],
			DestinationEndpoint: h[11],
			Cluster:             binary.BigEndian.Uint16(h[12:14]),
			Profile:             binary.BigEndian.Uint16(h[14:16]),
			Options:             h[16],
			Data:                data(),
		}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, body[0])
}
