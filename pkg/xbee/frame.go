// Package xbee encodes and decodes XBee API frames.
//
// A frame on the wire is
//
//	0x7E | length_hi | length_lo | type | header | data | checksum
//
// where length counts type, header and data, and the checksum is
// 0xFF minus the low byte of their sum. Multi-byte fields are big-endian.
package xbee

import "fmt"

// Type identifies the API frame.
type Type byte

const (
	TypeCommand               Type = 0x08
	TypeCommandQueue          Type = 0x09
	TypeCommandResponse       Type = 0x88
	TypeRemoteCommand         Type = 0x17
	TypeRemoteCommandResponse Type = 0x97
	TypeTransmit              Type = 0x10
	TypeExplicitTransmit      Type = 0x11
	TypeStatus                Type = 0x8B
	TypeReceive               Type = 0x90
	TypeExplicitReceive       Type = 0x91
	TypeModemStatus           Type = 0x8A
)

const (
	// StartDelimiter opens every frame.
	StartDelimiter byte = 0x7E
	// BroadcastMAC addresses every radio in range.
	BroadcastMAC uint64 = 0x000000000000FFFF
	// UnknownNetwork is the 16-bit network address used when it is not known.
	UnknownNetwork uint16 = 0xFFFE
	// MaxLength is the largest length field a frame can carry.
	MaxLength = 0xFFFF
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "Command"
	case TypeCommandQueue:
		return "CommandQueue"
	case TypeCommandResponse:
		return "CommandResponse"
	case TypeRemoteCommand:
		return "RemoteCommand"
	case TypeRemoteCommandResponse:
		return "RemoteCommandResponse"
	case TypeTransmit:
		return "Transmit"
	case TypeExplicitTransmit:
		return "ExplicitTransmit"
	case TypeStatus:
		return "Status"
	case TypeReceive:
		return "Receive"
	case TypeExplicitReceive:
		return "ExplicitReceive"
	case TypeModemStatus:
		return "ModemStatus"
	}
	return fmt.Sprintf("Type(0x%02X)", byte(t))
}

// headerSize is the number of structured bytes following the type byte.
var headerSize = map[Type]int{
	TypeModemStatus:           1,
	TypeCommand:               3,
	TypeCommandQueue:          3,
	TypeCommandResponse:       4,
	TypeRemoteCommand:         14,
	TypeRemoteCommandResponse: 14,
	TypeTransmit:              13,
	TypeExplicitTransmit:      19,
	TypeStatus:                6,
	TypeReceive:               11,
	TypeExplicitReceive:       17,
}

// Frame is one of the concrete frame structs in this package.
type Frame interface {
	Type() Type
}

// ModemStatus reports modem state changes (reset, association).
type ModemStatus struct {
	Status byte
}

// Command is a local AT command. A zero ID suppresses the response.
type Command struct {
	ID      byte
	Command [2]byte
	Data    []byte
	// Queue sends the command as CommandQueue: parameters are queued until
	// the next AC/WR.
	Queue bool
}

// CommandResponse answers a local AT command.
type CommandResponse struct {
	ID      byte
	Command [2]byte
	Status  byte
	Data    []byte
}

// RemoteCommand is an AT command executed by another radio.
type RemoteCommand struct {
	ID      byte
	MAC     uint64
	Network uint16
	Options byte
	Command [2]byte
	Data    []byte
}

// RemoteCommandResponse answers a RemoteCommand.
type RemoteCommandResponse struct {
	ID      byte
	MAC     uint64
	Network uint16
	Command [2]byte
	Status  byte
	Data    []byte
}

// Transmit sends Data to the radio with hardware address MAC. A zero ID
// disables the Status frame.
type Transmit struct {
	ID      byte
	MAC     uint64
	Network uint16
	Radius  byte
	Options byte
	Data    []byte
}

// ExplicitTransmit is Transmit with application-layer addressing.
type ExplicitTransmit struct {
	ID                  byte
	MAC                 uint64
	Network             uint16
	SourceEndpoint      byte
	DestinationEndpoint byte
	Cluster             uint16
	Profile             uint16
	Radius              byte
	Options             byte
	Data                []byte
}

// Status reports the outcome of a Transmit with a non-zero ID.
type Status struct {
	ID        byte
	Network   uint16
	Retries   byte
	Status    byte
	Discovery byte
}

// Delivered reports whether the transmission succeeded.
func (s *Status) Delivered() bool { return s.Status == 0 }

// Receive carries data received from the radio with hardware address MAC.
type Receive struct {
	MAC     uint64
	Network uint16
	Options byte
	Data    []byte
}

// ExplicitReceive is Receive with application-layer addressing.
type ExplicitReceive struct {
	MAC                 uint64
	Network             uint16
	SourceEndpoint      byte
	DestinationEndpoint byte
	Cluster             uint16
	Profile             uint16
	Options             byte
	Data                []byte
}

func (*ModemStatus) Type() Type { return TypeModemStatus }

func (c *Command) Type() Type {
	if c.Queue {
		return TypeCommandQueue
	}
	return TypeCommand
}

func (*CommandResponse) Type() Type       { return TypeCommandResponse }
func (*RemoteCommand) Type() Type         { return TypeRemoteCommand }
func (*RemoteCommandResponse) Type() Type { return TypeRemoteCommandResponse }
func (*Transmit) Type() Type              { return TypeTransmit }
func (*ExplicitTransmit) Type() Type      { return TypeExplicitTransmit }
func (*Status) Type() Type                { return TypeStatus }
func (*Receive) Type() Type               { return TypeReceive }
func (*ExplicitReceive) Type() Type       { return TypeExplicitReceive }

// AT builds a two-letter AT command name.
func AT(name string) [2]byte {
	var c [2]byte
	copy(c[:], name)
	return c
}
