package models

import (
	"fmt"
	"time"
)

// Address is a one-byte logical node identifier. Valid nodes use 1-254.
type Address uint8

const (
	// Broadcast marks a packet addressed to every node (also "unset").
	Broadcast Address = 0
	// Reserved is never assigned to a node.
	Reserved Address = 255
)

// Valid reports whether a can identify a node.
func (a Address) Valid() bool {
	return a != Broadcast && a != Reserved
}

func (a Address) String() string {
	return fmt.Sprintf("%d", uint8(a))
}

// Path is an ordered list of hops.
type Path []Address

// Contains reports whether a appears in the path.
func (p Path) Contains(a Address) bool {
	for _, hop := range p {
		if hop == a {
			return true
		}
	}
	return false
}

// Edge is an unordered pair of node addresses.
type Edge [2]Address

// Ordered returns the edge with the lower address first.
func (e Edge) Ordered() Edge {
	if e[0] > e[1] {
		return Edge{e[1], e[0]}
	}
	return e
}

// Node describes a radio in the mesh.
type Node struct {
	Address  Address   `json:"address" msgpack:"address"`
	MAC      uint64    `json:"mac" msgpack:"mac"`
	Name     string    `json:"name" msgpack:"name"`
	Network  uint16    `json:"network" msgpack:"network"`
	LastSeen time.Time `json:"last_seen" msgpack:"last_seen"`
	Self     bool      `json:"self" msgpack:"self"`
}

// RemoteParameters is the link quality observed by one hop, carried back to
// the origin inside an Ack.
type RemoteParameters struct {
	Hop     Address
	Delay   uint16
	Errors  uint8
	Retries uint8
}
