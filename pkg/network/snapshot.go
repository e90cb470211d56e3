package network

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xbeemesh/pkg/models"
)

// LinkState is one edge together with its statistics.
type LinkState struct {
	A          models.Address `json:"a" msgpack:"a"`
	B          models.Address `json:"b" msgpack:"b"`
	Parameters Parameters     `json:"parameters" msgpack:"parameters"`
}

// Snapshot is a point-in-time copy of the topology, published to local
// observers.
type Snapshot struct {
	Self  models.Address `json:"self" msgpack:"self"`
	Taken time.Time      `json:"taken" msgpack:"taken"`
	Nodes []models.Node  `json:"nodes" msgpack:"nodes"`
	Links []LinkState    `json:"links" msgpack:"links"`
}

// Snapshot copies the whole topology under one lock.
func (n *Network) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Snapshot{
		Self:  n.self,
		Taken: time.Now(),
		Nodes: n.sortedNodes(),
	}
	for _, e := range n.graph() {
		s.Links = append(s.Links, LinkState{A: e[0], B: e[1], Parameters: *n.neighbours[e[0]][e[1]]})
	}
	return s
}

// EncodeSnapshot serializes s with msgpack.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	b, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
