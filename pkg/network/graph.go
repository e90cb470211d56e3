// Package network keeps the mesh topology: nodes, undirected edges annotated
// with link statistics, and least-cost path search over them.
package network

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/xbee"
)

// DefaultDelay is the delay estimate of a fresh edge, in milliseconds.
const DefaultDelay = 10

// Parameters are the statistics of one edge.
type Parameters struct {
	Good    uint32 `json:"good" msgpack:"good"`
	Errors  uint32 `json:"errors" msgpack:"errors"`
	Retries uint32 `json:"retries" msgpack:"retries"`
	// Delay is a running average in milliseconds.
	Delay uint16 `json:"delay" msgpack:"delay"`
}

// Antireliability is the path cost of the edge. Lower is better.
func (p Parameters) Antireliability() float64 {
	return float64(p.Retries) * (float64(p.Errors) + 1) / (float64(p.Good) + 1)
}

// Network is the topology as seen from one node. It is safe for concurrent use.
type Network struct {
	mu         sync.Mutex
	self       models.Address
	nodes      map[models.Address]*models.Node
	neighbours map[models.Address]map[models.Address]*Parameters
	log        *slog.Logger
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger used for topology changes.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) { n.log = l }
}

// New returns a topology containing only the self node.
func New(self models.Address, opts ...Option) *Network {
	n := &Network{
		self:       self,
		nodes:      make(map[models.Address]*models.Node),
		neighbours: make(map[models.Address]map[models.Address]*Parameters),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(n)
	}
	n.log = n.log.With("component", "network")
	n.addNode(self)
	if node, ok := n.nodes[self]; ok {
		node.Self = true
	}
	return n
}

// Self returns the address of the local node.
func (n *Network) Self() models.Address { return n.self }

// AddNode creates node a. It returns false if a is not a valid address or
// the node already exists.
func (n *Network) AddNode(a models.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addNode(a)
}

func (n *Network) addNode(a models.Address) bool {
	if !a.Valid() {
		return false
	}
	if _, ok := n.nodes[a]; ok {
		return false
	}
	n.nodes[a] = &models.Node{Address: a, LastSeen: time.Now()}
	n.log.Debug("node added", "node", a)
	return true
}

// Node returns a copy of node a.
func (n *Network) Node(a models.Address) (models.Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[a]
	if !ok {
		return models.Node{}, false
	}
	return *node, true
}

// Nodes returns copies of every node ordered by address.
func (n *Network) Nodes() []models.Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sortedNodes()
}

func (n *Network) sortedNodes() []models.Node {
	out := make([]models.Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// AddEdge creates edge (a,b) and its endpoints. It reports whether
// anything new was created. Self-loops and invalid endpoints are refused.
func (n *Network) AddEdge(a, b models.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, created := n.edge(a, b)
	return created
}

// Edge returns the parameters of edge (a,b), creating the edge if needed.
// Edge(a,b) and Edge(b,a) share one value. It returns nil when the edge
// cannot exist. Mutate the parameters only through Update.
func (n *Network) Edge(a, b models.Address) *Parameters {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, _ := n.edge(a, b)
	return p
}

func (n *Network) edge(a, b models.Address) (*Parameters, bool) {
	if a == b || !a.Valid() || !b.Valid() {
		return nil, false
	}
	created := n.addNode(a)
	created = n.addNode(b) || created

	if p, ok := n.neighbours[a][b]; ok {
		return p, created
	}
	p := &Parameters{Delay: DefaultDelay}
	n.link(a, b, p)
	n.link(b, a, p)
	n.log.Info("edge added", "a", a, "b", b)
	return p, true
}

func (n *Network) link(a, b models.Address, p *Parameters) {
	adj, ok := n.neighbours[a]
	if !ok {
		adj = make(map[models.Address]*Parameters)
		n.neighbours[a] = adj
	}
	adj[b] = p
}

// Parameters returns a copy of the statistics of edge (a,b) without
// creating it.
func (n *Network) Parameters(a, b models.Address) (Parameters, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.neighbours[a][b]
	if !ok {
		return Parameters{}, false
	}
	return *p, true
}

// Adjacent reports whether edge (a,b) exists.
func (n *Network) Adjacent(a, b models.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.neighbours[a][b]
	return ok
}

// Neighbours returns the addresses adjacent to a in ascending order.
func (n *Network) Neighbours(a models.Address) []models.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sortedNeighbours(a)
}

func (n *Network) sortedNeighbours(a models.Address) []models.Address {
	adj := n.neighbours[a]
	out := make([]models.Address, 0, len(adj))
	for b := range adj {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Update folds one observed transmission over (a,b) into the edge
// statistics, creating the edge if needed. Counters saturate. Invalid
// endpoints are ignored.
func (n *Network) Update(a, b models.Address, retries, errs uint8, delay uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, _ := n.edge(a, b)
	if p == nil {
		return
	}
	p.Retries = addSaturating(p.Retries, uint32(retries))
	if errs > 0 {
		p.Errors = addSaturating(p.Errors, 1)
	} else {
		p.Good = addSaturating(p.Good, 1)
	}
	p.Delay = uint16(math.Round((float64(p.Delay) + float64(delay)) / 2))

	n.log.Debug("edge updated", "a", a, "b", b,
		"retries", p.Retries, "errors", p.Errors, "good", p.Good,
		"delay", p.Delay, "antireliability", p.Antireliability())
}

func addSaturating(v, d uint32) uint32 {
	if v > math.MaxUint32-d {
		return math.MaxUint32
	}
	return v + d
}

// Drop removes edge (a,b) and any endpoint left without edges, except the
// self node. It reports whether the edge existed.
func (n *Network) Drop(a, b models.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.neighbours[a][b]; !ok {
		return false
	}
	delete(n.neighbours[a], b)
	delete(n.neighbours[b], a)

	for _, x := range [2]models.Address{a, b} {
		if len(n.neighbours[x]) > 0 {
			continue
		}
		delete(n.neighbours, x)
		if x != n.self {
			delete(n.nodes, x)
			n.log.Info("node dropped", "node", x)
		}
	}
	n.log.Info("edge dropped", "a", a, "b", b)
	return true
}

// Merge adds every edge in edges and reports whether anything was new.
func (n *Network) Merge(edges []models.Edge) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	dirty := false
	for _, e := range edges {
		if _, created := n.edge(e[0], e[1]); created {
			dirty = true
		}
	}
	return dirty
}

// Graph returns every edge once, lower address first, in ascending order.
func (n *Network) Graph() []models.Edge {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.graph()
}

func (n *Network) graph() []models.Edge {
	var out []models.Edge
	for a, adj := range n.neighbours {
		for b := range adj {
			if a < b {
				out = append(out, models.Edge{a, b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// MAC returns the hardware address of node a: 0 if the node is unknown and
// the broadcast address if its hardware address has not been learned.
func (n *Network) MAC(a models.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[a]
	if !ok {
		return 0
	}
	if node.MAC == 0 {
		return xbee.BroadcastMAC
	}
	return node.MAC
}

// FromMAC maps a hardware address back to a node address, or 0.
func (n *Network) FromMAC(mac uint64) models.Address {
	if mac == 0 {
		return models.Broadcast
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, node := range n.sortedNodes() {
		if node.MAC == mac {
			return node.Address
		}
	}
	return models.Broadcast
}

// SetMAC records the hardware address of node a, creating the node.
func (n *Network) SetMAC(a models.Address, mac uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addNode(a)
	if node, ok := n.nodes[a]; ok {
		node.MAC = mac
	}
}

// Touch records that node a was heard from at t.
func (n *Network) Touch(a models.Address, t time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, ok := n.nodes[a]; ok {
		node.LastSeen = t
	}
}

// SetIdentity stores the radio identity of the self node.
func (n *Network) SetIdentity(name string, network uint16, mac uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node := n.nodes[n.self]
	if node == nil {
		return
	}
	node.Name = name
	node.Network = network
	node.MAC = mac
}
