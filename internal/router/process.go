package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/network"
	"github.com/xbeemesh/pkg/packet"
	"github.com/xbeemesh/pkg/xbee"
)

// ErrUnknownPacket stops the router when a packet type cannot be handled.
var ErrUnknownPacket = errors.New("router: unknown packet type")

// Process handles one frame from the radio. The returned error is fatal
// for the node.
func (r *Router) Process(f xbee.Frame) error {
	p, err := packet.FromFrame(f)
	if err != nil {
		return fmt.Errorf("process %s frame: %w", f.Type(), err)
	}
	r.metrics.PacketsTotal.WithLabelValues(p.Type.String()).Inc()

	if err := r.dispatcher.Scan(p); err != nil {
		return err
	}

	self := r.network.Self()
	switch p.Type {
	case packet.TypeData:
		if p.Destination == self || p.Destination == models.Broadcast {
			r.log.Debug("received data", "source", p.Source, "port", p.Port, "visited", p.Visited)
			if err := r.local.DeliverFrom(p.Source, models.Broadcast, p.Port, p.Payload); err != nil {
				r.log.Error("local delivery failed", "packet", p, "error", err)
			}
			return nil
		}
		r.log.Debug("routing data packet", "source", p.Source, "destination", p.Destination)
		p.Visited = append(p.Visited, self)
		_, err := r.dispatcher.Deliver(p)
		return err

	case packet.TypeAck:
		for _, rp := range p.Parameters {
			r.log.Debug("ack hop", "hop", rp.Hop, "errors", rp.Errors, "retries", rp.Retries,
				"delay", time.Duration(rp.Delay)*time.Millisecond)
		}
		return nil

	case packet.TypeInternal:
		return nil

	case packet.TypeNodeBroadcast:
		return r.handleNodeBroadcast(p)

	case packet.TypeEdgeDrop:
		if r.network.Drop(p.Edge[0], p.Edge[1]) {
			r.log.Info("edge dropped, passing it on", "a", p.Edge[0], "b", p.Edge[1])
			r.metrics.EdgeDropsTotal.WithLabelValues("gossip").Inc()
			if err := r.dispatcher.Broadcast(p); err != nil {
				return err
			}
			r.publishTopology()
		}
		return nil

	case packet.TypeGraph:
		if r.network.Merge(p.Edges) {
			r.log.Debug("learned new edges", "edges", len(p.Edges))
			if err := r.broadcastGraph(); err != nil {
				return err
			}
			r.publishTopology()
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownPacket, p.Type)
}

func (r *Router) handleNodeBroadcast(p *packet.Packet) error {
	self := r.network.Self()
	node := p.Address
	if !node.Valid() || node == self {
		r.log.Warn("ignoring presence of invalid node", "node", node, "mac", fmt.Sprintf("%016X", p.MAC))
		return nil
	}

	// A neighbour first learned from a Graph is adjacent without a known
	// hardware address until its own broadcast arrives.
	known, _ := r.network.Node(node)
	if !r.network.Adjacent(self, node) || known.MAC == 0 {
		r.log.Info("new neighbour", "node", node, "mac", fmt.Sprintf("%016X", p.MAC))
		if err := r.Heartbeat(); err != nil {
			return err
		}
		r.network.SetMAC(node, p.MAC)
		r.network.AddEdge(node, self)
		if err := r.broadcastGraph(); err != nil {
			return err
		}
		r.publishTopology()
	}
	r.network.Touch(node, time.Now())
	return nil
}

// Heartbeat announces this node to its neighbours.
func (r *Router) Heartbeat() error {
	return r.dispatcher.Broadcast(packet.NewNodeBroadcast(r.network.Self()))
}

// CheckLiveness drops the edges to neighbours not heard from since
// now-LivenessTimeout and announces each drop. It returns the dropped
// neighbours.
func (r *Router) CheckLiveness(now time.Time) ([]models.Address, error) {
	self := r.network.Self()
	last := now.Add(-r.opts.LivenessTimeout)

	var broken []models.Address
	for _, n := range r.network.Neighbours(self) {
		node, ok := r.network.Node(n)
		if ok && node.LastSeen.Before(last) {
			broken = append(broken, n)
		}
	}

	for _, n := range broken {
		r.log.Warn("neighbour silent, dropping edge", "node", n, "timeout", r.opts.LivenessTimeout)
		r.network.Drop(self, n)
		r.metrics.EdgeDropsTotal.WithLabelValues("liveness").Inc()
		if err := r.dispatcher.BroadcastEdgeDrop(self, n); err != nil {
			return broken, err
		}
	}
	if len(broken) > 0 {
		r.publishTopology()
	}
	return broken, nil
}

func (r *Router) broadcastGraph() error {
	return r.dispatcher.Broadcast(packet.NewGraph(r.network.Graph()))
}

// publishTopology updates the topology gauges and publishes a snapshot for
// local observers. Failures are logged.
func (r *Router) publishTopology() {
	s := r.network.Snapshot()
	r.metrics.TopologyNodes.Set(float64(len(s.Nodes)))
	r.metrics.TopologyEdges.Set(float64(len(s.Links)))

	b, err := network.EncodeSnapshot(s)
	if err != nil {
		r.log.Error("cannot encode topology", "error", err)
		return
	}
	if err := r.local.PublishTopology(s.Self, b); err != nil {
		r.log.Error("cannot publish topology", "error", err)
	}
}

// bridge turns packets from local applications into data packets.
func (r *Router) bridge(ctx context.Context, s *delivery.Subscription) error {
	self := r.network.Self()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-s.C:
			if !ok {
				return nil
			}
			if m.Destination == models.Broadcast {
				continue
			}
			if m.Destination == self {
				if err := r.local.DeliverFrom(self, models.Broadcast, m.Port, m.Payload); err != nil {
					r.log.Error("local delivery failed", "port", m.Port, "error", err)
				}
				continue
			}
			source := m.Source
			if source == models.Broadcast {
				source = self
			}
			p := packet.NewData(m.Destination, source, m.Port, m.Payload)
			r.log.Debug("local application sends", "destination", m.Destination, "port", m.Port)
			if _, err := r.dispatcher.Deliver(p); err != nil {
				return err
			}
		}
	}
}
