// Package dispatcher turns single-hop radio transmissions into reliable
// multi-hop delivery: it routes, retransmits, times out and acknowledges
// packets, and feeds observed link quality back into the topology.
package dispatcher

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/xbeemesh/internal/history"
	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/network"
	"github.com/xbeemesh/pkg/packet"
	"github.com/xbeemesh/pkg/xbee"
)

// Radio writes frames to the local radio.
type Radio interface {
	Send(f xbee.Frame) error
}

// Reporter notifies local applications that a packet they sent could not
// be delivered.
type Reporter interface {
	DeliverBack(destination models.Address, port uint8, payload []byte) error
}

// Options tune delivery. Zero fields take the defaults.
type Options struct {
	TickInterval time.Duration
	// MaxRetransmissions bounds retries per packet on one node.
	MaxRetransmissions int
	// HopConstant is added per hop to the timeout, in milliseconds.
	HopConstant float64
	// GlobalConstant scales the whole timeout.
	GlobalConstant float64
	// ForwarderMultiplier stretches the timeout on nodes that did not
	// originate the packet, so they keep state until the Ack passes back.
	ForwarderMultiplier float64
	// AntireliabilityThreshold above which a failing edge is announced
	// dropped.
	AntireliabilityThreshold float64

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		TickInterval:             100 * time.Millisecond,
		MaxRetransmissions:       5,
		HopConstant:              1,
		GlobalConstant:           2,
		ForwarderMultiplier:      100,
		AntireliabilityThreshold: 10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.MaxRetransmissions <= 0 {
		o.MaxRetransmissions = def.MaxRetransmissions
	}
	if o.HopConstant <= 0 {
		o.HopConstant = def.HopConstant
	}
	if o.GlobalConstant <= 0 {
		o.GlobalConstant = def.GlobalConstant
	}
	if o.ForwarderMultiplier <= 0 {
		o.ForwarderMultiplier = def.ForwarderMultiplier
	}
	if o.AntireliabilityThreshold <= 0 {
		o.AntireliabilityThreshold = def.AntireliabilityThreshold
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Dispatcher owns reliable delivery for one node.
type Dispatcher struct {
	opts    Options
	radio   Radio
	network *network.Network
	history *history.History
	local   Reporter
	metrics *metrics.Collector
	log     *slog.Logger
}

// New returns a dispatcher sending through radio.
func New(radio Radio, n *network.Network, h *history.History, local Reporter, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		opts:    opts,
		radio:   radio,
		network: n,
		history: h,
		local:   local,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "dispatcher"),
	}
}

// Options returns the effective tuning.
func (d *Dispatcher) Options() Options { return d.opts }

func (d *Dispatcher) self() models.Address { return d.network.Self() }

// Deliver routes p toward its destination and starts tracking it. It
// reports whether a route existed. Without one, a packet that originated
// here is reported back to the local application.
func (d *Dispatcher) Deliver(p *packet.Packet) (bool, error) {
	self := d.self()
	path := d.network.Path(self, p.Destination, p.Visited)
	if len(path) == 0 {
		d.log.Warn("packet could not be delivered, no route exists", "packet", p)
		d.metrics.DeliveriesTotal.WithLabelValues(metrics.ResultNoRoute).Inc()
		if p.Source == self {
			d.deliverBack(p)
		}
		return false, nil
	}

	var (
		tx  *xbee.Transmit
		err error
	)
	d.history.Update(func(t *history.Table) {
		m := t.Watch(p, path)
		tx, err = packet.ToFrame(p, m.FrameID, d.network.MAC(path[0]), xbee.UnknownNetwork)
		if err != nil {
			t.IDs().Release(m.FrameID)
			t.Erase(m.ID)
		}
	})
	if err != nil {
		return false, fmt.Errorf("deliver %s: %w", p, err)
	}

	d.log.Debug("delivering", "packet", p, "path", path, "frame", tx.ID)
	d.metrics.DeliveriesTotal.WithLabelValues(metrics.ResultSent).Inc()
	return true, d.transmit(tx)
}

// retransmit sends m again along a fresh path that avoids the visited hops
// and every node tried before. Called with the history locked.
func (d *Dispatcher) retransmit(t *history.Table, m *history.Metadata) (bool, error) {
	self := d.self()
	p := m.Packet

	avoid := append(models.Path(nil), p.Visited...)
	for _, tried := range m.Paths {
		for _, hop := range tried {
			if hop != p.Destination && !avoid.Contains(hop) {
				avoid = append(avoid, hop)
			}
		}
	}

	path := d.network.Path(self, p.Destination, avoid)
	if len(path) == 0 {
		d.log.Warn("packet could not be delivered, no route exists (retransmission)", "packet", p)
		d.metrics.DeliveriesTotal.WithLabelValues(metrics.ResultNoRoute).Inc()
		d.transition(m, history.Failed)
		if p.Source == self {
			d.deliverBack(p)
		}
		return false, nil
	}

	d.transition(m, history.Retrying)
	old := m.FrameID
	t.Unindex(m)

	m.Paths = append(m.Paths, path)
	m.FrameID = t.IDs().Reserve()
	m.SendTime = t.Now()
	m.CheckTimeout = false
	t.Index(m)

	tx, err := packet.ToFrame(p, m.FrameID, d.network.MAC(path[0]), xbee.UnknownNetwork)
	if err != nil {
		return false, fmt.Errorf("retransmit %s: %w", p, err)
	}
	d.transition(m, history.AwaitingStatus)

	d.log.Warn("retransmitting packet", "packet", p, "old_frame", old, "frame", m.FrameID,
		"attempt", m.Retransmissions, "path", path)
	d.metrics.RetransmissionsTotal.Inc()
	return true, d.transmit(tx)
}

// tryRetransmit retransmits m unless its retries are exhausted, in which
// case m is marked failed and false is returned. Called with the history
// locked.
func (d *Dispatcher) tryRetransmit(t *history.Table, m *history.Metadata) (bool, error) {
	if m.Retransmissions < d.opts.MaxRetransmissions {
		m.Retransmissions++
		return d.retransmit(t, m)
	}

	d.log.Warn("max retransmissions reached", "packet", m.Packet, "retransmissions", m.Retransmissions)
	d.metrics.DeliveriesTotal.WithLabelValues(metrics.ResultFailed).Inc()
	d.transition(m, history.Failed)
	if m.Packet.Source == d.self() {
		d.deliverBack(m.Packet)
	}
	return false, nil
}

// Send transmits p to its destination in one hop, without tracking it. It
// reports false when the destination is not a known neighbour; a data
// packet that originated here is then reported back locally.
func (d *Dispatcher) Send(p *packet.Packet) (bool, error) {
	mac := d.network.MAC(p.Destination)
	if mac == 0 || mac == xbee.BroadcastMAC {
		d.log.Warn("packet could not be delivered, destination is not adjacent", "packet", p)
		d.metrics.DeliveriesTotal.WithLabelValues(metrics.ResultUnreachable).Inc()
		if p.Type == packet.TypeData && p.Source == d.self() {
			d.deliverBack(p)
		}
		return false, nil
	}

	tx, err := packet.ToFrame(p, 0, mac, xbee.UnknownNetwork)
	if err != nil {
		return false, fmt.Errorf("send %s: %w", p, err)
	}
	return true, d.transmit(tx)
}

// Broadcast sends p to every radio in range. The destination is set to
// the broadcast address.
func (d *Dispatcher) Broadcast(p *packet.Packet) error {
	p.Destination = models.Broadcast
	tx, err := packet.ToFrame(p, 0, xbee.BroadcastMAC, xbee.UnknownNetwork)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", p, err)
	}
	return d.transmit(tx)
}

// SendAck acknowledges data packet p to the hop it came from. Status 0
// means delivered; otherwise it names the node where delivery stopped.
func (d *Dispatcher) SendAck(p *packet.Packet, status models.Address) error {
	ack := packet.NewAck(p, status)
	ack.Destination = returnHop(p, d.self())
	_, err := d.Send(ack)
	return err
}

// BroadcastEdgeDrop announces that edge (a,b) is unusable.
func (d *Dispatcher) BroadcastEdgeDrop(a, b models.Address) error {
	d.log.Warn("broadcasting edge drop", "a", a, "b", b)
	return d.Broadcast(packet.NewEdgeDrop(a, b))
}

func (d *Dispatcher) transmit(tx *xbee.Transmit) error {
	if err := d.radio.Send(tx); err != nil {
		return fmt.Errorf("radio send: %w", err)
	}
	return nil
}

func (d *Dispatcher) deliverBack(p *packet.Packet) {
	if p.Type != packet.TypeData || d.local == nil {
		return
	}
	if err := d.local.DeliverBack(p.Destination, p.Port, p.Payload); err != nil {
		d.log.Error("failed to report undelivered packet", "packet", p, "error", err)
	}
}

func (d *Dispatcher) transition(m *history.Metadata, to history.State) {
	if err := m.Transition(to); err != nil {
		d.log.Debug("state not changed", "packet", m.Packet, "error", err)
	}
}

// returnHop is the neighbour an Ack for data packet p goes to: the last
// visited hop other than self, or the source.
func returnHop(p *packet.Packet, self models.Address) models.Address {
	v := p.Visited
	if n := len(v); n > 0 && v[n-1] == self {
		v = v[:n-1]
	}
	if len(v) == 0 {
		return p.Source
	}
	return v[len(v)-1]
}
