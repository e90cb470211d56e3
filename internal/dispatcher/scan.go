package dispatcher

import (
	"math"

	"github.com/xbeemesh/internal/history"
	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/pkg/packet"
	"github.com/xbeemesh/pkg/xbee"
)

// Scan advances delivery state for every received packet, before the
// router acts on it.
func (d *Dispatcher) Scan(p *packet.Packet) error {
	switch p.Type {
	case packet.TypeData:
		return d.handleData(p)
	case packet.TypeAck:
		return d.handleAck(p)
	case packet.TypeInternal:
		return d.handleInternal(p)
	}
	return nil
}

func (d *Dispatcher) handleData(p *packet.Packet) error {
	if p.Destination != d.self() {
		return nil
	}
	d.log.Debug("data packet delivered, sending ack", "packet", p)
	return d.SendAck(p, 0)
}

func (d *Dispatcher) handleAck(p *packet.Packet) error {
	self := d.self()
	var err error

	d.history.Update(func(t *history.Table) {
		m := t.Meta(p.ID())

		previous := d.network.FromMAC(p.MAC)
		for i := len(p.Parameters) - 1; i >= 0; i-- {
			rp := p.Parameters[i]
			d.network.Update(previous, rp.Hop, rp.Retries, rp.Errors, rp.Delay)
			previous = rp.Hop
		}

		if m == nil {
			d.log.Debug("ack for unknown packet", "packet", p)
			return
		}

		retry := false
		switch {
		case p.Origin != self:
			p.Parameters = append(p.Parameters, m.FrameStatus)
			p.Destination = returnHop(m.Packet, self)
			d.log.Debug("passing ack upstream", "packet", p)
			d.metrics.AcksForwardedTotal.Inc()
			_, err = d.Send(p)
		case p.Status != 0:
			d.log.Warn("delivery failed downstream", "packet", m.Packet, "at", p.Status)
			retry, err = d.tryRetransmit(t, m)
		default:
			d.metrics.DeliveriesTotal.WithLabelValues(metrics.ResultAcked).Inc()
		}

		if !retry {
			if p.Status == 0 {
				d.transition(m, history.Resolved)
			} else {
				d.transition(m, history.Failed)
			}
			t.Erase(m.ID)
		}
		d.metrics.InFlight.Set(float64(t.Len()))
	})
	return err
}

func (d *Dispatcher) handleInternal(p *packet.Packet) error {
	st, ok := p.Frame.(*xbee.Status)
	if !ok {
		return nil
	}
	self := d.self()
	var err error

	d.history.Update(func(t *history.Table) {
		m := t.MetaByFrame(st.ID)
		t.IDs().Release(st.ID)
		if m == nil {
			d.log.Debug("status for unknown frame", "frame", st.ID)
			return
		}

		now := t.Now()
		millis := now.Sub(m.SendTime).Milliseconds()
		hop := m.LastPath()[0]

		fs := &m.FrameStatus
		fs.Hop = hop
		fs.Delay = clampDelay(int64(fs.Delay) + millis)
		if st.Status > 0 {
			fs.Errors = addByte(fs.Errors, 1)
		}
		fs.Retries = addByte(fs.Retries, st.Retries)

		d.network.Update(self, hop, st.Retries, st.Status, clampDelay(millis))
		d.metrics.LinkDelaySeconds.Observe(float64(millis) / 1000)

		if !st.Delivered() {
			d.log.Warn("transmission failed", "packet", m.Packet, "hop", hop,
				"status", st.Status, "retries", st.Retries)

			var retry bool
			retry, err = d.tryRetransmit(t, m)
			if retry || err != nil {
				return
			}

			if m.Packet.Source != self {
				d.log.Info("data packet not delivered, sending failure ack", "packet", m.Packet)
				if err = d.SendAck(m.Packet, self); err != nil {
					return
				}
			}
			if par, ok := d.network.Parameters(self, hop); ok && par.Antireliability() > d.opts.AntireliabilityThreshold {
				d.metrics.EdgeDropsTotal.WithLabelValues("antireliability").Inc()
				if err = d.BroadcastEdgeDrop(self, hop); err != nil {
					return
				}
			}
			t.Erase(m.ID)
			d.metrics.InFlight.Set(float64(t.Len()))
			return
		}

		m.Deadline = now.Add(d.Timeout(m.Packet, m.LastPath()))
		m.CheckTimeout = true
		d.transition(m, history.AwaitingAck)
		t.Unindex(m)
	})
	return err
}

func clampDelay(ms int64) uint16 {
	if ms < 0 {
		return 0
	}
	if ms > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(ms)
}

func addByte(v, d uint8) uint8 {
	if v > math.MaxUint8-d {
		return math.MaxUint8
	}
	return v + d
}
