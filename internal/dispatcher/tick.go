package dispatcher

import (
	"context"
	"math"
	"time"

	"github.com/xbeemesh/internal/history"
	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/network"
	"github.com/xbeemesh/pkg/packet"
)

// Tick handles packets whose Ack did not arrive before their deadline. A
// packet that originated here is retried; anything else, or a packet out
// of retries, is forgotten. It returns the number of timed-out packets.
func (d *Dispatcher) Tick() (int, error) {
	self := d.self()
	outdated := 0
	var err error

	d.history.Update(func(t *history.Table) {
		for _, m := range t.Expired(t.Now()) {
			outdated++
			d.metrics.TimeoutsTotal.Inc()
			d.log.Warn("ack timed out", "packet", m.Packet, "retransmissions", m.Retransmissions)

			retry := false
			if m.Packet.Source == self {
				retry, err = d.tryRetransmit(t, m)
				if err != nil {
					return
				}
			} else {
				d.transition(m, history.Failed)
			}
			if !retry {
				t.Erase(m.ID)
			}
		}
		d.metrics.InFlight.Set(float64(t.Len()))
	})
	return outdated, err
}

// Run calls Tick every tick interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Tick(); err != nil {
				return err
			}
		}
	}
}

// Timeout returns how long to wait for the Ack of p sent along path. Each
// edge contributes its delay scaled by its retry ratio, plus a per-hop
// constant; forwarders wait longer than the origin.
func (d *Dispatcher) Timeout(p *packet.Packet, path models.Path) time.Duration {
	self := d.self()
	sum := 0.0

	a := self
	for _, b := range path {
		par, ok := d.network.Parameters(a, b)
		if !ok {
			par = network.Parameters{Delay: network.DefaultDelay}
		}
		ratio := float64(par.Retries) / math.Max(float64(par.Good)-float64(par.Retries), 1)
		sum += float64(par.Delay) * (1 + ratio)
		a = b
	}

	ms := (sum + d.opts.HopConstant*float64(len(path))) * d.opts.GlobalConstant * float64(d.opts.MaxRetransmissions)
	if p.Source != self {
		ms *= d.opts.ForwarderMultiplier
	}
	return time.Duration(ms * float64(time.Millisecond))
}
