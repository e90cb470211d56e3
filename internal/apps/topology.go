package apps

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/pkg/network"
)

// Topology prints every topology snapshot routers publish and hands it to
// each observer.
func Topology(ctx context.Context, d *delivery.Driver, out io.Writer, observers ...func(network.Snapshot)) error {
	s, err := d.Topology()
	if err != nil {
		return err
	}
	return serve(ctx, s, func(m delivery.Message) error {
		snap, err := network.DecodeSnapshot(m.Payload)
		if err != nil {
			fmt.Fprintf(out, "node %d: %v\n", m.Source, err)
			return nil
		}
		for _, o := range observers {
			o(snap)
		}
		return PrintSnapshot(out, snap)
	})
}

// PrintSnapshot writes a snapshot as two tables, nodes then links.
func PrintSnapshot(out io.Writer, s network.Snapshot) error {
	fmt.Fprintf(out, "node %d at %s\n", s.Self, s.Taken.Format(time.TimeOnly))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tMAC\tLAST SEEN")
	for _, n := range s.Nodes {
		self := ""
		if n.Address == s.Self {
			self = " (self)"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%016X\t%s\n", n.Address, self, n.Name, n.MAC, n.LastSeen.Format(time.TimeOnly))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "LINK\tGOOD\tERRORS\tRETRIES\tDELAY\tANTIRELIABILITY")
	for _, l := range s.Links {
		p := l.Parameters
		fmt.Fprintf(w, "%d-%d\t%d\t%d\t%d\t%dms\t%.2f\n", l.A, l.B, p.Good, p.Errors, p.Retries, p.Delay, p.Antireliability())
	}
	fmt.Fprintln(w)
	return w.Flush()
}
