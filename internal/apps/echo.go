package apps

import (
	"context"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/pkg/models"
)

// Echo sends every payload received on port back to its source.
func Echo(ctx context.Context, d *delivery.Driver, port uint8) error {
	s, err := d.Listen(models.Broadcast, port)
	if err != nil {
		return err
	}
	return serve(ctx, s, func(m delivery.Message) error {
		if m.Source == models.Broadcast {
			return nil
		}
		return d.Deliver(m.Source, port, m.Payload)
	})
}
