// Package apps holds small local applications that talk to the router
// through the delivery bus.
package apps

import (
	"context"

	"github.com/xbeemesh/internal/delivery"
)

// Default ports.
const (
	EchoPort        uint8 = 15
	ConsolePort     uint8 = 15
	TemperaturePort uint8 = 7
)

// serve calls fn for every message on s until ctx is done or s is closed.
func serve(ctx context.Context, s *delivery.Subscription, fn func(delivery.Message) error) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-s.C:
			if !ok {
				return nil
			}
			if err := fn(m); err != nil {
				return err
			}
		}
	}
}
