package router

import (
	"context"
	"time"
)

// heartbeatLoop announces the node right away and then every heartbeat
// interval, publishing the topology each time.
func (r *Router) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := r.Heartbeat(); err != nil {
			return err
		}
		r.publishTopology()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// livenessLoop periodically drops neighbours that went silent.
func (r *Router) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := r.CheckLiveness(now); err != nil {
				return err
			}
		}
	}
}
