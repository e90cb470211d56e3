// Package router runs one mesh node: it reads frames from the radio,
// maintains the topology, and bridges packets to local applications.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/internal/dispatcher"
	"github.com/xbeemesh/internal/history"
	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/network"
	"github.com/xbeemesh/pkg/xbee"
)

// Radio is the local radio as seen by the router. *radio.Radio implements
// it.
type Radio interface {
	Send(f xbee.Frame) error
	Receive() (xbee.Frame, error)
	Get(ctx context.Context, cmd string) ([]byte, error)
	Set(cmd string, value ...byte) error
	Reset(ctx context.Context) error
	Close() error
}

type Options struct {
	// HeartbeatInterval is how often the node announces itself.
	HeartbeatInterval time.Duration
	// LivenessInterval is how often neighbours are checked.
	LivenessInterval time.Duration
	// LivenessTimeout is how long a neighbour may stay silent before its
	// edge is dropped.
	LivenessTimeout time.Duration
	// IdentifyTimeout bounds the startup queries to the radio.
	IdentifyTimeout time.Duration
	// TransmitPower and Retries are written to the radio as PL and MT.
	TransmitPower uint8
	Retries       uint8

	Dispatcher dispatcher.Options
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 15 * time.Second,
		LivenessInterval:  3 * time.Second,
		LivenessTimeout:   20 * time.Second,
		IdentifyTimeout:   10 * time.Second,
		TransmitPower:     0,
		Retries:           1,
		Dispatcher:        dispatcher.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = def.LivenessInterval
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = def.LivenessTimeout
	}
	if o.IdentifyTimeout <= 0 {
		o.IdentifyTimeout = def.IdentifyTimeout
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Router owns every piece of state of one node.
type Router struct {
	opts       Options
	radio      Radio
	local      *delivery.Driver
	network    *network.Network
	history    *history.History
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Collector
	log        *slog.Logger
}

// New returns a router for the node with address self.
func New(self models.Address, radio Radio, local *delivery.Driver, opts Options) (*Router, error) {
	if !self.Valid() {
		return nil, fmt.Errorf("router: invalid address %d", self)
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With("node", self)

	n := network.New(self, network.WithLogger(logger))
	h := history.New()

	dopts := opts.Dispatcher
	dopts.Metrics = opts.Metrics
	dopts.Logger = logger

	return &Router{
		opts:       opts,
		radio:      radio,
		local:      local,
		network:    n,
		history:    h,
		dispatcher: dispatcher.New(radio, n, h, local, dopts),
		metrics:    opts.Metrics,
		log:        logger.With("component", "router"),
	}, nil
}

// Network returns the node's topology.
func (r *Router) Network() *network.Network { return r.network }

// Dispatcher returns the node's dispatcher.
func (r *Router) Dispatcher() *dispatcher.Dispatcher { return r.dispatcher }

// Identify reads the radio identity into the self node and configures
// transmit power and retries.
func (r *Router) Identify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.IdentifyTimeout)
	defer cancel()

	ni, err := r.radio.Get(ctx, "NI")
	if err != nil {
		return err
	}
	id, err := r.radio.Get(ctx, "ID")
	if err != nil {
		return err
	}
	sh, err := r.radio.Get(ctx, "SH")
	if err != nil {
		return err
	}
	sl, err := r.radio.Get(ctx, "SL")
	if err != nil {
		return err
	}

	if err := r.radio.Set("PL", r.opts.TransmitPower); err != nil {
		return err
	}
	if err := r.radio.Set("MT", r.opts.Retries); err != nil {
		return err
	}

	mac := bigEndian(sh)<<32 | bigEndian(sl)
	r.network.SetIdentity(string(ni), uint16(bigEndian(id)), mac)
	r.log.Info("radio identified", "name", string(ni), "network", fmt.Sprintf("%04X", bigEndian(id)),
		"mac", fmt.Sprintf("%016X", mac))
	return nil
}

// Run resets and identifies the radio, then serves until ctx is done or a
// task fails. The radio is closed on return.
func (r *Router) Run(ctx context.Context) error {
	defer r.radio.Close()

	if err := r.radio.Reset(ctx); err != nil {
		return fmt.Errorf("reset radio: %w", err)
	}
	if err := r.Identify(ctx); err != nil {
		return fmt.Errorf("identify radio: %w", err)
	}

	outbound, err := r.local.Outbound()
	if err != nil {
		return err
	}
	defer outbound.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.receiveLoop(ctx) })
	g.Go(func() error { return r.dispatcher.Run(ctx) })
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.livenessLoop(ctx) })
	g.Go(func() error { return r.bridge(ctx, outbound) })
	g.Go(func() error {
		<-ctx.Done()
		return r.radio.Close()
	})

	r.log.Info("router running")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.log.Info("router stopped", "error", err)
	return err
}

func (r *Router) receiveLoop(ctx context.Context) error {
	for {
		f, err := r.radio.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := r.Process(f); err != nil {
			return err
		}
	}
}

func bigEndian(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
