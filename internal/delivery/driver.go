// Package delivery connects the router with local applications over a
// publish/subscribe bus.
//
// Packets travel on topics
//
//	[<prefix>/]network/<port>/<destination>/<source>
//
// where the literal "self" stands for the local node. Packets the router
// could not deliver are reported on undelivered/<port>/<destination>/self
// and routers publish retained topology snapshots on topology/<address>.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/xbeemesh/pkg/models"
)

const (
	// Self names the local node in topics.
	Self = "self"

	networkSpace     = "network"
	undeliveredSpace = "undelivered"
	topologySpace    = "topology"
)

var errTopic = errors.New("delivery: malformed topic")

// Message is one packet exchanged with local applications. A zero
// Destination or Source is the local node.
type Message struct {
	Port        uint8
	Destination models.Address
	Source      models.Address
	Payload     []byte
}

type Options struct {
	// Prefix namespaces every topic, so several nodes can share a broker.
	Prefix string
	QoS    byte
	// Buffer is the channel capacity of each subscription.
	Buffer int
	Logger *slog.Logger
}

// Driver publishes and subscribes to local delivery topics.
type Driver struct {
	bus    Bus
	prefix string
	qos    byte
	buffer int
	log    *slog.Logger
}

func New(bus Bus, opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Driver{
		bus:    bus,
		prefix: prefix,
		qos:    opts.QoS,
		buffer: opts.Buffer,
		log:    opts.Logger.With("component", "delivery"),
	}
}

// Deliver sends payload from the local node to destination on port.
func (d *Driver) Deliver(destination models.Address, port uint8, payload []byte) error {
	return d.DeliverFrom(models.Broadcast, destination, port, payload)
}

// DeliverFrom publishes payload as sent by source to destination.
func (d *Driver) DeliverFrom(source, destination models.Address, port uint8, payload []byte) error {
	topic := d.topic(networkSpace, port, destination, source)
	if err := d.bus.Publish(topic, payload, d.qos, false); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// DeliverBack tells the local sender that its packet to destination on
// port was not delivered.
func (d *Driver) DeliverBack(destination models.Address, port uint8, payload []byte) error {
	topic := d.topic(undeliveredSpace, port, destination, models.Broadcast)
	if err := d.bus.Publish(topic, payload, d.qos, false); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Outbound subscribes to every packet local applications send.
func (d *Driver) Outbound() (*Subscription, error) {
	return d.subscribe(d.prefix+networkSpace+"/+/+/"+Self, networkSpace)
}

// Listen subscribes to packets for destination on port. A zero destination
// listens for the local node.
func (d *Driver) Listen(destination models.Address, port uint8) (*Subscription, error) {
	filter := fmt.Sprintf("%s%s/%d/%s/+", d.prefix, networkSpace, port, name(destination))
	return d.subscribe(filter, networkSpace)
}

// Undelivered subscribes to failure notifications for local senders.
func (d *Driver) Undelivered() (*Subscription, error) {
	return d.subscribe(d.prefix+undeliveredSpace+"/+/+/"+Self, undeliveredSpace)
}

// PublishTopology stores the latest topology snapshot of node as a
// retained message.
func (d *Driver) PublishTopology(node models.Address, snapshot []byte) error {
	topic := fmt.Sprintf("%s%s/%d", d.prefix, topologySpace, node)
	if err := d.bus.Publish(topic, snapshot, d.qos, true); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Topology subscribes to topology snapshots. Each Message carries the
// publishing node in Source and the snapshot in Payload.
func (d *Driver) Topology() (*Subscription, error) {
	return d.subscribe(d.prefix+topologySpace+"/+", topologySpace)
}

func (d *Driver) topic(space string, port uint8, destination, source models.Address) string {
	return fmt.Sprintf("%s%s/%d/%s/%s", d.prefix, space, port, name(destination), name(source))
}

func (d *Driver) subscribe(filter, space string) (*Subscription, error) {
	s := newSubscription(d.bus, filter, d.buffer)
	err := d.bus.Subscribe(filter, d.qos, func(topic string, payload []byte) {
		m, err := d.parse(topic, space)
		if err != nil {
			d.log.Warn("ignoring message", "topic", topic, "error", err)
			return
		}
		m.Payload = payload
		s.push(m)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", filter, err)
	}
	d.log.Debug("subscribed", "filter", filter)
	return s, nil
}

func (d *Driver) parse(topic, space string) (Message, error) {
	rest, ok := strings.CutPrefix(topic, d.prefix+space+"/")
	if !ok {
		return Message{}, errTopic
	}
	levels := strings.Split(rest, "/")

	if space == topologySpace {
		if len(levels) != 1 {
			return Message{}, errTopic
		}
		node, err := address(levels[0])
		return Message{Source: node}, err
	}

	if len(levels) != 3 {
		return Message{}, errTopic
	}
	port, err := strconv.ParseUint(levels[0], 10, 8)
	if err != nil {
		return Message{}, fmt.Errorf("%w: port %q", errTopic, levels[0])
	}
	dst, err := address(levels[1])
	if err != nil {
		return Message{}, err
	}
	src, err := address(levels[2])
	if err != nil {
		return Message{}, err
	}
	return Message{Port: uint8(port), Destination: dst, Source: src}, nil
}

func name(a models.Address) string {
	if a == models.Broadcast {
		return Self
	}
	return strconv.Itoa(int(a))
}

func address(s string) (models.Address, error) {
	if s == Self {
		return models.Broadcast, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q", errTopic, s)
	}
	return models.Address(v), nil
}
