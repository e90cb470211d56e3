// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xbeemesh"

// Delivery results recorded by DeliveriesTotal.
const (
	ResultSent        = "sent"
	ResultNoRoute     = "no_route"
	ResultAcked       = "acked"
	ResultFailed      = "failed"
	ResultUnreachable = "unreachable"
)

// Collector holds the router metrics. Each router owns one so that several
// routers can share a process, as the simulator does.
type Collector struct {
	// FramesTotal counts radio frames by direction and frame type
	FramesTotal *prometheus.CounterVec

	// CorruptFramesTotal counts frames dropped for a bad checksum
	CorruptFramesTotal prometheus.Counter

	// PacketsTotal counts received routing packets by type
	PacketsTotal *prometheus.CounterVec

	// DeliveriesTotal counts delivery outcomes
	DeliveriesTotal *prometheus.CounterVec

	RetransmissionsTotal prometheus.Counter
	TimeoutsTotal        prometheus.Counter
	AcksForwardedTotal   prometheus.Counter

	// EdgeDropsTotal counts edge drops by cause
	EdgeDropsTotal *prometheus.CounterVec

	// InFlight tracks packets awaiting a Status or Ack
	InFlight prometheus.Gauge

	TopologyNodes prometheus.Gauge
	TopologyEdges prometheus.Gauge

	// LinkDelaySeconds is the time from Transmit to Status on the first hop
	LinkDelaySeconds prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of radio frames",
			},
			[]string{"direction", "type"},
		),
		CorruptFramesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrupt_frames_total",
				Help:      "Total number of frames rejected for a checksum mismatch",
			},
		),
		PacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_received_total",
				Help:      "Total number of routing packets received",
			},
			[]string{"type"},
		),
		DeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total number of delivery outcomes",
			},
			[]string{"result"},
		),
		RetransmissionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of retransmissions",
			},
		),
		TimeoutsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of packets whose Ack did not arrive in time",
			},
		),
		AcksForwardedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acks_forwarded_total",
				Help:      "Total number of Acks passed upstream",
			},
		),
		EdgeDropsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edge_drops_total",
				Help:      "Total number of dropped edges",
			},
			[]string{"cause"},
		),
		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_packets",
				Help:      "Number of packets awaiting a Status or Ack",
			},
		),
		TopologyNodes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topology_nodes",
				Help:      "Number of nodes in the local topology",
			},
		),
		TopologyEdges: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topology_edges",
				Help:      "Number of edges in the local topology",
			},
		),
		LinkDelaySeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "link_delay_seconds",
				Help:      "Time between a Transmit and its Status",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
		),
	}
}

// Discard returns a Collector registered nowhere.
func Discard() *Collector {
	return New(prometheus.NewRegistry())
}
