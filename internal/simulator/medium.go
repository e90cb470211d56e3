// Package simulator provides a virtual radio medium. Each attached station
// behaves like an XBee in API mode: it answers local AT commands and turns
// Transmit frames into Receive frames on the stations it is linked with.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xbeemesh/pkg/xbee"
)

// Transmit status codes reported by simulated radios.
const (
	StatusDelivered       byte = 0x00
	StatusNetworkAckError byte = 0x21
	StatusAddressNotFound byte = 0x24
)

// Command status codes.
const (
	commandOK      byte = 0
	commandInvalid byte = 2
)

// BaseMAC is the hardware address of the first attached station; later
// stations count up from it.
const BaseMAC uint64 = 0x0013A20040000000

// receiveBroadcast marks a Receive frame that was sent to every radio.
const receiveBroadcast byte = 0x02

var ErrClosed = errors.New("simulator: medium closed")

type Options struct {
	// Network is the PAN id reported for ATID.
	Network uint16
	// LossRate is the probability that a single unicast attempt is lost.
	LossRate float64
	// Retries is the number of extra attempts a unicast gets.
	Retries int
	// Latency delays every Status frame.
	Latency time.Duration
	// Isolated leaves new stations unlinked; otherwise each new station is
	// linked with every existing one.
	Isolated bool
	// Seed makes losses reproducible when non-zero.
	Seed   uint64
	Logger *slog.Logger
}

// Medium connects stations.
type Medium struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	rand     *rand.Rand
	next     int
	stations map[uint64]*Station
	links    map[uint64]map[uint64]bool
	closed   bool
	wg       sync.WaitGroup
}

func NewMedium(opts Options) *Medium {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Medium{
		opts:     opts,
		log:      opts.Logger.With("component", "simulator"),
		rand:     rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		stations: make(map[uint64]*Station),
		links:    make(map[uint64]map[uint64]bool),
	}
}

// Station is one simulated radio.
type Station struct {
	MAC  uint64
	Name string

	medium *Medium
	conn   io.ReadWriteCloser
	out    chan xbee.Frame
	done   chan struct{}
	log    *slog.Logger
}

// Attach connects a new station speaking API frames over conn. It runs
// until conn fails or the medium is closed.
func (m *Medium) Attach(conn io.ReadWriteCloser) (*Station, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.next++
	s := &Station{
		MAC:    BaseMAC + uint64(m.next),
		Name:   fmt.Sprintf("node%d", m.next),
		medium: m,
		conn:   conn,
		out:    make(chan xbee.Frame, 256),
		done:   make(chan struct{}),
	}
	s.log = m.log.With("station", s.Name)
	if !m.opts.Isolated {
		for other := range m.stations {
			m.link(s.MAC, other)
		}
	}
	m.stations[s.MAC] = s
	m.wg.Add(1)
	m.mu.Unlock()

	s.log.Info("station attached", "mac", fmt.Sprintf("%016X", s.MAC))
	go s.run()
	return s, nil
}

// Link makes stations a and b hear each other.
func (m *Medium) Link(a, b uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link(a, b)
}

func (m *Medium) link(a, b uint64) {
	if a == b {
		return
	}
	for _, p := range [][2]uint64{{a, b}, {b, a}} {
		if m.links[p[0]] == nil {
			m.links[p[0]] = make(map[uint64]bool)
		}
		m.links[p[0]][p[1]] = true
	}
}

// Unlink puts stations a and b out of range of each other.
func (m *Medium) Unlink(a, b uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[a], b)
	delete(m.links[b], a)
}

// Stations returns the attached stations in attach order.
func (m *Medium) Stations() []*Station {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Station, 0, len(m.stations))
	for _, s := range m.stations {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Station) int {
		if a.MAC < b.MAC {
			return -1
		}
		if a.MAC > b.MAC {
			return 1
		}
		return 0
	})
	return out
}

// Close disconnects every station and waits for them to stop.
func (m *Medium) Close() error {
	m.mu.Lock()
	m.closed = true
	stations := make([]*Station, 0, len(m.stations))
	for _, s := range m.stations {
		stations = append(stations, s)
	}
	m.mu.Unlock()

	for _, s := range stations {
		s.conn.Close()
	}
	m.wg.Wait()
	return nil
}

func (m *Medium) detach(s *Station) {
	m.mu.Lock()
	delete(m.stations, s.MAC)
	delete(m.links, s.MAC)
	for _, l := range m.links {
		delete(l, s.MAC)
	}
	m.mu.Unlock()
	s.log.Info("station detached")
}

func (s *Station) run() {
	defer s.medium.wg.Done()

	var g errgroup.Group
	g.Go(s.readLoop)
	g.Go(s.writeLoop)
	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug("station stopped", "error", err)
	}
	s.medium.detach(s)
}

func (s *Station) readLoop() error {
	defer close(s.done)
	defer s.conn.Close()

	r := xbee.NewReader(s.conn)
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, xbee.ErrChecksum) || errors.Is(err, xbee.ErrUnknownType) || errors.Is(err, xbee.ErrMalformed) {
			s.log.Warn("dropping frame", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		s.handle(f)
	}
}

func (s *Station) writeLoop() error {
	for {
		select {
		case <-s.done:
			return nil
		case f := <-s.out:
			raw, err := xbee.Encode(f)
			if err != nil {
				s.log.Error("cannot encode frame", "frame", f.Type(), "error", err)
				continue
			}
			if _, err := s.conn.Write(raw); err != nil {
				return err
			}
		}
	}
}

// post queues f for the station's radio.
func (s *Station) post(f xbee.Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *Station) handle(f xbee.Frame) {
	switch f := f.(type) {
	case *xbee.Command:
		s.command(f)
	case *xbee.Transmit:
		s.transmit(f)
	default:
		s.log.Debug("ignoring frame", "frame", f.Type())
	}
}

func (s *Station) command(c *xbee.Command) {
	status, data := commandOK, []byte(nil)
	switch string(c.Command[:]) {
	case "NI":
		data = []byte(s.Name)
	case "ID":
		data = binary.BigEndian.AppendUint16(nil, s.medium.opts.Network)
	case "SH":
		data = binary.BigEndian.AppendUint32(nil, uint32(s.MAC>>32))
	case "SL":
		data = binary.BigEndian.AppendUint32(nil, uint32(s.MAC))
	case "PL", "MT":
	case "FR":
		defer s.post(&xbee.ModemStatus{Status: 0})
	default:
		status = commandInvalid
	}
	if c.ID != 0 {
		s.post(&xbee.CommandResponse{ID: c.ID, Command: c.Command, Status: status, Data: data})
	}
}

func (s *Station) transmit(tx *xbee.Transmit) {
	m := s.medium
	var (
		targets []*Station
		retries int
		status  = StatusDelivered
	)

	m.mu.Lock()
	if tx.MAC == xbee.BroadcastMAC {
		for mac := range m.links[s.MAC] {
			targets = append(targets, m.stations[mac])
		}
	} else if dst, ok := m.stations[tx.MAC]; !ok {
		status = StatusAddressNotFound
	} else {
		retries, status = m.attempt(m.links[s.MAC][tx.MAC])
		if status == StatusDelivered {
			targets = append(targets, dst)
		}
	}
	m.mu.Unlock()

	options := byte(0)
	if tx.MAC == xbee.BroadcastMAC {
		options = receiveBroadcast
	}
	for _, t := range targets {
		if t == nil {
			continue
		}
		t.post(&xbee.Receive{
			MAC:     s.MAC,
			Network: xbee.UnknownNetwork,
			Options: options,
			Data:    append([]byte(nil), tx.Data...),
		})
	}

	if tx.ID == 0 {
		return
	}
	if m.opts.Latency > 0 {
		time.Sleep(m.opts.Latency)
	}
	s.post(&xbee.Status{
		ID:      tx.ID,
		Network: xbee.UnknownNetwork,
		Retries: byte(retries),
		Status:  status,
	})
}

// attempt rolls the unicast attempts over a link. Called with m.mu held.
func (m *Medium) attempt(linked bool) (int, byte) {
	for try := 0; try <= m.opts.Retries; try++ {
		if linked && m.rand.Float64() >= m.opts.LossRate {
			return try, StatusDelivered
		}
	}
	return m.opts.Retries, StatusNetworkAckError
}
