// Package radio talks to the local XBee radio in API mode, over a serial
// port or a TCP connection to a simulator.
package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/pkg/xbee"
)

// ErrClosed is returned by operations on a closed radio.
var ErrClosed = errors.New("radio: closed")

// commandID is the frame id used for local AT commands. Responses are
// matched by command name.
const commandID = 1

const resetPause = time.Second

// Options configure a Radio.
type Options struct {
	// Simulated skips the reset pauses a real radio needs.
	Simulated bool
	// DialTimeout bounds connecting to a tcp:// device.
	DialTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Radio reads and writes API frames. Send may be called from any
// goroutine; frames are read by a single goroutine at a time.
type Radio struct {
	conn   io.ReadWriteCloser
	reader *xbee.Reader
	opts   Options

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	log *slog.Logger
}

// Open connects to device. A device of the form tcp://host:port is dialled
// over TCP; anything else is opened as a serial port.
func Open(device string, opts Options) (*Radio, error) {
	opts = opts.withDefaults()

	var (
		conn io.ReadWriteCloser
		err  error
	)
	if addr, ok := strings.CutPrefix(device, "tcp://"); ok {
		conn, err = dialTCP(addr, opts.DialTimeout)
	} else {
		conn, err = openSerial(device)
	}
	if err != nil {
		return nil, fmt.Errorf("open radio %s: %w", device, err)
	}
	opts.Logger.Info("radio opened", "device", device)
	return New(conn, opts), nil
}

// New wraps an open connection.
func New(conn io.ReadWriteCloser, opts Options) *Radio {
	opts = opts.withDefaults()
	return &Radio{
		conn:   conn,
		reader: xbee.NewReader(conn),
		opts:   opts,
		closed: make(chan struct{}),
		log:    opts.Logger.With("component", "radio"),
	}
}

// Send writes one frame.
func (r *Radio) Send(f xbee.Frame) error {
	raw, err := xbee.Encode(f)
	if err != nil {
		return err
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.isClosed() {
		return ErrClosed
	}
	if _, err := r.conn.Write(raw); err != nil {
		return fmt.Errorf("radio write: %w", err)
	}
	r.opts.Metrics.FramesTotal.WithLabelValues("out", f.Type().String()).Inc()
	return nil
}

// Receive returns the next well-formed frame. Frames with a bad checksum
// are logged, counted and skipped. Other decode errors and I/O errors are
// returned; after Close it returns ErrClosed.
func (r *Radio) Receive() (xbee.Frame, error) {
	r.rmu.Lock()
	defer r.rmu.Unlock()

	for {
		f, err := r.reader.ReadFrame()
		if err == nil {
			r.opts.Metrics.FramesTotal.WithLabelValues("in", f.Type().String()).Inc()
			return f, nil
		}
		if r.isClosed() {
			return nil, ErrClosed
		}
		if errors.Is(err, xbee.ErrChecksum) {
			r.opts.Metrics.CorruptFramesTotal.Inc()
			r.log.Warn("dropping corrupt frame", "error", err)
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("radio disconnected: %w", err)
		}
		return nil, fmt.Errorf("radio read: %w", err)
	}
}

// Get queries AT parameter cmd and returns its value. Frames other than
// the matching response are discarded, so Get must not run concurrently
// with a receive loop.
func (r *Radio) Get(ctx context.Context, cmd string) ([]byte, error) {
	name := xbee.AT(cmd)
	if err := r.Send(&xbee.Command{ID: commandID, Command: name}); err != nil {
		return nil, fmt.Errorf("get %s: %w", cmd, err)
	}

	stop := context.AfterFunc(ctx, func() { r.setReadDeadline(time.Now()) })
	defer func() {
		if stop() {
			return
		}
		r.setReadDeadline(time.Time{})
	}()

	for {
		f, err := r.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("get %s: %w", cmd, ctx.Err())
			}
			return nil, fmt.Errorf("get %s: %w", cmd, err)
		}
		resp, ok := f.(*xbee.CommandResponse)
		if !ok || resp.Command != name {
			r.log.Debug("discarding frame while waiting for response", "command", cmd, "frame", f.Type())
			continue
		}
		if resp.Status != 0 {
			return nil, fmt.Errorf("get %s: command status %d", cmd, resp.Status)
		}
		return resp.Data, nil
	}
}

// Set sends AT command cmd with an optional value without waiting for the
// response.
func (r *Radio) Set(cmd string, value ...byte) error {
	if err := r.Send(&xbee.Command{ID: commandID, Command: xbee.AT(cmd), Data: value}); err != nil {
		return fmt.Errorf("set %s: %w", cmd, err)
	}
	return nil
}

// Reset restarts the radio firmware. A simulated radio is not reset.
func (r *Radio) Reset(ctx context.Context) error {
	if r.opts.Simulated {
		return nil
	}
	if err := sleep(ctx, resetPause); err != nil {
		return err
	}
	if err := r.Set("FR"); err != nil {
		return err
	}
	return sleep(ctx, resetPause)
}

// Close closes the connection, unblocking Receive.
func (r *Radio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.conn.Close()
	})
	return err
}

func (r *Radio) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Radio) setReadDeadline(t time.Time) {
	if d, ok := r.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(t)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
