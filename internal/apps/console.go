package apps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/pkg/models"
)

// Console prints the packets arriving on a port and sends packets typed as
//
//	deliver|d <destination> <data>
//
// until it reads "exit" or its input ends.
type Console struct {
	Driver *delivery.Driver
	Port   uint8
	In     io.Reader
	Out    io.Writer
	// Prompt is printed before each line is read when set.
	Prompt bool

	mu sync.Mutex
}

func (c *Console) printf(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.Out, format, args...)
	return err
}

func (c *Console) Run(ctx context.Context) error {
	inbox, err := c.Driver.Listen(models.Broadcast, c.Port)
	if err != nil {
		return err
	}
	failed, err := c.Driver.Undelivered()
	if err != nil {
		inbox.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printed := make(chan error, 2)
	go func() {
		printed <- serve(ctx, inbox, func(m delivery.Message) error {
			if m.Source == models.Broadcast {
				return c.printf("packet send:\n\tto: %d, port: %d, length: %d\n\tdata: %s\n\n",
					m.Destination, m.Port, len(m.Payload), m.Payload)
			}
			return c.printf("packet received:\n\tfrom: %d, port: %d, length: %d\n\tdata: %s\n\n",
				m.Source, m.Port, len(m.Payload), m.Payload)
		})
	}()
	go func() {
		printed <- serve(ctx, failed, func(m delivery.Message) error {
			if m.Port != c.Port {
				return nil
			}
			return c.printf("packet undelivered:\n\tto: %d, port: %d, length: %d\n\tdata: %s\n\n",
				m.Destination, m.Port, len(m.Payload), m.Payload)
		})
	}()

	err = c.read()
	cancel()
	for range 2 {
		if perr := <-printed; err == nil {
			err = perr
		}
	}
	return err
}

func (c *Console) read() error {
	scanner := bufio.NewScanner(c.In)
	for {
		if c.Prompt {
			c.printf("port:%d> ", c.Port)
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			return nil
		}
		if err := c.execute(line); err != nil {
			return err
		}
	}
}

// execute runs one command line. Lines that are not commands are ignored.
func (c *Console) execute(line string) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return nil
	}
	switch fields[0] {
	case "deliver", "d":
	default:
		return nil
	}
	dst, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		c.printf("invalid destination %q\n", fields[1])
		return nil
	}
	var data string
	if len(fields) == 3 {
		data = fields[2]
	}
	return c.Driver.Deliver(models.Address(dst), c.Port, []byte(data))
}
