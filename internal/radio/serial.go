//go:build !no_serial
// +build !no_serial

package radio

import (
	"io"

	"github.com/tarm/serial"
)

// XBee API mode line settings.
const baud = 115200

func openSerial(name string) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:     name,
		Baud:     baud,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop2,
	}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	if err := s.Flush(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
