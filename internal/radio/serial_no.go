//go:build no_serial
// +build no_serial

package radio

import (
	"errors"
	"io"
)

var errNoSerial = errors.New("serial support not built in, use a tcp:// device")

func openSerial(string) (io.ReadWriteCloser, error) {
	return nil, errNoSerial
}
