package xbee

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader splits a byte stream into frames. Bytes preceding a start
// delimiter are discarded, so a reader recovers after line noise.
type Reader struct {
	r       *bufio.Reader
	skipped int
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Skipped returns the number of bytes dropped while looking for a delimiter.
func (r *Reader) Skipped() int { return r.skipped }

// ReadFrame returns the next frame. A corrupt frame yields an error wrapping
// ErrChecksum; the stream stays usable and the caller may keep reading.
// I/O errors from the underlying reader are returned unchanged.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartDelimiter {
			break
		}
		r.skipped++
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(lenBuf[:]))
	if length == 0 {
		return nil, fmt.Errorf("%w: zero length", ErrMalformed)
	}

	buf := make([]byte, length+1)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	body, sum := buf[:length], buf[length]
	if want := Checksum(body); want != sum {
		return nil, fmt.Errorf("%w: type 0x%02X computed 0x%02X, received 0x%02X", ErrChecksum, body[0], want, sum)
	}
	return DecodeBody(body)
}
