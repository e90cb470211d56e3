package apps

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/pkg/models"
)

// ThermalZone is where Linux exposes the CPU temperature in millidegrees.
const ThermalZone = "/sys/class/thermal/thermal_zone0/temp"

var tempRequest = []byte("gettemp")

// ReadTemperature returns the temperature in path in degrees Celsius, or -1
// when it cannot be read.
func ReadTemperature(path string) float64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return -1
	}
	return float64(milli) / 1000
}

// Temperature answers "gettemp" requests on port with the temperature read
// from path.
func Temperature(ctx context.Context, d *delivery.Driver, port uint8, path string) error {
	s, err := d.Listen(models.Broadcast, port)
	if err != nil {
		return err
	}
	return serve(ctx, s, func(m delivery.Message) error {
		if m.Source == models.Broadcast || !bytes.HasPrefix(m.Payload, tempRequest) {
			return nil
		}
		reply := fmt.Sprintf("%f'C", ReadTemperature(path))
		return d.Deliver(m.Source, port, []byte(reply))
	})
}
