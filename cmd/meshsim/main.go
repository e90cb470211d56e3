// Command meshsim serves a simulated radio medium over TCP. Point each
// meshrouter at it with a tcp://host:port device and radio.simulated set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xbeemesh/internal/config"
	xlog "github.com/xbeemesh/internal/log"
	"github.com/xbeemesh/internal/simulator"
)

func main() {
	var (
		listen   string
		network  uint16
		loss     float64
		retries  int
		latency  time.Duration
		isolated bool
		links    []string
		seed     uint64
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "meshsim",
		Short: "Simulate the radio medium between mesh routers",
		Long: `meshsim accepts one TCP connection per router. Connections are
numbered in the order they arrive, starting at 1, and every station is in
range of every other unless --isolated or --link is given.

--link 1:2 puts stations 1 and 2 in range of each other.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := xlog.Init(config.LogConfig{Level: logLevel}, "sim")
			if err != nil {
				return err
			}
			defer logger.Close()

			pairs, err := parseLinks(links)
			if err != nil {
				return err
			}

			medium := simulator.NewMedium(simulator.Options{
				Network:  network,
				LossRate: loss,
				Retries:  retries,
				Latency:  latency,
				Isolated: isolated || len(pairs) > 0,
				Seed:     seed,
				Logger:   logger.Logger,
			})
			for _, p := range pairs {
				medium.Link(simulator.BaseMAC+p[0], simulator.BaseMAC+p[1])
			}

			srv := simulator.NewServer(listen, medium)
			if err := srv.Start(); err != nil {
				return err
			}
			<-cmd.Context().Done()
			slog.Info("shutting down simulator")
			return srv.Stop()
		},
	}
	f := rootCmd.Flags()
	f.StringVarP(&listen, "listen", "l", ":9750", "TCP address to listen on")
	f.Uint16Var(&network, "network", 0x3332, "PAN id reported by every station")
	f.Float64Var(&loss, "loss", 0, "probability that one unicast attempt is lost")
	f.IntVar(&retries, "retries", 3, "extra attempts per unicast")
	f.DurationVar(&latency, "latency", 0, "delay before each transmit status")
	f.BoolVar(&isolated, "isolated", false, "start with no station in range of another")
	f.StringSliceVar(&links, "link", nil, "stations in range of each other, as a:b")
	f.Uint64Var(&seed, "seed", 0, "seed for reproducible losses")
	f.StringVar(&logLevel, "log-level", "info", "log level")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshsim: %s\n", err)
		os.Exit(1)
	}
}

func parseLinks(links []string) ([][2]uint64, error) {
	out := make([][2]uint64, 0, len(links))
	for _, l := range links {
		a, b, ok := strings.Cut(l, ":")
		if !ok {
			return nil, fmt.Errorf("invalid link %q", l)
		}
		x, err := strconv.ParseUint(a, 10, 32)
		if err != nil || x == 0 {
			return nil, fmt.Errorf("invalid link %q", l)
		}
		y, err := strconv.ParseUint(b, 10, 32)
		if err != nil || y == 0 {
			return nil, fmt.Errorf("invalid link %q", l)
		}
		out = append(out, [2]uint64{x, y})
	}
	return out, nil
}
