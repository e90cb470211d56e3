// Command meshctl runs local applications against a router's delivery bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xbeemesh/internal/apps"
	"github.com/xbeemesh/internal/config"
	"github.com/xbeemesh/internal/delivery"
	xlog "github.com/xbeemesh/internal/log"
	"github.com/xbeemesh/internal/mqttclient"
	"github.com/xbeemesh/internal/websocket"
	"github.com/xbeemesh/pkg/network"
)

type globals struct {
	broker   string
	prefix   string
	qos      int
	logLevel string
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:           "meshctl",
		Short:         "Local applications for a mesh router",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	pf.StringVar(&g.prefix, "prefix", "", "topic prefix of the router")
	pf.IntVar(&g.qos, "qos", 1, "MQTT quality of service")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(
		consoleCmd(g),
		echoCmd(g),
		temperatureCmd(g),
		topologyCmd(g),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %s\n", err)
		os.Exit(1)
	}
}

// connect builds a delivery driver on the broker and returns a function that
// releases it.
func (g *globals) connect(name string) (*delivery.Driver, func(), error) {
	logger, err := xlog.Init(config.LogConfig{Level: g.logLevel}, name)
	if err != nil {
		return nil, nil, err
	}
	c, err := mqttclient.New(mqttclient.Options{
		BrokerURL:      g.broker,
		ClientID:       fmt.Sprintf("meshctl-%s-%d", name, time.Now().UnixNano()),
		ConnectTimeout: 10 * time.Second,
		Logger:         logger.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	d := delivery.New(c, delivery.Options{
		Prefix: g.prefix,
		QoS:    byte(g.qos),
		Logger: logger.Logger,
	})
	return d, c.Close, nil
}

func consoleCmd(g *globals) *cobra.Command {
	var port uint8
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Print packets on a port and send typed ones",
		Long: `console prints every packet sent, received or reported undelivered
on its port. Type "deliver <destination> <data>" (or "d") to send a packet
and "exit" to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := g.connect("console")
			if err != nil {
				return err
			}
			defer closeFn()
			c := &apps.Console{
				Driver: d,
				Port:   port,
				In:     cmd.InOrStdin(),
				Out:    cmd.OutOrStdout(),
				Prompt: true,
			}
			return c.Run(cmd.Context())
		},
	}
	cmd.Flags().Uint8VarP(&port, "port", "p", apps.ConsolePort, "port to use")
	return cmd
}

func echoCmd(g *globals) *cobra.Command {
	var port uint8
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Send every packet received on a port back to its source",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := g.connect("echo")
			if err != nil {
				return err
			}
			defer closeFn()
			return apps.Echo(cmd.Context(), d, port)
		},
	}
	cmd.Flags().Uint8VarP(&port, "port", "p", apps.EchoPort, "port to use")
	return cmd
}

func temperatureCmd(g *globals) *cobra.Command {
	var (
		port uint8
		path string
	)
	cmd := &cobra.Command{
		Use:   "temperature",
		Short: "Answer gettemp requests with the CPU temperature",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := g.connect("temperature")
			if err != nil {
				return err
			}
			defer closeFn()
			return apps.Temperature(cmd.Context(), d, port, path)
		},
	}
	cmd.Flags().Uint8VarP(&port, "port", "p", apps.TemperaturePort, "port to use")
	cmd.Flags().StringVar(&path, "thermal-zone", apps.ThermalZone, "file holding the temperature in millidegrees")
	return cmd
}

func topologyCmd(g *globals) *cobra.Command {
	var serve string
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the topology published by routers",
		Long: `topology prints every snapshot routers publish. With --serve it also
streams them as JSON to websocket clients connecting to /ws.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := g.connect("topology")
			if err != nil {
				return err
			}
			defer closeFn()

			eg, ctx := errgroup.WithContext(cmd.Context())
			var observers []func(network.Snapshot)
			if serve != "" {
				hub := websocket.NewHub(slog.Default())
				observers = append(observers, hub.Publish)
				mux := http.NewServeMux()
				mux.HandleFunc("/ws", hub.ServeWS)
				srv := &http.Server{Addr: serve, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

				eg.Go(func() error { return hub.Run(ctx) })
				eg.Go(func() error {
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				eg.Go(func() error {
					<-ctx.Done()
					return srv.Close()
				})
			}
			eg.Go(func() error { return apps.Topology(ctx, d, cmd.OutOrStdout(), observers...) })
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&serve, "serve", "", "address to stream snapshots on, e.g. :8080")
	return cmd
}
