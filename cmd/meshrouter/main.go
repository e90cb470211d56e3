// Command meshrouter runs the routing layer for one radio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xbeemesh/internal/config"
	"github.com/xbeemesh/internal/delivery"
	"github.com/xbeemesh/internal/dispatcher"
	xlog "github.com/xbeemesh/internal/log"
	"github.com/xbeemesh/internal/metrics"
	"github.com/xbeemesh/internal/mqttclient"
	"github.com/xbeemesh/internal/radio"
	"github.com/xbeemesh/internal/router"
	"github.com/xbeemesh/pkg/models"
)

func main() {
	var (
		configPath  string
		printConfig bool
	)

	rootCmd := &cobra.Command{
		Use:   "meshrouter [device] [address]",
		Short: "Route packets between XBee radios",
		Long: `meshrouter drives one XBee radio in API mode and routes packets
across the mesh. Local applications exchange packets with it over MQTT.

The device is a serial port, or tcp://host:port for a simulator.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if len(args) > 0 {
				overrides["radio.device"] = args[0]
			}
			if len(args) > 1 {
				addr, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid address %q", args[1])
				}
				overrides["node.address"] = addr
			}

			cfg, err := config.Load(configPath, overrides)
			if err != nil {
				return err
			}
			if printConfig {
				out, err := cfg.YAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	rootCmd.Flags().BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshrouter: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	self := models.Address(cfg.Node.Address)

	logger, err := xlog.Init(cfg.Log, strconv.Itoa(cfg.Node.Address))
	if err != nil {
		return err
	}
	defer logger.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	clientID := cfg.Delivery.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("meshrouter-%d-%d", self, time.Now().UnixNano())
	}
	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL:      cfg.Delivery.Broker,
		ClientID:       clientID,
		Username:       cfg.Delivery.Username,
		Password:       cfg.Delivery.Password,
		ConnectTimeout: cfg.Delivery.ConnectTimeout,
		Logger:         logger.Logger,
	})
	if err != nil {
		return err
	}
	defer mqttc.Close()

	local := delivery.New(mqttc, delivery.Options{
		Prefix: cfg.Delivery.Prefix,
		QoS:    byte(cfg.Delivery.QoS),
		Buffer: cfg.Delivery.Buffer,
		Logger: logger.Logger,
	})

	rad, err := radio.Open(cfg.Radio.Device, radio.Options{
		Simulated:   cfg.Radio.Simulated,
		DialTimeout: cfg.Radio.DialTimeout,
		Metrics:     m,
		Logger:      logger.Logger,
	})
	if err != nil {
		return err
	}

	r, err := router.New(self, rad, local, router.Options{
		HeartbeatInterval: cfg.Routing.HeartbeatInterval,
		LivenessInterval:  cfg.Routing.LivenessInterval,
		LivenessTimeout:   cfg.Routing.LivenessTimeout,
		TransmitPower:     uint8(cfg.Radio.TransmitPower),
		Retries:           uint8(cfg.Radio.Retries),
		Dispatcher: dispatcher.Options{
			TickInterval:             cfg.Routing.TickInterval,
			MaxRetransmissions:       cfg.Routing.MaxRetransmissions,
			HopConstant:              cfg.Routing.HopConstant,
			GlobalConstant:           cfg.Routing.GlobalConstant,
			ForwarderMultiplier:      cfg.Routing.ForwarderMultiplier,
			AntireliabilityThreshold: cfg.Routing.AntireliabilityThreshold,
		},
		Metrics: m,
		Logger:  logger.Logger,
	})
	if err != nil {
		rad.Close()
		return err
	}

	slog.Info("starting router", "address", self, "device", cfg.Radio.Device, "broker", cfg.Delivery.Broker)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
