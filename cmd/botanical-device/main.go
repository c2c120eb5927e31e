// Botanical plant device
// Main entry point for the sensor, relay and sync loop service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/botanical/plant-controller/internal/actuator"
	"github.com/botanical/plant-controller/internal/cloud"
	"github.com/botanical/plant-controller/internal/config"
	"github.com/botanical/plant-controller/internal/engine"
	"github.com/botanical/plant-controller/internal/hardware"
	"github.com/botanical/plant-controller/internal/logging"
	"github.com/botanical/plant-controller/internal/metrics"
	"github.com/botanical/plant-controller/internal/sensor"
	"github.com/botanical/plant-controller/internal/snapshot"
	"github.com/botanical/plant-controller/internal/status"
)

const version = "0.1.0"

var (
	configFile  string
	serveStatus bool

	rootCmd = &cobra.Command{
		Use:   "botanical-device",
		Short: "Botanical plant device",
		Long:  "Reads plant sensors, drives the pump and grow light, and syncs with the command queue service.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop (report telemetry, execute queued commands)",
		RunE:  runDevice,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API from a continuously refreshed snapshot",
		RunE:  serveDevice,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Botanical Device v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (defaults plus BOTANICAL_* environment when empty)")
	runCmd.Flags().BoolVar(&serveStatus, "status", false, "Also serve the status API on status.listen")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// device is everything both subcommands share
type device struct {
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	store    *snapshot.Store
	actuator *actuator.Controller
	close    func()
}

func setup() (*device, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, logCloser, err := logging.New(cfg.Logging.Level, cfg.Logging.File, "botanical-device")
	if err != nil {
		return nil, err
	}
	log = log.With().Str("device_id", cfg.Device.ID).Logger()

	m := metrics.New()
	opts := sensor.Options{Timeout: cfg.SensorTimeout(), Logger: log}

	board, err := hardware.Open(cfg.Hardware, opts, cfg.LightSettle(), log)
	if err != nil {
		log.Error().Err(err).Msg("hardware unavailable")
		logCloser.Close()
		return nil, fmt.Errorf("failed to open hardware: %w", err)
	}

	// New drives both relays OFF and releases the board itself on failure
	ctrl, err := actuator.New(log, board.Pump, board.Light, board.Close, func(out actuator.Output, on bool) {
		m.ActuatorSwitched(string(out), on)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise outputs")
		logCloser.Close()
		return nil, fmt.Errorf("failed to initialise outputs: %w", err)
	}

	set, err := sensor.NewSet(board.Sensors...)
	if err != nil {
		ctrl.Shutdown()
		logCloser.Close()
		return nil, err
	}
	log.Info().Interface("sensors", set.Kinds()).Msg("capability set ready")

	return &device{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		store:    snapshot.NewStore(cfg.Device.ID, set, log),
		actuator: ctrl,
		close: func() {
			if err := ctrl.Shutdown(); err != nil {
				log.Error().Err(err).Msg("error during shutdown")
			}
			logCloser.Close()
		},
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runDevice(cmd *cobra.Command, args []string) error {
	d, err := setup()
	if err != nil {
		return err
	}
	defer d.close()

	engineCfg := engine.DefaultConfig()
	engineCfg.DeviceID = d.cfg.Device.ID
	engineCfg.PollInterval = d.cfg.PollInterval()
	engineCfg.PumpDwell = d.cfg.PumpDwell()

	client := cloud.New(cloud.Config{BaseURL: d.cfg.Cloud.BaseURL, HTTPTimeout: d.cfg.HTTPTimeout()})
	engineOpts := []engine.Option{engine.WithMetrics(d.metrics)}

	if d.cfg.MQTT.Broker != "" {
		mirrorCfg := cloud.DefaultMirrorConfig()
		mirrorCfg.Broker = d.cfg.MQTT.Broker
		mirrorCfg.TopicPrefix = d.cfg.MQTT.TopicPrefix
		mirrorCfg.QoS = byte(d.cfg.MQTT.QoS)
		mirror, err := cloud.NewMirror(mirrorCfg, d.log)
		if err != nil {
			// the mirror is optional; reporting to the queue still works
			d.log.Warn().Err(err).Msg("MQTT mirror disabled")
		} else {
			defer mirror.Close()
			engineOpts = append(engineOpts, engine.WithMirror(mirror))
		}
	}

	eng, err := engine.New(engineCfg, d.store, client, d.actuator, d.log, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	d.log.Info().Str("base_url", d.cfg.Cloud.BaseURL).Msg("starting botanical device")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if serveStatus {
		srv := status.New(statusConfig(d.cfg), d.store, d.actuator, d.metrics, d.log)
		g.Go(func() error { return listen(gctx, d.cfg.Status.Listen, srv, d.log) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("device stopped: %w", err)
	}
	d.log.Info().Msg("shutdown complete")
	return nil
}

func serveDevice(cmd *cobra.Command, args []string) error {
	d, err := setup()
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signalContext()
	defer stop()

	srv := status.New(statusConfig(d.cfg), d.store, d.actuator, d.metrics, d.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.store.Run(gctx, d.cfg.RefreshInterval())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return listen(gctx, d.cfg.Status.Listen, srv, d.log) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("status server stopped: %w", err)
	}
	d.log.Info().Msg("shutdown complete")
	return nil
}

func statusConfig(cfg *config.Config) status.Config {
	sc := status.DefaultConfig()
	sc.PumpDwell = cfg.PumpDwell()
	return sc
}

// listen serves h until ctx ends, then shuts the server down gracefully
func listen(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("status server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}
