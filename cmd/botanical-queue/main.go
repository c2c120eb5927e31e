// Botanical command queue
// Main entry point for the telemetry and command queue service
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/botanical/plant-controller/internal/cloud"
	"github.com/botanical/plant-controller/internal/config"
	"github.com/botanical/plant-controller/internal/logging"
	"github.com/botanical/plant-controller/internal/metrics"
	"github.com/botanical/plant-controller/internal/protocol"
	"github.com/botanical/plant-controller/internal/queue"
	"github.com/botanical/plant-controller/internal/storage"
)

const version = "0.1.0"

var (
	configFile string
	deviceID   string

	rootCmd = &cobra.Command{
		Use:   "botanical-queue",
		Short: "Botanical command queue",
		Long:  "Stores device telemetry and queues actuation commands for plant devices.",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the queue HTTP API and gRPC health service",
		RunE:  serveQueue,
	}

	controlCmd = &cobra.Command{
		Use:   "control <action>",
		Short: "Queue a command (pump_on, pump_off, light_on, light_off) for a device",
		Args:  cobra.ExactArgs(1),
		RunE:  queueCommand,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Botanical Command Queue v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	controlCmd.Flags().StringVarP(&deviceID, "device", "d", "", "Device ID (defaults to device.id from config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveQueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, logCloser, err := logging.New(cfg.Logging.Level, cfg.Logging.File, "botanical-queue")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var accessLog io.Writer
	if cfg.Queue.AccessLog != "" {
		f, err := os.OpenFile(cfg.Queue.AccessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open access log: %w", err)
		}
		defer f.Close()
		accessLog = f
	}

	api := queue.New(queue.Config{
		AllowedOrigins: cfg.Queue.AllowedOrigins,
		AccessLog:      accessLog,
	}, db, metrics.New(), log)

	health := queue.NewHealthChecker(db, log)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Queue.Listen,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Queue.Listen).Msg("queue API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Queue.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info().Str("addr", cfg.Queue.GRPCListen).Msg("gRPC health listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		health.Run(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func queueCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	action, err := protocol.ParseAction(args[0])
	if err != nil {
		return err
	}
	if deviceID == "" {
		deviceID = cfg.Device.ID
	}

	client := cloud.New(cloud.Config{BaseURL: cfg.Cloud.BaseURL, HTTPTimeout: cfg.HTTPTimeout()})
	id, err := client.SubmitCommand(cmd.Context(), deviceID, action)
	if err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}

	fmt.Printf("Queued %s for %s (command %d)\n", action, deviceID, id)
	return nil
}
