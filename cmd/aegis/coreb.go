package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/Lotargo/Aegis-Core/config"
	"github.com/Lotargo/Aegis-Core/coreb"
	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/rpc"
)

var coreBCmd = &cobra.Command{
	Use:   "core-b",
	Short: "Start the egress node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoreB()
	},
}

func init() {
	rootCmd.AddCommand(coreBCmd)
}

func runCoreB() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(os.Stdout, logger.ParseLevel(cfg.Logging.Level)).
		WithFields(logger.String("node", "core-b"))

	engine, err := crypto.New()
	if err != nil {
		return fmt.Errorf("init crypto engine: %w", err)
	}

	service := coreb.NewService(cfg.CoreB, engine, coreb.WithLogger(log))
	defer service.Close()

	grpcServer := grpc.NewServer()
	rpc.RegisterGatewayServer(grpcServer, service)

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.CoreB.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	httpServer := coreb.NewHTTPServer(engine, prometheus.DefaultGatherer, log, cfg.CoreB.HTTPPort)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("start control HTTP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("gateway RPC listening", logger.Int("port", cfg.CoreB.GRPCPort))
		return grpcServer.Serve(lis)
	})
	group.Go(func() error {
		<-ctx.Done()
		// Drain: report NOT_SERVING to health probes, then stop accepting
		// RPCs and wait for in-flight ones to finish.
		service.SetServing(false)
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Stop(shutdownCtx)
	})
	return group.Wait()
}
