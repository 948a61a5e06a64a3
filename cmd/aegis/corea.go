package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Lotargo/Aegis-Core/config"
	"github.com/Lotargo/Aegis-Core/corea"
	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/rpc"
)

var coreACmd = &cobra.Command{
	Use:   "core-a",
	Short: "Start the ingress node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoreA()
	},
}

func init() {
	rootCmd.AddCommand(coreACmd)
}

func runCoreA() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(os.Stdout, logger.ParseLevel(cfg.Logging.Level)).
		WithFields(logger.String("node", "core-a"))

	engine, err := crypto.New()
	if err != nil {
		return fmt.Errorf("init crypto engine: %w", err)
	}

	conn, err := rpc.Dial(cfg.CoreA.CoreBGRPCTarget)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	server := corea.NewServer(cfg.CoreA, engine, rpc.NewGatewayClient(conn), corea.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap in the background: a missing Core-B must not keep the
	// listener down, the first proxied request re-handshakes lazily.
	go func() {
		if err := server.Bootstrap(ctx); err != nil {
			log.Warn("bootstrap incomplete", logger.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.CoreA.Host, strconv.Itoa(cfg.CoreA.Port)),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("ingress listening", logger.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
