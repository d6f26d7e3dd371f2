package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/faradayfan/cluster-harness/internal/fabric"
	"github.com/faradayfan/cluster-harness/internal/logging"
	"github.com/faradayfan/cluster-harness/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		hubAddr  string
		httpAddr string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:          "harness-coordinator",
		Short:        "Run a standalone hub that agents join, with an HTTP inspection API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), hubAddr, httpAddr, logLevel)
		},
	}
	cmd.Flags().StringVar(&hubAddr, "hub-addr", "0.0.0.0:9090", "address agents connect to")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "127.0.0.1:8080", "address of the HTTP API")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

func run(ctx context.Context, hubAddr, httpAddr, logLevel string) error {
	log := logging.New("coordinator", logLevel)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := fabric.NewHub(log)
	if err := hub.Listen(hubAddr); err != nil {
		return err
	}
	go func() {
		if err := hub.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("hub stopped")
		}
	}()

	api := server.NewHTTPServer(httpAddr, hub, log)
	httpSrv := &http.Server{
		Addr:    api.Addr(),
		Handler: api.Handler(),
	}
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("http api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return hub.Close()
}
