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

	"github.com/faradayfan/cluster-harness/internal/agent"
	"github.com/faradayfan/cluster-harness/internal/api"
	"github.com/faradayfan/cluster-harness/internal/config"
	"github.com/faradayfan/cluster-harness/internal/control"
	"github.com/faradayfan/cluster-harness/internal/fabric"
	"github.com/faradayfan/cluster-harness/internal/logging"
)

// shutdownTimeout bounds stopping every process on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "harness-agent",
		Short:        "Run the cluster harness agent on this host",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/agent.yaml", "agent config file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}
	log := logging.New("agent", cfg.LogLevel)

	stop, err := config.ParseStop("agent config", cfg.Stop)
	if err != nil {
		return err
	}
	ctrl, err := agent.New(agent.Options{
		NodeName:   cfg.NodeName,
		WorkRoot:   cfg.WorkDir,
		KitsDir:    cfg.KitsDir,
		Attributes: cfg.Attributes,
		Stop:       stop,
		StatePath:  cfg.StatePath,
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var statusSrv *http.Server
	if cfg.StatusAddr != "" {
		status := api.NewServer(ctrl, cfg.StatusAddr, log)
		statusSrv = &http.Server{Addr: status.Addr(), Handler: status.Handler()}
		go func() {
			log.Info().Str("addr", statusSrv.Addr).Msg("status api listening")
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("status api failed")
			}
		}()
	}

	member := fabric.NewMember(fabric.MemberOptions{
		NodeID:     cfg.NodeName,
		HubAddr:    cfg.HubAddr,
		Hostname:   cfg.Hostname,
		Port:       cfg.Port,
		Attributes: ctrl.NodeAttributes(ctx),
	}, control.NewHandler(cfg.NodeName, ctrl, log), log)

	log.Info().Str("node", cfg.NodeName).Str("hub", cfg.HubAddr).Str("work_dir", cfg.WorkDir).Msg("starting agent")
	runErr := member.Run(ctx)

	log.Info().Msg("shutting down, stopping every process")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status api shutdown")
		}
	}
	return errors.Join(runErr, ctrl.Close(shutdownCtx))
}
