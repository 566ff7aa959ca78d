package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gridl/plproxy/adapters/nats"
	"github.com/gridl/plproxy/internal/config"
	"github.com/gridl/plproxy/ports/topology"
)

type app struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "plproxy",
		Short:         "Route calls across partitioned PostgreSQL clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = cfg.Log.Logger(cmd.ErrOrStderr())
			slog.SetDefault(a.log)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (yaml, json or toml)")
	root.AddCommand(newRunCmd(a), newTopologyCmd(a))
	return root
}

// openStore returns the NATS topology store when one is configured, else an
// in-memory store seeded from the config file.
func (a *app) openStore(ctx context.Context) (topology.Store, func(), error) {
	if a.cfg.NATS.URL == "" {
		return topology.NewMemStore(a.cfg.Clusters...), func() {}, nil
	}
	s, err := nats.NewTopologyStore(ctx, nats.TopologyConfig{
		Connect: nats.ConnectURL(a.cfg.NATS.URL),
		Bucket:  a.cfg.NATS.Bucket,
		Log:     a.log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open topology store: %w", err)
	}
	return s, s.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
