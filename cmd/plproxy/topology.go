package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newTopologyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage cluster definitions in the NATS topology store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			if a.cfg.NATS.URL == "" {
				return errors.New("nats.url is not configured")
			}
			return nil
		},
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Store every cluster of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			for _, spec := range a.cfg.Clusters {
				version, err := store.Put(cmd.Context(), spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", spec.Name, version)
			}
			a.log.Info("topology pushed", slog.Int("clusters", len(a.cfg.Clusters)))
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get NAME",
		Short: "Print a stored cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			spec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Version uint64 `json:"version"`
				Spec    any    `json:"spec"`
			}{spec.Version, spec})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored cluster names",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			names, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a stored cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			return store.Delete(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(push, get, list, del)
	return cmd
}
