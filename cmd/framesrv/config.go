package main

import (
	"fmt"

	"github.com/danmuck/framesrv/internal/config"
	"github.com/danmuck/framesrv/internal/handlers"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate config files",
	}

	var (
		kind  string
		force bool
	)
	template := &cobra.Command{
		Use:   "template OUTPUT",
		Short: "Write a config template (kind server|client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, args[0])
			return nil
		},
	}
	template.Flags().StringVar(&kind, "kind", "server", "config kind: server|client")
	template.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate PATH",
		Short: "Validate a server config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(args[0])
			if err != nil {
				return err
			}
			if _, err := cfg.ServerConfig(); err != nil {
				return err
			}
			if _, err := handlers.ByName(cfg.Handler); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated server config at %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(template, validate)
	return cmd
}
