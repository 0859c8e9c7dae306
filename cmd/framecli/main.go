package main

import (
	"fmt"
	"os"

	"github.com/danmuck/framesrv/internal/logging"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	profile string
	addr    string
}

func main() {
	var flags globalFlags
	rootCmd := &cobra.Command{
		Use:   "framecli",
		Short: "Client for framesrv",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.profile, "profile", "p", "", "client profile TOML")
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "server address (overrides profile)")

	rootCmd.AddCommand(
		sendCmd(&flags),
		benchCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "framecli: %v\n", err)
		os.Exit(1)
	}
}

func resolveProfile(flags *globalFlags) (profile, error) {
	p, err := loadProfile(flags.profile)
	if err != nil {
		return profile{}, err
	}
	if flags.addr != "" {
		p.Addr = flags.addr
	}
	return p, nil
}
