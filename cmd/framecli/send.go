package main

import (
	"fmt"

	"github.com/danmuck/framesrv/internal/client"
	"github.com/spf13/cobra"
)

func sendCmd(flags *globalFlags) *cobra.Command {
	var noReply bool
	cmd := &cobra.Command{
		Use:   "send PAYLOAD...",
		Short: "Send one frame per argument and print each response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolveProfile(flags)
			if err != nil {
				return err
			}
			c, err := client.Dial(cmd.Context(), p.Addr, p.Client)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for _, arg := range args {
				if noReply {
					if err := c.Send([]byte(arg)); err != nil {
						return err
					}
					continue
				}
				resp, err := c.Call([]byte(arg))
				if err != nil {
					return fmt.Errorf("call %q: %w", arg, err)
				}
				fmt.Fprintf(out, "%s\n", resp)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noReply, "no-reply", false, "do not wait for responses (for silent handlers)")
	return cmd
}
