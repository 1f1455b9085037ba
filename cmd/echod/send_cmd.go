package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/echod"
	"pkt.systems/echod/client"
)

func newSendCommand() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message to an echo server and print the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := "hello"
			if len(args) == 1 {
				msg = args[0]
			}
			c, err := client.Dial(cmd.Context(), addr, client.WithTimeout(timeout))
			if err != nil {
				return err
			}
			defer c.Close()
			reply, err := c.Send([]byte(msg))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", echod.DefaultListen, "echo server address")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "round-trip timeout")
	return cmd
}
