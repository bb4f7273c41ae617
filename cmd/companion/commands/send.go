package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <phone|jid> <text>...",
		Short: "Encrypt and send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := phoneJID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			msgs, err := c.Messages()
			if err != nil {
				return err
			}
			id, err := msgs.Send(ctx, to, []byte(strings.Join(args[1:], " ")))
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s to %s\n", id, to)
			return nil
		},
	}
}
