package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"companion/internal/services/identity"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Log in and print incoming messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Printf("Connected to %s\n", settings.Server.Address)
			pn, lid, err := c.Account().Me()
			switch {
			case errors.Is(err, identity.ErrNotRegistered):
				fmt.Println("Not registered; run pair or pass --phone to init")
			case err != nil:
				return err
			default:
				fmt.Printf("Me:  %s\n", pn)
				if !lid.IsZero() {
					fmt.Printf("LID: %s\n", lid)
				}
			}

			for {
				select {
				case m := <-c.Incoming():
					fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format(time.TimeOnly), m.From, m.Plaintext)
				case <-ctx.Done():
					logger.Info("interrupted, closing")
					return nil
				case <-c.Conn().Done():
					return c.Conn().Err()
				}
			}
		},
	}
}
