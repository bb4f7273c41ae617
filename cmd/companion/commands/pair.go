package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"companion/internal/app"
	"companion/internal/services/identity"
)

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Link this device to an account by showing QR codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if _, _, err := c.Account().Me(); !errors.Is(err, identity.ErrNotRegistered) {
				return errors.New("already paired; run logout first")
			}
			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", settings.Server.Address, err)
			}

			for {
				select {
				case qr := <-c.QRCodes():
					fmt.Printf("Scan with the primary device:\n%s\n", qr)
				case <-ctx.Done():
					return nil
				case <-c.Conn().Done():
					var de *app.DisconnectError
					if err := c.Conn().Err(); !errors.As(err, &de) || de.Code != app.CodeRestartRequired {
						return err
					}
					if err := c.Connect(ctx); err != nil {
						return err
					}
					if err := c.WaitReady(ctx); err != nil {
						return fmt.Errorf("logging in: %w", err)
					}
					pn, _, err := c.Account().Me()
					if err != nil {
						return err
					}
					fmt.Printf("Paired as %s\n", pn)
					return nil
				}
			}
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unlink this device from its account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}
