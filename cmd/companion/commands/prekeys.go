package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func preKeysCmd() *cobra.Command {
	var upload int
	cmd := &cobra.Command{
		Use:   "prekeys",
		Short: "Show the server pre-key count, optionally uploading more",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			pk, err := c.PreKeys()
			if err != nil {
				return err
			}
			if upload > 0 {
				if err := pk.Upload(ctx, upload); err != nil {
					return fmt.Errorf("uploading %d pre-keys: %w", upload, err)
				}
			}
			n, err := pk.ServerCount(ctx)
			if err != nil {
				return err
			}
			creds, err := c.Account().Creds(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Server count:      %d\n", n)
			fmt.Printf("Next pre-key id:   %d\n", creds.NextPreKeyID)
			fmt.Printf("First unuploaded:  %d\n", creds.FirstUnuploadedPreKeyID)
			return nil
		},
	}
	cmd.Flags().IntVar(&upload, "upload", 0, "upload this many new pre-keys first")
	return cmd
}
