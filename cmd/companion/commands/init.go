package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"companion/internal/domain"
)

func initCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate credentials and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			if wire.Creds.Exists() {
				return fmt.Errorf("credentials already exist in %s", home)
			}
			_, fp, err := wire.Identity.Generate(passphrase)
			if err != nil {
				return err
			}
			if phone != "" {
				me, err := phoneJID(phone)
				if err != nil {
					return err
				}
				acct, err := wire.Identity.Unlock(passphrase)
				if err != nil {
					return err
				}
				err = acct.Update(cmd.Context(), func(c *domain.AuthCreds) error {
					c.Me = &me
					return nil
				})
				if err != nil {
					return err
				}
			}
			fmt.Printf("Credentials created.\nFingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number this device logs in as")
	return cmd
}
