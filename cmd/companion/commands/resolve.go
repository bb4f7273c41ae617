package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"companion/internal/domain"
)

func resolveCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "resolve <phone|jid>...",
		Short: "Resolve phone-number addresses to LIDs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pns := make([]domain.JID, 0, len(args))
			for _, a := range args {
				j, err := phoneJID(a)
				if err != nil {
					return err
				}
				pns = append(pns, j)
			}

			ctx := cmd.Context()
			open := connectClient
			if offline {
				open = openClient
			}
			client, err := open(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Mappings().LIDsForPNs(ctx, nil, pns)
			if err != nil {
				return err
			}
			for _, pn := range pns {
				if lid, ok := res[pn]; ok {
					fmt.Printf("%s\t%s\n", pn, lid)
				} else {
					fmt.Printf("%s\t-\n", pn)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "only consult the local store")
	return cmd
}

func existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <phone>...",
		Short: "Report which phone numbers have an account",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := connectClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			found, err := client.OnWhatsApp(ctx, args...)
			if err != nil {
				return err
			}
			for _, j := range found {
				fmt.Println(j)
			}
			return nil
		},
	}
}

// phoneJID accepts a bare phone number or a full JID.
func phoneJID(s string) (domain.JID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if !strings.Contains(s, "@") {
		s += "@" + domain.DefaultUserServer
	}
	j, err := domain.ParseJID(s)
	if err != nil {
		return domain.JID{}, fmt.Errorf("bad address %q: %w", s, err)
	}
	if !j.IsPN() {
		return domain.JID{}, fmt.Errorf("%s is not a phone-number address", j)
	}
	return j, nil
}
