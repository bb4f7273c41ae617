package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"companion/internal/codec"
	"companion/internal/domain"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the local key store",
	}
	cmd.AddCommand(keysGetCmd())
	return cmd
}

func keysGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>...",
		Short: "Print stored records in CBOR diagnostic notation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.KeyKind(args[0])
			if !slices.Contains(domain.Kinds, kind) {
				return fmt.Errorf("unknown kind %q (want one of %v)", kind, domain.Kinds)
			}
			ctx := cmd.Context()
			c, err := openClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			ids := args[1:]
			got, err := c.Keys().Get(ctx, nil, kind, ids)
			if err != nil {
				return err
			}
			for _, id := range ids {
				raw, ok := got[id]
				if !ok {
					fmt.Printf("%s: <absent>\n", id)
					continue
				}
				diag, err := codec.Diagnose(raw)
				if err != nil {
					fmt.Printf("%s: %x\n", id, raw)
					continue
				}
				fmt.Printf("%s: %s\n", id, diag)
			}
			return nil
		},
	}
}
