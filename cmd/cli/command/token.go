package command

import (
	"fmt"

	"connectorhub/internal/hubapi"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <connectorKey> <hubToken>",
		Short: "Compute the accessToken for a hub token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := hubapi.ComputeAccessToken(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
