package command

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(opts *options) *cobra.Command {
	var showKey bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !showKey && config.Hub.ConnectorKey != "" {
				config.Hub.ConnectorKey = strings.Repeat("*", len(config.Hub.ConnectorKey))
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(config); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			if err := config.Validate(); err != nil {
				cmd.PrintErrln("warning:", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKey, "show-key", false, "输出明文 connectorKey")
	return cmd
}
