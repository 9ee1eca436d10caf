package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datawire/prefixctl/pkg/cliutil"
	"github.com/datawire/prefixctl/pkg/prefixdb"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list [flags]",
		Short: "List packages installed in a prefix",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
	}
	flags := addCommonFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.loadConfig()
		if err != nil {
			return err
		}
		installed, err := prefixdb.ListInstalled(cfg.RootPrefix)
		if err != nil {
			return err
		}
		for _, r := range installed {
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-15s %s\n", r.Name, r.Version, r.Build)
		}
		return nil
	}
	argparser.AddCommand(cmd)
}
