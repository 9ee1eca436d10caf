package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datawire/prefixctl/pkg/cliutil"
)

func init() {
	cmd := &cobra.Command{
		Use:   "solve [flags] SPEC...",
		Short: "Resolve a set of package specs without installing anything",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
	}
	flags := addCommonFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := flags.loadConfig()
		if err != nil {
			return err
		}
		specs, err := parseSpecs(args)
		if err != nil {
			return err
		}
		if err := checkDisallowed(cfg, specs); err != nil {
			return err
		}
		if err := requireChannels(cfg); err != nil {
			return err
		}
		chans, err := resolveChannels(cfg)
		if err != nil {
			return err
		}
		pipeline, err := newPipeline(cfg)
		if err != nil {
			return err
		}

		result, err := solve(ctx, pipeline, chans, specs, nil, cfg)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "would install %d package(s):\n", len(result.Selected))
		for _, rec := range result.Selected {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s-%s-%s (%s)\n", rec.Name, rec.Version, rec.Build, rec.Channel)
		}
		return nil
	}
	argparser.AddCommand(cmd)
}
