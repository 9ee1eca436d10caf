package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datawire/prefixctl/pkg/action"
	"github.com/datawire/prefixctl/pkg/cliutil"
	"github.com/datawire/prefixctl/pkg/matchspec"
	"github.com/datawire/prefixctl/pkg/pmerrors"
	"github.com/datawire/prefixctl/pkg/prefixdb"
	"github.com/datawire/prefixctl/pkg/repodata"
	"github.com/datawire/prefixctl/pkg/transaction"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remove [flags] NAME...",
		Short: "Unlink installed packages from a prefix",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
	}
	flags := addCommonFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := flags.loadConfig()
		if err != nil {
			return err
		}

		installed, err := prefixdb.ListInstalled(cfg.RootPrefix)
		if err != nil {
			return err
		}
		installedByName := map[string]*repodata.Record{}
		for _, r := range installed {
			rec := r.Record
			installedByName[r.Name] = &rec
		}

		var toUnlink []*repodata.Record
		for _, name := range args {
			rec, ok := installedByName[name]
			if !ok {
				return &pmerrors.PackageNotInstalledError{Name: name, Prefix: cfg.RootPrefix}
			}
			toUnlink = append(toUnlink, rec)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "transaction plan:")
		printPlan(cmd.OutOrStdout(), toUnlink, nil)

		if flags.dryRun {
			return &pmerrors.DryRunExit{Summary: fmt.Sprintf("%d to unlink", len(toUnlink))}
		}

		txn, err := transaction.Plan(cfg.RootPrefix, toUnlink, nil, func(rec *repodata.Record) ([]action.Action, transaction.LinkMeta, error) {
			return nil, transaction.LinkMeta{}, nil
		})
		if err != nil {
			return err
		}

		specs := make([]matchspec.MatchSpec, len(args))
		for i, name := range args {
			specs[i] = matchspec.MatchSpec{Name: name}
		}
		txn.History = historyAction(cfg.RootPrefix, "remove "+argvString(args), specs, nil, toUnlink)
		return txn.Execute(ctx)
	}
	argparser.AddCommand(cmd)
}
