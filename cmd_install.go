package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datawire/prefixctl/pkg/cliutil"
	"github.com/datawire/prefixctl/pkg/channel"
	"github.com/datawire/prefixctl/pkg/fetch"
	"github.com/datawire/prefixctl/pkg/pkgcache"
	"github.com/datawire/prefixctl/pkg/pmconfig"
	"github.com/datawire/prefixctl/pkg/pmerrors"
	"github.com/datawire/prefixctl/pkg/prefixdb"
	"github.com/datawire/prefixctl/pkg/repodata"
)

func init() {
	cmd := &cobra.Command{
		Use:   "install [flags] SPEC...",
		Short: "Resolve, fetch, and link packages into a prefix",
		Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(0)),
	}
	flags := addCommonFlags(cmd)
	revision := cmd.Flags().Int("revision", -1, "restore the prefix to a prior conda-meta/history revision instead of resolving SPECs")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := flags.loadConfig()
		if err != nil {
			return err
		}
		if err := prefixdb.EnsureEnvironment(cfg.RootPrefix); err != nil {
			return err
		}

		if *revision >= 0 {
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
			return runRevisionRollback(ctx, cmd, flags, cfg, chans, pipeline, *revision)
		}
		if len(args) == 0 {
			return fmt.Errorf("install requires at least one SPEC, or --revision")
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

		installed, err := prefixdb.ListInstalled(cfg.RootPrefix)
		if err != nil {
			return err
		}
		installedByName := map[string]*prefixdb.PrefixRecord{}
		installedRecords := map[string]*repodata.Record{}
		for _, r := range installed {
			installedByName[r.Name] = r
			rec := r.Record
			installedRecords[r.Name] = &rec
		}

		result, err := solve(ctx, pipeline, chans, specs, installedRecords, cfg)
		if err != nil {
			return err
		}

		toLink, toUnlink := diffAgainstInstalled(result.Selected, installedByName)

		fmt.Fprintln(cmd.OutOrStdout(), "transaction plan:")
		printPlan(cmd.OutOrStdout(), toUnlink, toLink)

		if flags.dryRun {
			return &pmerrors.DryRunExit{Summary: fmt.Sprintf("%d to link, %d to unlink", len(toLink), len(toUnlink))}
		}

		txn, err := buildTransaction(ctx, cfg.RootPrefix, pipeline, chans, toUnlink, toLink, specs, cfg)
		if err != nil {
			return err
		}
		txn.History = historyAction(cfg.RootPrefix, "install "+argvString(args), specs, toLink, toUnlink)
		return txn.Execute(ctx)
	}
	argparser.AddCommand(cmd)
}

// diffAgainstInstalled splits the solver's selected set into packages
// that must be newly linked and previously-installed packages of the
// same name that must be unlinked first to make room for a different
// version/build.
func diffAgainstInstalled(selected []*repodata.Record, installed map[string]*prefixdb.PrefixRecord) (toLink, toUnlink []*repodata.Record) {
	for _, rec := range selected {
		existing, ok := installed[rec.Name]
		if ok && existing.Version == rec.Version && existing.Build == rec.Build {
			continue // already in place, nothing to do
		}
		if ok {
			old := existing.Record
			toUnlink = append(toUnlink, &old)
		}
		toLink = append(toLink, rec)
	}
	return toLink, toUnlink
}

// runRevisionRollback restores the prefix to the set of dist names
// installed as of a prior conda-meta/history revision, the same
// "conda install --revision N" operation the original system exposes:
// packages present now but not in the target revision are unlinked,
// packages in the target revision but missing now are re-resolved from
// the configured channels by exact name/version/build and re-linked.
func runRevisionRollback(ctx context.Context, cmd *cobra.Command, flags *commonFlags, cfg pmconfig.Config, chans []channel.Channel, pipeline *fetch.Pipeline, revision int) error {
	targetDists, err := prefixdb.ReplayState(cfg.RootPrefix, revision)
	if err != nil {
		return err
	}
	target := map[string]bool{}
	for _, d := range targetDists {
		target[d] = true
	}

	installed, err := prefixdb.ListInstalled(cfg.RootPrefix)
	if err != nil {
		return err
	}
	currentByDist := map[string]*prefixdb.PrefixRecord{}
	for _, r := range installed {
		currentByDist[pkgcache.DistName(&r.Record)] = r
	}

	var toUnlink []*repodata.Record
	for dist, r := range currentByDist {
		if !target[dist] {
			rec := r.Record
			toUnlink = append(toUnlink, &rec)
		}
	}

	var missing []string
	for dist := range target {
		if _, ok := currentByDist[dist]; !ok {
			missing = append(missing, dist)
		}
	}

	var toLink []*repodata.Record
	if len(missing) > 0 {
		idx, err := fetch.LoadIndex(ctx, pipeline, chans)
		if err != nil {
			return err
		}
		for _, dist := range missing {
			name, version, build := parseDistName(dist)
			rec := findRecord(idx, name, version, build)
			if rec == nil {
				return fmt.Errorf("revision %d: %s is no longer available in any configured channel", revision, dist)
			}
			toLink = append(toLink, rec)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "transaction plan (restoring revision %d):\n", revision)
	printPlan(cmd.OutOrStdout(), toUnlink, toLink)

	if flags.dryRun {
		return &pmerrors.DryRunExit{Summary: fmt.Sprintf("%d to link, %d to unlink", len(toLink), len(toUnlink))}
	}

	txn, err := buildTransaction(ctx, cfg.RootPrefix, pipeline, chans, toUnlink, toLink, nil, cfg)
	if err != nil {
		return err
	}
	txn.History = historyAction(cfg.RootPrefix, fmt.Sprintf("install --revision %d", revision), nil, toLink, toUnlink)
	return txn.Execute(ctx)
}

// parseDistName splits a "<name>-<version>-<build>" dist string from the
// right, the same rsplit("-", 2) convention the original system uses,
// since package names may themselves contain hyphens.
func parseDistName(dist string) (name, version, build string) {
	parts := strings.Split(dist, "-")
	if len(parts) < 3 {
		return dist, "", ""
	}
	build = parts[len(parts)-1]
	version = parts[len(parts)-2]
	name = strings.Join(parts[:len(parts)-2], "-")
	return name, version, build
}

func findRecord(idx *repodata.Index, name, version, build string) *repodata.Record {
	for _, rec := range idx.ByName(name) {
		if rec.Version == version && rec.Build == build {
			return rec
		}
	}
	return nil
}

func argvString(args []string) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += " "
		}
		s += a
	}
	return s
}
