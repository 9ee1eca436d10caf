package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/datawire/prefixctl/pkg/action"
	"github.com/datawire/prefixctl/pkg/channel"
	"github.com/datawire/prefixctl/pkg/collab"
	"github.com/datawire/prefixctl/pkg/fetch"
	"github.com/datawire/prefixctl/pkg/matchspec"
	"github.com/datawire/prefixctl/pkg/pkgcache"
	"github.com/datawire/prefixctl/pkg/pmconfig"
	"github.com/datawire/prefixctl/pkg/pmerrors"
	"github.com/datawire/prefixctl/pkg/prefixdb"
	"github.com/datawire/prefixctl/pkg/reduce"
	"github.com/datawire/prefixctl/pkg/repodata"
	"github.com/datawire/prefixctl/pkg/reproducible"
	"github.com/datawire/prefixctl/pkg/solver"
	"github.com/datawire/prefixctl/pkg/transaction"
	"github.com/spf13/cobra"
)

// commonFlags holds the flags shared by every subcommand that resolves or
// mutates a prefix, mirroring how the original system's CLI layers
// CONDA_* env vars under a handful of per-invocation flags.
type commonFlags struct {
	prefix        string
	channels      []string
	settingsFile  string
	offline       bool
	dryRun        bool
}

func addCommonFlags(cmd *cobra.Command) *commonFlags {
	f := &commonFlags{}
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "target prefix directory (default PREFIXCTL_ROOT_PREFIX)")
	cmd.Flags().StringSliceVar(&f.channels, "channel", nil, "channel to resolve against (repeatable)")
	cmd.Flags().StringVar(&f.settingsFile, "settings", "", "path to a YAML settings file")
	cmd.Flags().BoolVar(&f.offline, "offline", false, "do not perform any network access")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "only print the plan, do not execute it")
	return f
}

// loadConfig resolves the process configuration the way pmconfig intends
// it to be layered: defaults, then an optional settings file, then the
// environment, then this invocation's flags, each narrower scope
// overriding the broader one.
func (f *commonFlags) loadConfig() (pmconfig.Config, error) {
	cfg := pmconfig.Config{}
	if f.settingsFile != "" {
		fileCfg, err := pmconfig.LoadFile(f.settingsFile)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}
	cfg = pmconfig.FromEnv(cfg)

	if f.prefix != "" {
		cfg.RootPrefix = f.prefix
	}
	if len(f.channels) > 0 {
		cfg.Channels = f.channels
	}
	if f.offline {
		cfg.Offline = true
	}
	if cfg.RootPrefix == "" {
		return cfg, fmt.Errorf("no prefix given: pass --prefix or set PREFIXCTL_ROOT_PREFIX")
	}
	return cfg, nil
}

// requireChannels is called by subcommands that need to hit a channel
// (solve, install), unlike list/clean which only touch the prefix and
// cache that are already on disk.
func requireChannels(cfg pmconfig.Config) error {
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("no channel given: pass --channel or set PREFIXCTL_CHANNELS")
	}
	return nil
}

func resolveChannels(cfg pmconfig.Config) ([]channel.Channel, error) {
	chans := make([]channel.Channel, 0, len(cfg.Channels))
	for _, raw := range cfg.Channels {
		ch, err := channel.Parse(raw, nil)
		if err != nil {
			return nil, &pmerrors.ChannelError{Channel: raw, Err: err}
		}
		chans = append(chans, *ch)
	}
	channel.Rank(chans)
	return chans, nil
}

func newPipeline(cfg pmconfig.Config) (*fetch.Pipeline, error) {
	cacheDir := firstNonEmpty(append(cfg.PkgsDirs, filepath.Join(cfg.RootPrefix, "pkgs")))
	cache, err := pkgcache.New(cacheDir)
	if err != nil {
		return nil, err
	}
	var httpClient collab.Http
	if !cfg.Offline {
		httpClient = &fetch.DefaultHTTP{UserAgent: "prefixctl"}
	}
	return &fetch.Pipeline{HTTP: httpClient, Cache: cache, Concurrency: 4}, nil
}

func firstNonEmpty(vals []string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseSpecs parses the positional MatchSpec arguments given on the
// command line.
func parseSpecs(args []string) ([]matchspec.MatchSpec, error) {
	specs := make([]matchspec.MatchSpec, 0, len(args))
	for _, raw := range args {
		s, err := matchspec.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", raw, err)
		}
		specs = append(specs, *s)
	}
	return specs, nil
}

func checkDisallowed(cfg pmconfig.Config, specs []matchspec.MatchSpec) error {
	disallowed := map[string]bool{}
	for _, n := range cfg.DisallowedPkgs {
		disallowed[n] = true
	}
	for _, s := range specs {
		if disallowed[s.Name] {
			return &pmerrors.DisallowedPackageError{Name: s.Name}
		}
	}
	return nil
}

// solveResult is the outcome of resolving a set of requested specs
// against the configured channels: the selected records and the problem
// that produced them, kept around so MUS extraction can explain a
// failure to the user.
type solveResult struct {
	Index    *repodata.Index
	Problem  *solver.Problem
	Selected []*repodata.Record
}

// solve loads repodata, reduces it to the requested specs' transitive
// closure, generates the SAT problem, and solves it, translating the
// solver/reduce packages' internal errors into the pmerrors taxonomy.
// installed carries the prefix's current records by name, so the
// objective can prefer keeping what's already there; cfg supplies the
// disallow list and strict-channel-priority toggle as hard constraints.
func solve(ctx context.Context, pipeline *fetch.Pipeline, chans []channel.Channel, specs []matchspec.MatchSpec, installed map[string]*repodata.Record, cfg pmconfig.Config) (*solveResult, error) {
	full, err := fetch.LoadIndex(ctx, pipeline, chans)
	if err != nil {
		return nil, err
	}

	reduced, err := reduce.Build(full, specs)
	if err != nil {
		if missing, ok := reduce.NotFoundSpecs(err); ok {
			return nil, &pmerrors.PackagesNotFoundError{Specs: missing}
		}
		return nil, err
	}

	problem, err := solver.Generate(reduced, specs, installed, solver.Config{
		Disallowed:            cfg.DisallowedPkgs,
		ChannelPriorityStrict: cfg.ChannelPriority,
	})
	if err != nil {
		return nil, err
	}

	assignment, err := problem.Solve()
	if err != nil {
		if groups, ok := solver.MUSGroups(err); ok {
			return nil, &pmerrors.UnsatisfiableError{Specs: specs, Chains: groups}
		}
		return nil, err
	}

	return &solveResult{Index: reduced, Problem: problem, Selected: problem.SelectedRecords(assignment)}, nil
}

// fetchSelected downloads and verifies every selected record's tarball,
// grouping by channel since FetchAndVerify operates one channel at a
// time.
func fetchSelected(ctx context.Context, pipeline *fetch.Pipeline, chans []channel.Channel, records []*repodata.Record) error {
	byChannel := map[string][]*repodata.Record{}
	for _, rec := range records {
		byChannel[rec.Channel] = append(byChannel[rec.Channel], rec)
	}
	for _, ch := range chans {
		recs := byChannel[ch.CanonicalName()]
		if len(recs) == 0 {
			continue
		}
		if err := fetch.FetchAndVerify(ctx, pipeline, ch, recs); err != nil {
			return err
		}
	}
	return nil
}

// buildTransaction fetches and extracts every package to link, builds its
// per-package link actions, and assembles a transaction.Transaction ready
// to Execute. specs lets each link action record the requested spec that
// caused it to be selected; cfg configures the transaction's safety_checks
// policy.
func buildTransaction(ctx context.Context, prefix string, pipeline *fetch.Pipeline, chans []channel.Channel, toUnlink, toLink []*repodata.Record, specs []matchspec.MatchSpec, cfg pmconfig.Config) (*transaction.Transaction, error) {
	if err := fetchSelected(ctx, pipeline, chans, toLink); err != nil {
		return nil, err
	}
	txn, err := transaction.Plan(prefix, toUnlink, toLink, func(rec *repodata.Record) ([]action.Action, transaction.LinkMeta, error) {
		acts, dir, err := buildLinkActions(ctx, pipeline, prefix, rec)
		if err != nil {
			return nil, transaction.LinkMeta{}, err
		}
		return acts, transaction.LinkMeta{RequestedSpec: specForName(specs, rec.Name), ExtractedDir: dir}, nil
	})
	if err != nil {
		return nil, err
	}
	txn.Cache = pipeline.Cache
	txn.SafetyChecks = transaction.ParseSafetyPolicy(cfg.SafetyChecks)
	return txn, nil
}

// specForName returns the raw spec string that named pkg, for recording as
// a PrefixRecord's RequestedSpec, or "" if pkg was only pulled in as a
// transitive dependency.
func specForName(specs []matchspec.MatchSpec, name string) string {
	for _, s := range specs {
		if s.Name == name {
			return s.String()
		}
	}
	return ""
}

// buildLinkActions stages rec's tarball, extracts it, reads its
// info/paths.json, and returns one action per recorded path (a MkdirAction
// for a directory entry, a LinkPathAction for anything else), along with
// the extracted directory the package was unpacked into.
func buildLinkActions(ctx context.Context, pipeline *fetch.Pipeline, prefix string, rec *repodata.Record) ([]action.Action, string, error) {
	dir, err := pipeline.Cache.EnsureExtracted(ctx, rec)
	if err != nil {
		return nil, "", err
	}
	paths, err := pkgcache.LoadPathsData(dir)
	if err != nil {
		return nil, "", err
	}
	rec.PathsData = paths

	acts := make([]action.Action, 0, len(paths))
	for _, pd := range paths {
		if pd.PathType == "directory" {
			acts = append(acts, &action.MkdirAction{Target: filepath.Join(prefix, pd.Path), ShortPath: pd.Path})
			continue
		}
		acts = append(acts, &action.LinkPathAction{
			Source:    filepath.Join(dir, pd.Path),
			Target:    filepath.Join(prefix, pd.Path),
			ShortPath: pd.Path,
		})
	}
	return acts, dir, nil
}

// historyAction builds the UpdateHistoryAction recording this
// transaction's added/removed dist names, for the caller to attach to
// transaction.Transaction.History before Execute.
func historyAction(prefix, command string, specs []matchspec.MatchSpec, toLink, toUnlink []*repodata.Record) *action.UpdateHistoryAction {
	specStrs := make([]string, len(specs))
	for i, s := range specs {
		specStrs[i] = s.String()
	}
	added := make([]string, len(toLink))
	for i, r := range toLink {
		added[i] = fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build)
	}
	removed := make([]string, len(toUnlink))
	for i, r := range toUnlink {
		removed[i] = fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build)
	}
	return &action.UpdateHistoryAction{
		Prefix: prefix,
		Revision: prefixdb.Revision{
			Timestamp: reproducible.Now(),
			Command:   command,
			Specs:     specStrs,
			Added:     added,
			Removed:   removed,
		},
	}
}

func printPlan(w io.Writer, toUnlink, toLink []*repodata.Record) {
	for _, r := range toUnlink {
		fmt.Fprintf(w, "  - %s-%s-%s\n", r.Name, r.Version, r.Build)
	}
	for _, r := range toLink {
		fmt.Fprintf(w, "  + %s-%s-%s\n", r.Name, r.Version, r.Build)
	}
}
