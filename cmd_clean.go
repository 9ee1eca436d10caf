package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datawire/prefixctl/pkg/cliutil"
	"github.com/datawire/prefixctl/pkg/pkgcache"
	"github.com/datawire/prefixctl/pkg/prefixdb"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clean [flags]",
		Short: "Remove cached package tarballs and extracted directories no longer referenced by the root prefix",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
	}
	flags := addCommonFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := flags.loadConfig()
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
		referenced := map[string]bool{}
		for _, r := range installed {
			referenced[pkgcache.DistName(&r.Record)] = true
		}

		entries, err := os.ReadDir(pipeline.Cache.Root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		for _, e := range entries {
			name := e.Name()
			if name == ".trash" {
				continue
			}
			dist := distNameFromCacheEntry(name)
			if referenced[dist] {
				continue
			}
			path := filepath.Join(pipeline.Cache.Root, name)
			fmt.Fprintf(cmd.OutOrStdout(), "removing %s\n", path)
			if flags.dryRun {
				continue
			}
			if err := pipeline.Cache.MoveToTrash(path); err != nil {
				return err
			}
		}
		return nil
	}
	argparser.AddCommand(cmd)
}

// distNameFromCacheEntry strips a cache entry's tarball suffix, if any,
// to recover the "<name>-<version>-<build>" dist name shared by both the
// extracted directory and its source tarball.
func distNameFromCacheEntry(name string) string {
	for _, suffix := range []string{".tar.bz2", ".conda", ".extracting"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
