package pmconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("PREFIXCTL_ROOT_PREFIX", "/opt/prefixctl")
	t.Setenv("PREFIXCTL_CHANNELS", "conda-forge, defaults ,bioconda")
	t.Setenv("PREFIXCTL_OFFLINE", "true")
	os.Unsetenv("PREFIXCTL_CHANNEL_PRIORITY")

	cfg := FromEnv(Config{ChannelPriority: true})

	if cfg.RootPrefix != "/opt/prefixctl" {
		t.Fatalf("unexpected root prefix %q", cfg.RootPrefix)
	}
	if len(cfg.Channels) != 3 || cfg.Channels[0] != "conda-forge" || cfg.Channels[2] != "bioconda" {
		t.Fatalf("unexpected channels %v", cfg.Channels)
	}
	if !cfg.Offline {
		t.Fatal("expected offline=true from env")
	}
	if !cfg.ChannelPriority {
		t.Fatal("unset env var should leave the default untouched")
	}
}

func TestFromEnvIgnoresUnparsableBool(t *testing.T) {
	t.Setenv("PREFIXCTL_OFFLINE", "not-a-bool")
	cfg := FromEnv(Config{Offline: true})
	if !cfg.Offline {
		t.Fatal("an unparsable bool should fall back to the default, not clobber it")
	}
}

func TestLoadFileStrict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("root_prefix: /opt/env\nalways_yes: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RootPrefix != "/opt/env" || !cfg.AlwaysYes {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("root_prefix: /opt/env\nnot_a_real_field: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected strict parse to reject an unknown field")
	}
}

func TestAsCollabConfig(t *testing.T) {
	c := AsCollabConfig(Config{RootPrefix: "/opt/env", Offline: true})
	v, ok := c.Get("root_prefix")
	if !ok || v != "/opt/env" {
		t.Fatalf("unexpected root_prefix lookup: %q %v", v, ok)
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("unknown key should report ok=false")
	}
}
