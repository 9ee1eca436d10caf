// Package collab defines the external collaborator interfaces (§6) that
// the core library depends on but never implements a forced choice of:
// HTTP transport, subprocess execution, OS-menu/shortcut registration,
// and process configuration. pkg/fetch ships a default net/http Http
// implementation; callers may substitute their own. No package implements
// Subprocess: pkg/action runs its scripts and pyc compilation through dexec
// directly.
package collab

import (
	"context"
	"io"
)

// Http is the HTTP GET collaborator used by the fetch pipeline.
type Http interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Subprocess is the subprocess-execution collaborator used for pre/post
// link scripts and pyc compilation.
type Subprocess interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) error
}

// Menu is the OS menu/shortcut registration collaborator. Menu entry
// creation is platform-specific OS integration, explicitly out of the
// core's scope (§1 Non-goals); this interface exists so
// action.MakeMenuAction has somewhere to delegate, not so the core
// implements shortcut files itself.
type Menu interface {
	Install(ctx context.Context, prefix, specPath string) error
	Remove(ctx context.Context, prefix, specPath string) error
}

// Config is the process configuration collaborator: resolved env vars
// and config-file values the core consults for behavior toggles (§6).
type Config interface {
	Get(key string) (value string, ok bool)
}
