// Package engineenv captures the engine tunables read from the environment.
// Everything here has a sensible default; the environment only overrides.
package engineenv

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// CacheDir returns the cache root: $BUILDER_CACHE_DIR if set, else
// .builder-cache under the workspace root.
func CacheDir(workspaceRoot string) string {
	if env := os.Getenv("BUILDER_CACHE_DIR"); env != "" {
		return env
	}
	return filepath.Join(workspaceRoot, ".builder-cache")
}

// Parallelism returns the worker count: $BUILDER_PARALLELISM if set to a
// positive integer, else the number of logical CPUs.
func Parallelism() int {
	if env := os.Getenv("BUILDER_PARALLELISM"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

// RemoteCacheURL returns $BUILDER_REMOTE_CACHE_URL; empty disables the
// remote CAS tier.
func RemoteCacheURL() string {
	return os.Getenv("BUILDER_REMOTE_CACHE_URL")
}

// DeterminismStrict reports whether nondeterminism detection should fail the
// build instead of logging a warning.
func DeterminismStrict() bool {
	switch os.Getenv("BUILDER_DETERMINISM_STRICT") {
	case "", "0", "false", "no":
		return false
	}
	return true
}
