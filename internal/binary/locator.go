// Package binary resolves a usable PostgreSQL server binary: an explicit
// override path, a version-keyed local cache, the PATH, or a pluggable
// fetcher that downloads and extracts a distribution.
package binary

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tinypg/tinypg/internal/config"
	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
)

// ServerBinary describes a resolved, validated server binary.
// It is immutable once resolved; the supervisor borrows it read-only.
type ServerBinary struct {
	// Path is the postgres executable.
	Path string
	// InitDB is the initdb executable from the same bin directory.
	InitDB string
	// Version is the version tag the binary was resolved under
	// (empty when no constraint was given).
	Version string
}

// Fetcher produces an extracted PostgreSQL distribution for a version.
// Implementations may be slow and network-dependent; the locator caches
// their result. The returned directory must contain bin/postgres and
// bin/initdb.
type Fetcher interface {
	Fetch(ctx context.Context, version string) (string, error)
}

// Locator resolves server binaries according to the configured strategy.
type Locator struct {
	overridePath string
	version      string
	cacheDir     string
	allowFetch   bool
	fetcher      Fetcher
	logger       *logging.Logger
}

// NewLocator creates a Locator from binary configuration. The fetcher may be
// nil, in which case cache misses fail with ErrBinaryUnavailable.
func NewLocator(cfg config.BinaryConfig, fetcher Fetcher, logger *logging.Logger) *Locator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Locator{
		overridePath: cfg.OverridePath,
		version:      cfg.Version,
		cacheDir:     cfg.ResolveCacheDir(),
		allowFetch:   cfg.AllowFetch,
		fetcher:      fetcher,
		logger:       logger.WithComponent("binary"),
	}
}

// Resolve locates a server binary. Resolution order:
//  1. the explicit override path, validated and returned as-is
//  2. the local cache, keyed by version
//  3. the PATH, when no version constraint is set
//  4. the fetcher, when fetching is allowed
//
// Failures at step 1 surface as ErrInvalidBinary; exhausting the remaining
// steps surfaces ErrBinaryUnavailable.
func (l *Locator) Resolve(ctx context.Context) (*ServerBinary, error) {
	if l.overridePath != "" {
		bin, err := l.validate(l.overridePath, l.version)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("resolved binary from override", "path", bin.Path)
		return bin, nil
	}

	if bin, err := l.lookupCache(); err == nil {
		l.logger.Debug("resolved binary from cache", "path", bin.Path, "version", bin.Version)
		return bin, nil
	}

	if l.version == "" {
		if path, err := exec.LookPath("postgres"); err == nil {
			if bin, err := l.validate(path, ""); err == nil {
				l.logger.Debug("resolved binary from PATH", "path", bin.Path)
				return bin, nil
			}
		}
	}

	if !l.allowFetch || l.fetcher == nil {
		return nil, fmt.Errorf("%w: no cached binary for version %q and fetching is disabled",
			errors.ErrBinaryUnavailable, l.version)
	}

	return l.fetch(ctx)
}

// lookupCache finds a cached binary matching the version constraint.
// With no constraint, the highest cached version wins.
func (l *Locator) lookupCache() (*ServerBinary, error) {
	version := l.version
	if version == "" {
		versions, err := l.cachedVersions()
		if err != nil || len(versions) == 0 {
			return nil, errors.ErrBinaryUnavailable
		}
		version = versions[0]
	}

	path := filepath.Join(l.cacheDir, version, "bin", "postgres")
	return l.validate(path, version)
}

// cachedVersions lists cached version directories, highest first.
func (l *Locator) cachedVersions() ([]string, error) {
	entries, err := os.ReadDir(l.cacheDir)
	if err != nil {
		return nil, err
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() && versionDirRegex.MatchString(entry.Name()) {
			versions = append(versions, entry.Name())
		}
	}

	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) > 0
	})
	return versions, nil
}

// fetch delegates to the fetcher and installs the result into the cache
// using a staging directory plus atomic rename, so a failed fetch never
// leaves a partial cache entry behind.
func (l *Locator) fetch(ctx context.Context) (*ServerBinary, error) {
	l.logger.Info("fetching server binary", "version", l.version)

	srcDir, err := l.fetcher.Fetch(ctx, l.version)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch failed: %v", errors.ErrBinaryUnavailable, err)
	}

	// Validate the fetched tree before it enters the cache.
	if _, err := l.validate(filepath.Join(srcDir, "bin", "postgres"), l.version); err != nil {
		return nil, fmt.Errorf("%w: fetched distribution is unusable: %v",
			errors.ErrBinaryUnavailable, err)
	}

	dest := filepath.Join(l.cacheDir, l.version)
	if err := installAtomic(srcDir, l.cacheDir, dest); err != nil {
		return nil, fmt.Errorf("%w: cache install failed: %v", errors.ErrBinaryUnavailable, err)
	}

	return l.validate(filepath.Join(dest, "bin", "postgres"), l.version)
}

// validate checks that the path exists, is a regular executable file, and
// (when a version constraint is set) reports a matching version.
func (l *Locator) validate(path, wantVersion string) (*ServerBinary, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist", errors.ErrInvalidBinary, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidBinary, path, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return nil, fmt.Errorf("%w: %s is not executable", errors.ErrInvalidBinary, path)
	}

	initdb := filepath.Join(filepath.Dir(path), "initdb")
	initInfo, err := os.Stat(initdb)
	if err != nil || initInfo.IsDir() || initInfo.Mode()&0111 == 0 {
		return nil, fmt.Errorf("%w: initdb not found next to %s", errors.ErrInvalidBinary, path)
	}

	if wantVersion != "" {
		got, err := reportedVersion(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidBinary, path, err)
		}
		if !versionMatches(got, wantVersion) {
			return nil, fmt.Errorf("%w: %s reports version %s, want %s",
				errors.ErrInvalidBinary, path, got, wantVersion)
		}
	}

	return &ServerBinary{Path: path, InitDB: initdb, Version: wantVersion}, nil
}

// installAtomic moves srcDir into place at dest via a staging directory in
// the same parent, so the final rename is atomic and a crash mid-install
// cannot leave a half-populated cache entry.
func installAtomic(srcDir, parent, dest string) error {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	stagingRoot := filepath.Join(staging, "dist")
	if err := copyTree(srcDir, stagingRoot); err != nil {
		return err
	}

	if err := os.Rename(stagingRoot, dest); err != nil {
		if os.IsExist(err) {
			// A concurrent fetch won the race; its entry is equally valid.
			return nil
		}
		return err
	}
	return nil
}

// copyTree recursively copies src to dst, preserving file modes.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			// Symlinks inside distributions point within the tree; re-create
			// them as copies of the target content.
			resolved, err := filepath.EvalSymlinks(path)
			if err != nil {
				return err
			}
			path = resolved
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

var (
	versionDirRegex    = regexp.MustCompile(`^\d+(\.\d+)*$`)
	versionOutputRegex = regexp.MustCompile(`(\d+(?:\.\d+)*)`)
)

// reportedVersion runs `postgres --version` and extracts the version number.
func reportedVersion(path string) (string, error) {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("could not query version: %w", err)
	}
	match := versionOutputRegex.FindString(strings.TrimSpace(string(out)))
	if match == "" {
		return "", fmt.Errorf("unrecognized version output: %q", strings.TrimSpace(string(out)))
	}
	return match, nil
}

// versionMatches reports whether got satisfies the want constraint.
// A shorter constraint matches any longer version with the same prefix
// components, so "16" matches "16.4".
func versionMatches(got, want string) bool {
	gotParts := strings.Split(got, ".")
	wantParts := strings.Split(want, ".")
	if len(wantParts) > len(gotParts) {
		return false
	}
	for i, w := range wantParts {
		if gotParts[i] != w {
			return false
		}
	}
	return true
}

// compareVersions orders dotted numeric versions; positive when a > b.
func compareVersions(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		var an, bn int
		if i < len(aParts) {
			an, _ = strconv.Atoi(aParts[i])
		}
		if i < len(bParts) {
			bn, _ = strconv.Atoi(bParts[i])
		}
		if an != bn {
			return an - bn
		}
	}
	return 0
}
