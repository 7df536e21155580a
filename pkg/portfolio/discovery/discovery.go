// Package discovery queries the flattener for solver metadata and caches
// the result to disk, per spec.md §2 "Solver discovery/cache" and §6
// "Flattener --solvers-json" / "Solver-cache format".
package discovery

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/goccy/go-json"
	"go.trai.ch/zerr"
	"go.uber.org/zap"
)

// InputType is how a discovered solver expects its compiled model.
type InputType string

const (
	// InputFZN means the flattener-driver invokes the solver with a fzn file.
	InputFZN InputType = "FZN"
	// InputJSON means the solver's own executable is invoked directly.
	InputJSON InputType = "JSON"
)

// SolverMeta is one entry of the flattener's --solvers-json report.
type SolverMeta struct {
	ID         string    `json:"id"`
	Executable string    `json:"executable"`
	InputType  InputType `json:"inputType"`
	StdFlags   []string  `json:"stdFlags"`
}

// SupportsFeatureFlag reports whether the solver accepts -i (feature
// extraction input flag). A missing StdFlags list implies -i and -p are
// supported by default (spec.md §6).
func (m SolverMeta) SupportsFeatureFlag() bool {
	return m.supports("-i")
}

// SupportsCoresFlag reports whether the solver accepts -p CORES.
func (m SolverMeta) SupportsCoresFlag() bool {
	return m.supports("-p")
}

func (m SolverMeta) supports(flag string) bool {
	if len(m.StdFlags) == 0 {
		return true
	}
	for _, f := range m.StdFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// CacheFileName is the file name the on-disk cache is written under, nested
// below an OS-appropriate cache directory (spec.md §6 "Solver-cache
// format").
const CacheFileName = "solver-cache.json"

// CacheDir returns the directory the solver cache lives in, creating it if
// necessary.
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", zerr.Wrap(err, "resolving OS cache directory")
	}
	dir := filepath.Join(base, "solverportfolio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", zerr.Wrap(err, "creating solver-cache directory")
	}
	return dir, nil
}

// CachePath is the default on-disk path of the solver cache.
func CachePath() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, CacheFileName), nil
}

// Discover invokes the flattener's --solvers-json mode and parses its
// report (spec.md §6 "Flattener --solvers-json").
func Discover(ctx context.Context, log *zap.Logger, minizincExe string) ([]SolverMeta, error) {
	cmd := exec.CommandContext(ctx, minizincExe, "--solvers-json")
	out, err := cmd.Output()
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "solver discovery failed"), "executable", minizincExe)
	}
	var metas []SolverMeta
	if err := json.Unmarshal(out, &metas); err != nil {
		return nil, zerr.Wrap(err, "parsing --solvers-json output")
	}
	log.Named("discovery").Debug("discovered solvers", zap.Int("count", len(metas)))
	return metas, nil
}

// Load reads a previously cached discovery result from path.
func Load(path string) ([]SolverMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "reading solver cache"), "path", path)
	}
	var metas []SolverMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, zerr.Wrap(err, "parsing solver cache")
	}
	return metas, nil
}

// Save writes metas as the on-disk discovery cache at path.
func Save(path string, metas []SolverMeta) error {
	data, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return zerr.Wrap(err, "marshaling solver cache")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return zerr.Wrap(err, "creating solver cache directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return zerr.With(zerr.Wrap(err, "writing solver cache"), "path", path)
	}
	return nil
}

// Refresh discovers solver metadata from the flattener and persists it to
// path, implementing the `build-solver-cache` CLI subcommand (spec.md §6).
func Refresh(ctx context.Context, log *zap.Logger, minizincExe, path string) ([]SolverMeta, error) {
	metas, err := Discover(ctx, log, minizincExe)
	if err != nil {
		return nil, err
	}
	if err := Save(path, metas); err != nil {
		return nil, err
	}
	return metas, nil
}

// Resolve returns solver metadata either from cache (mode = "cache") or by
// querying the flattener directly (mode = "discover"), per spec.md §6's
// `--solver-config-mode discover|cache`.
func Resolve(ctx context.Context, log *zap.Logger, mode, minizincExe, cachePath string) ([]SolverMeta, error) {
	if mode == "cache" {
		return Load(cachePath)
	}
	return Discover(ctx, log, minizincExe)
}

// Find returns the metadata for name, or false if it is not among metas.
func Find(metas []SolverMeta, name string) (SolverMeta, bool) {
	for _, m := range metas {
		if m.ID == name {
			return m, true
		}
	}
	return SolverMeta{}, false
}
