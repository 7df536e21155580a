// Package advisor implements the pluggable "AI" collaborator of spec.md §6:
// given a feature vector and a core budget, it proposes a Portfolio. The
// core scheduler never chooses solvers itself (spec.md §1 Non-goals);
// advisor is the one seam where that choice is made, and it is explicitly
// out of scope for anything beyond the none/simple/command-line
// implementations spec.md names.
package advisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.trai.ch/zerr"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
)

// Advisor proposes a Portfolio sized to cores, given a feature vector
// (possibly empty, e.g. for None).
type Advisor interface {
	Schedule(ctx context.Context, features []float64, cores int) (portfolio.Portfolio, error)
}

// ParseConfig parses the "k1=v1,k2=v2,..." AI configuration format from
// spec.md §6.
func ParseConfig(s string) (map[string]string, error) {
	cfg := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return cfg, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, zerr.With(errMalformedConfig, "pair", pair)
		}
		cfg[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return cfg, nil
}

var errMalformedConfig = fmt.Errorf("advisor: expected k=v pairs separated by commas")

// New builds the named advisor implementation from its config map. kind is
// one of "none", "simple", "command-line" (spec.md §6 "--ai").
func New(kind string, cfg map[string]string) (Advisor, error) {
	switch kind {
	case "none", "":
		return None{}, nil
	case "simple":
		solver := cfg["solver"]
		if solver == "" {
			solver = "gecode"
		}
		return Simple{Solver: solver}, nil
	case "command-line":
		cmd := cfg["command"]
		if cmd == "" {
			return nil, zerr.With(errMissingCommand, "kind", kind)
		}
		return CommandLine{Command: cmd}, nil
	default:
		return nil, zerr.With(errUnknownKind, "kind", kind)
	}
}

var (
	errMissingCommand = fmt.Errorf("advisor: command-line AI requires config key \"command\"")
	errUnknownKind    = fmt.Errorf("advisor: unknown --ai kind")
)

// None never proposes a portfolio; the orchestrator falls back to the
// timeout schedule whenever this advisor is selected (spec.md §4.6 step 4
// "Else load the timeout portfolio").
type None struct{}

// ErrDisabled is returned by None.Schedule to signal "no advisor
// configured", distinct from an advisor that ran and failed.
var ErrDisabled = fmt.Errorf("advisor: disabled (--ai none)")

func (None) Schedule(ctx context.Context, features []float64, cores int) (portfolio.Portfolio, error) {
	return nil, ErrDisabled
}

// Simple ignores the feature vector entirely and proposes a single solver
// saturating the full core budget (glossary: "The simple advisor ignores
// features").
type Simple struct {
	Solver string
}

func (s Simple) Schedule(ctx context.Context, features []float64, cores int) (portfolio.Portfolio, error) {
	if cores < 1 {
		cores = 1
	}
	return portfolio.Portfolio{{Name: s.Solver, Cores: cores}}, nil
}

// CommandLine shells out to an external advisor program, per spec.md §6:
// invoked with "-p CORES FEATURES_CSV"; stdout lines "solver,cores" form
// the portfolio.
type CommandLine struct {
	Command string
}

func (c CommandLine) Schedule(ctx context.Context, features []float64, cores int) (portfolio.Portfolio, error) {
	csv := make([]string, len(features))
	for i, f := range features {
		csv[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	args := []string{"-p", strconv.Itoa(cores), strings.Join(csv, ",")}

	out, err := exec.CommandContext(ctx, c.Command, args...).Output()
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "command-line advisor failed"), "command", c.Command)
	}

	var p portfolio.Portfolio
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, coresStr, ok := strings.Cut(line, ",")
		if !ok {
			return nil, zerr.With(errMalformedAdvisorLine, "line", line)
		}
		n, err := strconv.Atoi(strings.TrimSpace(coresStr))
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "parsing advisor cores field"), "line", line)
		}
		p = append(p, portfolio.SolverInfo{Name: strings.TrimSpace(name), Cores: n})
	}
	return p, nil
}

var errMalformedAdvisorLine = fmt.Errorf("advisor: expected \"solver,cores\" per output line")
