// Package schedule loads the static and timeout portfolios from the CSV
// schedule file format described in spec.md §6: "<solver_id>,<cores>",
// no header, one pair per line.
package schedule

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"go.trai.ch/zerr"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
)

// ErrMalformedRecord is returned when a schedule line is not exactly
// "<solver>,<cores>".
var ErrMalformedRecord = errors.New("schedule: expected exactly <solver>,<cores> per line")

// DefaultSolver is the built-in single-solver portfolio used when no static
// schedule file is configured (spec.md §4.6 step 1 "built-in default of one
// solver").
const DefaultSolver = "gecode"

// Default returns the built-in one-solver portfolio.
func Default() portfolio.Portfolio {
	return portfolio.Portfolio{{Name: DefaultSolver, Cores: 1}}
}

// Load parses a CSV schedule file at path into a Portfolio. Blank lines are
// skipped; no other header or comment convention is recognized, matching
// spec.md §6's "CSV, no header" format exactly.
func Load(path string) (portfolio.Portfolio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "opening schedule file"), "path", path)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the CSV schedule format from r.
func Parse(r io.Reader) (portfolio.Portfolio, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var p portfolio.Portfolio
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, zerr.Wrap(err, "parsing schedule CSV")
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != 2 {
			return nil, zerr.With(ErrMalformedRecord, "fields", len(record))
		}
		name := strings.TrimSpace(record[0])
		cores, err := strconv.Atoi(strings.TrimSpace(record[1]))
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "parsing cores count"), "solver", name)
		}
		p = append(p, portfolio.SolverInfo{Name: name, Cores: cores})
	}
	return p, nil
}
