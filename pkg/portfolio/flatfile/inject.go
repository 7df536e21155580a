// Package flatfile implements bound injection (spec.md §4.3 step 2,
// glossary "Bound injection"): splicing a constraint on the objective
// variable into a compiled flatfile so a restarted solver never
// re-discovers a bound the portfolio already knows.
package flatfile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
)

// solveLinePrefix is the line every compiled MiniZinc flatfile ends its
// model with; the injected constraint must land immediately before it.
const solveLinePrefix = "solve"

// InjectBound writes a copy of the flatfile at origPath with a
// "objective <= bound" (Minimize) or "bound <= objective" (Maximize)
// constraint spliced in immediately before the solve line, and returns the
// path of the new scoped temp file. name and attempt only feed the temp
// file's name so repeated injections for the same solver don't collide.
func InjectBound(origPath, tmpDir, name string, attempt int, objType portfolio.ObjectiveType, bound int) (string, error) {
	in, err := os.Open(origPath)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "opening flatfile for bound injection"), "path", origPath)
	}
	defer in.Close()

	dst := ScopedTempName(tmpDir, name, bound, attempt)
	out, err := os.Create(dst)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "creating bound-injected flatfile"), "path", dst)
	}
	defer out.Close()

	constraint := constraintLine(objType, bound)

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	injected := false
	for scanner.Scan() {
		line := scanner.Text()
		if !injected && strings.HasPrefix(strings.TrimSpace(line), solveLinePrefix) {
			if _, err := fmt.Fprintln(w, constraint); err != nil {
				return "", zerr.Wrap(err, "writing injected constraint")
			}
			injected = true
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return "", zerr.Wrap(err, "copying flatfile line")
		}
	}
	if err := scanner.Err(); err != nil {
		return "", zerr.Wrap(err, "reading original flatfile")
	}
	if err := w.Flush(); err != nil {
		return "", zerr.Wrap(err, "flushing bound-injected flatfile")
	}
	return dst, nil
}

func constraintLine(objType portfolio.ObjectiveType, bound int) string {
	b := strconv.Itoa(bound)
	switch objType {
	case portfolio.Maximize:
		return "constraint " + b + " <= _objective;"
	default: // Minimize
		return "constraint _objective <= " + b + ";"
	}
}

// ScopedTempName derives a collision-free file name for a scoped temp file
// from (name, bound, attempt), hashed with xxhash so concurrent restarts of
// the same solver never collide even when the bound repeats.
func ScopedTempName(dir, name string, bound, attempt int) string {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.Itoa(bound))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.Itoa(attempt))
	return dir + "/" + name + "-" + strconv.FormatUint(h.Sum64(), 16) + ".fzn"
}
