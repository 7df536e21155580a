// Package parser implements the line-oriented solution-stream state machine
// described in spec.md §4.1: it turns the rewriter's dzn-terminated output
// into Solution and Status events, one event per line at most.
package parser

import (
	"errors"
	"strconv"
	"strings"

	"go.trai.ch/zerr"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
)

// Event is emitted by Parser.Feed for a single input line. Exactly one of
// Solution or Status is meaningful per non-nil Event; the zero Event (nil
// returned by Feed) means the line produced no event.
type Event struct {
	Solution *Solution
	Status   *portfolio.Status
}

// Solution is one candidate solution block parsed off the stream.
type Solution struct {
	// Block is the solver's own solution text, every line (the last one
	// included) followed by a newline.
	Block string
	// Objective is the value of the last "_objective = " line before the
	// separator, or nil if there was none; for a non-Satisfy objective type
	// a missing objective is an ErrMissingObjective error instead.
	Objective *int
}

const (
	lineSeparator     = "----------"
	lineOptimal       = "=========="
	lineUnsat         = "=====UNSATISFIABLE====="
	lineUnbounded     = "=====UNBOUNDED====="
	lineUnknown       = "=====UNKNOWN====="
	objectivePrefix   = "_objective = "
)

// ErrMissingObjective is returned by Feed when a separator line closes a
// solution block for a non-Satisfy objective type and no "_objective = "
// line was seen since the last block.
var ErrMissingObjective = errors.New("parser: missing objective before solution separator")

// Parser is a pure, restart-safe state machine. It is not safe for
// concurrent use by multiple goroutines; the solver-process manager feeds it
// from a single stdout-reader goroutine per solver (spec.md §4.3 step 7).
type Parser struct {
	objType portfolio.ObjectiveType

	pendingBlock     strings.Builder
	pendingObjective *int
}

// New creates a Parser for a model whose objective type is objType. The
// objective type determines whether a missing "_objective = " line before a
// separator is an error (non-Satisfy) or expected (Satisfy).
func New(objType portfolio.ObjectiveType) *Parser {
	return &Parser{objType: objType}
}

// Feed consumes one raw line (without its trailing newline) and returns at
// most one Event. Errors are per-line: a parse error never poisons the
// parser, and the next Feed call starts fresh on the next line.
func (p *Parser) Feed(line string) (*Event, error) {
	switch line {
	case lineSeparator:
		return p.closeSolution()
	case lineOptimal:
		return statusEvent(portfolio.StatusOptimal), nil
	case lineUnsat:
		return statusEvent(portfolio.StatusUnsatisfiable), nil
	case lineUnbounded:
		return statusEvent(portfolio.StatusUnbounded), nil
	case lineUnknown:
		return statusEvent(portfolio.StatusUnknown), nil
	}

	if rest, ok := strings.CutPrefix(line, objectivePrefix); ok {
		if v, ok := parseObjective(rest); ok {
			p.pendingObjective = &v
		}
		return nil, nil
	}

	p.pendingBlock.WriteString(line)
	p.pendingBlock.WriteByte('\n')
	return nil, nil
}

func (p *Parser) closeSolution() (*Event, error) {
	block := p.pendingBlock.String()
	obj := p.pendingObjective

	p.pendingBlock.Reset()
	p.pendingObjective = nil

	if obj == nil && p.objType != portfolio.Satisfy {
		return nil, zerr.With(ErrMissingObjective, "block_len", len(block))
	}

	return &Event{Solution: &Solution{Block: block, Objective: obj}}, nil
}

func statusEvent(s portfolio.Status) *Event {
	return &Event{Status: &s}
}

// parseObjective parses a signed integer terminated by ';' or end-of-line,
// per spec.md §4.1.
func parseObjective(rest string) (int, bool) {
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		rest = rest[:idx]
	}
	rest = strings.TrimSpace(rest)
	v, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return v, true
}
