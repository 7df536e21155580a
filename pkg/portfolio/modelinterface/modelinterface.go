// Package modelinterface discovers a model's objective type by invoking
// the flattener's model-interface report, implementing spec.md §7's
// "Model-interface" error kind: "discovering objective type failed; fatal
// before any solver starts."
package modelinterface

import (
	"context"
	"errors"
	"os/exec"

	"github.com/goccy/go-json"
	"go.trai.ch/zerr"

	"github.com/gitrdm/solverportfolio/pkg/portfolio"
)

// ErrUnknownMethod is returned when the model-interface report's "method"
// field is not one of "min", "max", "sat".
var ErrUnknownMethod = errors.New("modelinterface: unrecognized objective method")

// report is the flattener's --model-interface-only JSON shape; only the
// "method" field is needed here.
type report struct {
	Method string `json:"method"`
}

// DetectObjectiveType invokes minizincExe against model (and optional
// data) with --model-interface-only and maps its "method" field to an
// ObjectiveType. Any probe solver works for this query since no solving
// actually happens; probeSolver only needs to be installed.
func DetectObjectiveType(ctx context.Context, minizincExe, model, data, probeSolver string) (portfolio.ObjectiveType, error) {
	args := []string{model}
	if data != "" {
		args = append(args, data)
	}
	args = append(args, "--model-interface-only", "--solver", probeSolver)

	out, err := exec.CommandContext(ctx, minizincExe, args...).Output()
	if err != nil {
		return portfolio.Satisfy, zerr.With(zerr.Wrap(err, "model-interface query failed"), "model", model)
	}

	var rep report
	if err := json.Unmarshal(out, &rep); err != nil {
		return portfolio.Satisfy, zerr.With(zerr.Wrap(err, "parsing model-interface output"), "model", model)
	}

	switch rep.Method {
	case "min":
		return portfolio.Minimize, nil
	case "max":
		return portfolio.Maximize, nil
	case "sat":
		return portfolio.Satisfy, nil
	default:
		return portfolio.Satisfy, zerr.With(ErrUnknownMethod, "method", rep.Method)
	}
}
