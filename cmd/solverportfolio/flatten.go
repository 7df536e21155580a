package main

import (
	"context"
	"os"
	"os/exec"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/gitrdm/solverportfolio/pkg/portfolio/compile"
	"github.com/gitrdm/solverportfolio/pkg/portfolio/proctree"
)

// newFlattenFunc returns a compile.FlattenFunc invoking the flattener per
// spec.md §6's subprocess contract: "-c MODEL [DATA] --solver NAME -o FZN
// --output-objective --output-mode MODE --ozn OZN". Cancellation during the
// flatten kills the flattener's whole process group, since flattener
// drivers commonly fork helper processes of their own (spec.md §9
// "Subprocess plumbing").
func newFlattenFunc(log *zap.Logger, minizincExe, model, data, outputMode, tmpDir string) compile.FlattenFunc {
	return func(ctx context.Context, name string) (string, string, error) {
		fznFile, err := os.CreateTemp(tmpDir, "solverportfolio-"+name+"-*.fzn")
		if err != nil {
			return "", "", zerr.Wrap(err, "creating scoped fzn temp file")
		}
		fznPath := fznFile.Name()
		fznFile.Close()

		oznFile, err := os.CreateTemp(tmpDir, "solverportfolio-"+name+"-*.ozn")
		if err != nil {
			os.Remove(fznPath)
			return "", "", zerr.Wrap(err, "creating scoped ozn temp file")
		}
		oznPath := oznFile.Name()
		oznFile.Close()

		args := []string{"-c", model}
		if data != "" {
			args = append(args, data)
		}
		args = append(args, "--solver", name, "-o", fznPath, "--output-objective", "--output-mode", outputMode, "--ozn", oznPath)

		cmd := exec.Command(minizincExe, args...)
		proctree.Prepare(cmd)
		if err := cmd.Start(); err != nil {
			os.Remove(fznPath)
			os.Remove(oznPath)
			return "", "", zerr.With(zerr.Wrap(err, "starting flattener"), "solver", name)
		}

		group := proctree.New(log, cmd.Process.Pid)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				os.Remove(fznPath)
				os.Remove(oznPath)
				return "", "", zerr.With(zerr.Wrap(err, "flattener failed"), "solver", name)
			}
			return fznPath, oznPath, nil
		case <-ctx.Done():
			_ = group.Kill()
			<-done
			os.Remove(fznPath)
			os.Remove(oznPath)
			return "", "", ctx.Err()
		}
	}
}
