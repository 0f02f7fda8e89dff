package cli

import (
	"context"
	"io"
)

// Run parses args (excluding argv[0]) and executes them. workDir is the
// default for --workdir.
func Run(ctx context.Context, args []string, workDir string, stdout, stderr io.Writer) (CLIResult, error) {
	inv, err := ParseInvocation(args, workDir)
	if err != nil {
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, inv, stdout, stderr)
}
