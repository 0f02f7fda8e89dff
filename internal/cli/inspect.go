package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"slices"

	"buildguard/internal/codec"
	"buildguard/internal/recovery/state"
)

// inspect prints a decoded state file.
func inspect(inv Invocation, w io.Writer) (CLIResult, error) {
	data, err := os.ReadFile(inv.StateFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CLIResult{ExitCode: ExitInvalidInvocation}, invalidInvocationf("no state file at %s", inv.StateFile)
		}
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	loaded, err := state.Decode(data)
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError}, &state.PersistenceError{Op: "decode", Path: inv.StateFile, Cause: err}
	}

	fmt.Fprintf(w, "state file: %s\n", inv.StateFile)
	if inv.Diagnose {
		header, _, err := codec.DiagnoseFirst(data)
		if err != nil {
			return CLIResult{ExitCode: ExitInternalError}, err
		}
		fmt.Fprintf(w, "header: %s\n", header)
	}
	fmt.Fprintf(w, "outputs (%d):\n", len(loaded.OutputPaths))
	for _, p := range loaded.OutputPaths {
		fmt.Fprintf(w, "  %s\n", p)
	}
	st := loaded.State
	if st == nil {
		fmt.Fprintf(w, "state: discarded (%s)\n", loaded.Discarded)
		return CLIResult{ExitCode: ExitSuccess}, nil
	}

	fmt.Fprintf(w, "inputs: %d member(s), %d file(s)\n", len(st.InputsDigest.Members), len(st.InputsDigest.Files))
	for _, name := range st.InputsDigest.MemberNames() {
		fmt.Fprintf(w, "  %s %s\n", name, st.InputsDigest.Members[name])
	}
	if !st.ClasspathDigest.IsZero() {
		fmt.Fprintf(w, "classpath: %s\n", st.ClasspathDigest)
	}
	printHashes(w, "properties", st.Properties)
	printHashes(w, "tracked exceptions", st.ExceptionsDigest)
	fmt.Fprintf(w, "messages (%d):\n", len(st.Messages))
	for _, m := range st.Messages {
		fmt.Fprintf(w, "  %s\n", m.String())
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

func printHashes[H fmt.Stringer](w io.Writer, title string, m map[string]H) {
	if len(m) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(w, "  %s %s\n", k, m[k])
	}
}
