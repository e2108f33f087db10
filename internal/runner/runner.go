// Package runner invokes a rule's build script inside an isolated shell
// and captures its log and exit status. The shell-invocation pattern (a
// fixed wrapper script fed to "$shell -c ... -- args") is adapted from
// please's src/process/process.go (BashCommand, ExecWithTimeoutShell).
package runner

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/shlex"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/core"
)

var log = logging.MustGetLogger("runner")

// shellScript is fed to the configured shell via -c: exit on first error,
// cd into the scratch directory ($1), run ./snowflake-build with the
// dependency paths ($2..$N) as arguments, stdin closed, both streams
// redirected to snowflake-log.
const shellScript = `set -e
cd "$1"
shift
exec ./` + core.BuildScriptName + ` "$@" < /dev/null > ` + core.LogName + ` 2>&1
`

// A Runner invokes build scripts via a configured shell interpreter.
type Runner struct {
	shellPath string
	shellArgs []string
}

// New returns a Runner that uses shellTool to invoke builds. shellTool
// names either a bare path to a shell interpreter, or (per SPEC_FULL.md's
// domain-stack wiring) a shell plus flags as one string (e.g. "bash -x"),
// tokenized with shlex exactly as please tokenizes command strings in
// src/build/build_step.go.
func New(shellTool string) (*Runner, error) {
	if shellTool == "" {
		shellTool = "sh"
	}
	parts, err := shlex.Split(shellTool)
	if err != nil || len(parts) == 0 {
		return nil, fmt.Errorf("runner: invalid shell tool %q: %w", shellTool, err)
	}
	return &Runner{shellPath: parts[0], shellArgs: parts[1:]}, nil
}

// Result describes the outcome of a single build script invocation.
type Result struct {
	// ExitCode is the build script's exit status (via the shell wrapper).
	ExitCode int
	// LogPath is the absolute path to snowflake-log inside the scratch
	// directory; it exists whether or not the build succeeded.
	LogPath string
	// OutputPath is the absolute path to snowflake-output, or "" if the
	// build exited zero but didn't produce one (OutputMissing).
	OutputPath string
}

// Run invokes the build script inside scratchDir. depPaths are the
// dependency output paths, relative to scratchDir, in declaration order;
// the Evaluator is responsible for constructing them.
func (r *Runner) Run(scratchDir string, depPaths []string) (Result, error) {
	logPath := filepath.Join(scratchDir, core.LogName)
	args := append(append([]string{}, r.shellArgs...), "-c", shellScript, "--", scratchDir)
	args = append(args, depPaths...)

	cmd := exec.Command(r.shellPath, args...)
	runErr := cmd.Run()

	result := Result{LogPath: logPath}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("runner: invoking shell: %w", runErr)
	}

	outputPath := filepath.Join(scratchDir, core.OutputName)
	if _, err := os.Stat(outputPath); err == nil {
		result.OutputPath = outputPath
	}
	return result, nil
}

// ReadLog reads the build script's captured log, line by line, for
// surfacing in a user-facing diagnostic after a failed build.
func ReadLog(logPath string) ([]string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
