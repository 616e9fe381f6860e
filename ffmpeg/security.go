package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options that would add inputs, redirect output or replace the progress stream.
var blockedOptions = map[string]bool{
	"-i":                     true,
	"-progress":              true,
	"-filter_script":         true,
	"-filter_complex_script": true,
	"-attach":                true,
	"-dump_attachment":       true,
	"-report":                true,
}

// SplitCommand securely splits a command string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs checks user supplied extra arguments before they are
// appended to a generated ffmpeg command line.
func SanitizeAndValidateArgs(args []string) error {
	for _, arg := range args {
		// Disallow shell-like metacharacters just in case, though exec.Command prevents their execution.
		// We allow " and ' as they are handled by shlex, but block others.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		if blockedOptions[strings.SplitN(arg, ":", 2)[0]] {
			return fmt.Errorf("disallowed option: %s", arg)
		}
		// A bare argument with a path separator would become an extra output file.
		if !strings.HasPrefix(arg, "-") && strings.ContainsAny(arg, `/\`) {
			return fmt.Errorf("paths are not allowed in extra arguments: %s", arg)
		}
	}
	return nil
}
