package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs securely splits an operator-provided argument string. No shell
// is involved.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// SanitizeArgs rejects shell metacharacters and any flag in reserved, which
// the caller sets itself.
func SanitizeArgs(args []string, reserved ...string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		name, _, _ := strings.Cut(arg, "=")
		for _, r := range reserved {
			if name == r {
				return fmt.Errorf("argument %s is managed by the server", r)
			}
		}
	}
	return nil
}

// ExtraArgs splits and validates an extra-argument string from config.
func ExtraArgs(command string, reserved ...string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	args, err := SplitArgs(command)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args, reserved...); err != nil {
		return nil, err
	}
	return args, nil
}
