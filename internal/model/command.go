package model

import (
	"fmt"
	"strings"
)

// CommandKind is the inferred kind of a code submission.
type CommandKind string

const (
	// CommandKindShell runs the submission through the system shell.
	CommandKindShell CommandKind = "shell"
	// CommandKindInterpreted runs the submission through the interpreter.
	CommandKindInterpreted CommandKind = "interpreted"
)

// shellMarker is the escape prefix that marks a line as a shell command.
const shellMarker = "!"

// Command is an executable form of a code submission.
type Command struct {
	Kind   CommandKind
	Script string
}

// ClassifyCode infers the kind of a code submission and builds its executable
// form.
//
// If the first non-blank, non-comment line starts with the shell marker, the
// submission is shell-typed: every marker-prefixed line is collected (marker
// stripped) and joined so each command must succeed in order, wrapped to
// suppress interactive prompts. Any other submission is interpreted as a
// whole, passed as a single quoted literal to the interpreter.
func ClassifyCode(code string) Command {
	if isShellCode(code) {
		var cmds []string
		for _, line := range strings.Split(code, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, shellMarker) {
				cmds = append(cmds, strings.TrimSpace(strings.TrimPrefix(trimmed, shellMarker)))
			}
		}
		return Command{
			Kind:   CommandKindShell,
			Script: "export DEBIAN_FRONTEND=noninteractive; " + strings.Join(cmds, " && "),
		}
	}

	return Command{
		Kind:   CommandKindInterpreted,
		Script: fmt.Sprintf("python3 -c %s", shellQuote(code)),
	}
}

// ShellCommand returns the command invoked through a shell wrapper for
// unified pseudo-terminal handling.
func (c Command) ShellCommand() []string {
	return []string{"/bin/sh", "-c", c.Script}
}

// isShellCode scans the submission lines, skipping blank and comment lines,
// and reports whether the first real line starts with the shell marker.
func isShellCode(code string) bool {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return strings.HasPrefix(trimmed, shellMarker)
	}
	return false
}

// shellQuote wraps s in single quotes so the shell treats it as one literal
// argument, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
