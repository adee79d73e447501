package executor

import (
	"fmt"
	"strings"

	"github.com/terrpan/buildfleet/internal/ci"
	"github.com/terrpan/buildfleet/internal/protocol"
)

// buildDriverScript synthesizes the shell script fed to the
// containerized shell's stdin.  The script communicates exclusively
// through sentinel lines: each step runs in a fail-fast subshell whose
// exit code is reported by the following SectionEnd sentinel, and the
// script itself always exits 0 so the container's own exit status only
// reflects whether the driver ran to completion.
func buildDriverScript(repoDir string, steps []ci.Step) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("cd %s\n", shellQuote(repoDir)))

	// Close the implicit section covering container start and cd.
	sb.WriteString(fmt.Sprintf("echo %s\n", shellQuote(protocol.SectionEndLine("0"))))

	for _, step := range steps {
		sb.WriteString(fmt.Sprintf("echo %s\n", shellQuote(protocol.SectionStartLine(step.Run.DisplayName()))))
		sb.WriteString("( set -e\n")
		sb.WriteString(step.Run.Command)
		if !strings.HasSuffix(step.Run.Command, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString(")\n")
		// $? must expand at runtime, so this line is double-quoted.
		sb.WriteString(fmt.Sprintf("echo \"%s\"\n", protocol.SectionEndLine("$?")))
	}

	sb.WriteString("exit 0\n")
	return sb.String()
}

// shellQuote wraps s in single quotes, escaping embedded single
// quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
