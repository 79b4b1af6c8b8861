package dispatch

import (
	"strings"

	"droidfleet.sh/internal/fault"
)

// maxShellCommandLen bounds a remote shell line.
const maxShellCommandLen = 1024

// shellBinaries is the closed set of binaries exec_shell may invoke.
// The action is deliberately a narrow subset of adb shell: fleet
// hygiene commands, not arbitrary execution.
var shellBinaries = map[string]bool{
	"pm":       true,
	"am":       true,
	"cmd":      true,
	"settings": true,
	"dumpsys":  true,
	"getprop":  true,
	"svc":      true,
	"input":    true,
}

// shellMetacharacters would let a command escape the single-binary
// contract on the agent side.
const shellMetacharacters = ";|&$`<>\\\n\r"

// ValidateShellCommand enforces the exec_shell subset: one
// allow-listed binary invocation, no chaining, no redirection.
func ValidateShellCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fault.New(fault.CodeValidation, "shell command is empty")
	}
	if len(trimmed) > maxShellCommandLen {
		return fault.Newf(fault.CodeValidation, "shell command exceeds %d bytes", maxShellCommandLen)
	}
	if i := strings.IndexAny(trimmed, shellMetacharacters); i >= 0 {
		return fault.Newf(fault.CodeValidation, "shell metacharacter %q is not allowed", trimmed[i])
	}
	binary := strings.Fields(trimmed)[0]
	if !shellBinaries[binary] {
		return fault.Newf(fault.CodeValidation, "shell binary %q is not allowed", binary)
	}
	return nil
}
