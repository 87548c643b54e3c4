package socket

import (
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-ps"
)

var _ ProcessChecker = (*DefaultProcessChecker)(nil)

// ProcessChecker reports whether a named process is running.
type ProcessChecker interface {
	IsRunning(name string) bool
}

// DefaultProcessChecker looks the name up in the OS process table.
type DefaultProcessChecker struct{}

// IsRunning matches name case-insensitively against executable names,
// ignoring a ".exe" suffix.
func (pc *DefaultProcessChecker) IsRunning(name string) bool {
	procs, err := ps.Processes()
	if err != nil {
		return false
	}
	for _, proc := range procs {
		if MatchExecutable(proc.Executable(), name) {
			return true
		}
	}
	return false
}

// MatchExecutable reports whether executable names the process name.
func MatchExecutable(executable, name string) bool {
	exe := strings.TrimSuffix(filepath.Base(executable), ".exe")
	return name != "" && strings.EqualFold(exe, name)
}
