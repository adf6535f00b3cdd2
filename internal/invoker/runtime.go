package invoker

import (
	"strconv"
	"strings"
)

// Argument vectors for the runtime verbs this daemon drives. They follow the
// runtime's cobra command tree (logs, exec, inspect, ls, stop, rm, volume).

func ListArgs() []string {
	return []string{"ls", "--detailed"}
}

func InspectArgs(unitID string) []string {
	return []string{"inspect", unitID}
}

func LogsArgs(unitID string, tail int) []string {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	return append(args, unitID)
}

func FollowLogsArgs(unitID string) []string {
	return []string{"logs", "--follow", "--tail", "0", unitID}
}

func ExecArgs(unitID, shell string) []string {
	return []string{"exec", "--interactive", unitID, shell}
}

func StopArgs(unitID string) []string {
	return []string{"stop", unitID}
}

func RemoveArgs(unitID string, force bool) []string {
	if force {
		return []string{"rm", "--force", unitID}
	}
	return []string{"rm", unitID}
}

func VolumeListArgs() []string {
	return []string{"volume", "ls"}
}

func VolumeRemoveArgs(name string, force bool) []string {
	if force {
		return []string{"volume", "rm", "--force", name}
	}
	return []string{"volume", "rm", name}
}

// IsNotFound recognizes the runtime's wording for a missing unit.
func IsNotFound(res Result) bool {
	if res.ExitCode == 0 {
		return false
	}
	msg := strings.ToLower(res.Stderr + " " + res.Stdout)
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist")
}
