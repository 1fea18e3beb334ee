package launch

import (
	"os"
	"path/filepath"
	"strings"
)

// procRoot is overridden in tests.
var procRoot = "/proc"

func readProc(name string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(procRoot, name))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

// usernsHint examines the system and returns suggestions for users to try and
// enable unprivileged user namespaces.
func usernsHint() string {
	if os.Geteuid() == 0 {
		return ""
	}

	// Check if we are running in Docker and adjust the error message to clarify
	// to run these commands on the host:
	var runningInDocker bool
	if cgroup, ok := readProc("1/cgroup"); ok && strings.Contains(cgroup, "docker") {
		runningInDocker = true
	}

	var fixes []string

	// Check if kernel.unprivileged_userns_clone (Debian, Arch) is off:
	if val, ok := readProc("sys/kernel/unprivileged_userns_clone"); ok && val != "1" {
		fixes = append(fixes, "sysctl -w kernel.unprivileged_userns_clone=1")
	}

	// Check if user.max_user_namespaces (introduced in Linux 4.9) is non-zero
	// (defaults to zero on RHEL):
	if val, ok := readProc("sys/user/max_user_namespaces"); ok && val == "0" {
		fixes = append(fixes, "sysctl -w user.max_user_namespaces=1000")
	}

	// Ubuntu 23.10 and newer restrict user namespaces with AppArmor:
	if val, ok := readProc("sys/kernel/apparmor_restrict_unprivileged_userns"); ok && val == "1" {
		fixes = append(fixes, "sysctl -w kernel.apparmor_restrict_unprivileged_userns=0")
	}

	if len(fixes) == 0 {
		return ""
	}

	suggestion := strings.Join(fixes, "\n")

	if runningInDocker {
		return "On your Docker host (not in the container), try:\n" + suggestion
	}
	return "try:\n" + suggestion
}
