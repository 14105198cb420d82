package containerd

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// candidateAddresses lists socket paths to try for daemon, most specific
// first: the configured address, the rootless runtime dirs, then /run.
func candidateAddresses(configured string, daemon string) []string {
	sock := filepath.Join(daemon, daemon+".sock")
	candidates := []string{configured}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, sock))
	}
	candidates = append(candidates,
		filepath.Join("/run/user", strconv.Itoa(os.Getuid()), sock),
		filepath.Join("/run", sock),
	)

	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, addr := range candidates {
		addr = socketPath(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func socketPath(addr string) string {
	addr = strings.TrimSpace(addr)
	for _, scheme := range []string{"unix://", "unix:"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			return rest
		}
	}
	return addr
}
