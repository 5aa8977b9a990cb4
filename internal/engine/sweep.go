package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	. "github.com/scalytics/connectd/internal/logging"
)

// sweepStrays hunts down engine processes that escaped the managed handle:
// wrapper invocations left over from a crashed daemon, or anything still
// squatting on the engine port. Runs up to cycles passes; stops early once
// a pass finds nothing.
func (m *Manager) sweepStrays(cycles int) {
	pattern := filepath.Base(m.cfg.Engine.WrapperScript)
	port := m.cfg.Engine.Port

	for i := 0; i < cycles; i++ {
		pids := findProcesses(pattern)
		pids = append(pids, findPortHolders(port)...)
		pids = dedupe(pids, os.Getpid())
		if len(pids) == 0 {
			return
		}

		L_warn("engine: killing stray processes", "pids", pids, "pass", i+1)
		for _, pid := range pids {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// findProcesses returns pids whose command line matches pattern.
func findProcesses(pattern string) []int {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		// Exit 1 means no match; anything else we also treat as "none".
		return nil
	}
	return parsePids(string(out))
}

// findPortHolders returns pids listening on the given TCP port.
func findPortHolders(port int) []int {
	out, err := exec.Command("lsof", "-t", "-i", "tcp:"+strconv.Itoa(port), "-s", "TCP:LISTEN").Output()
	if err != nil {
		return nil
	}
	return parsePids(string(out))
}

func parsePids(out string) []int {
	var pids []int
	for _, field := range strings.Fields(out) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 1 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// dedupe removes duplicates and the daemon's own pid.
func dedupe(pids []int, self int) []int {
	seen := make(map[int]struct{}, len(pids))
	var out []int
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out
}
