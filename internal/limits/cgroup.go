package limits

import (
	"os"
	"strconv"
	"strings"
)

// DetectMemoryLimit reads the container memory limit from the cgroup
// filesystem, trying v2 first then v1. Returns 0 when no limit applies
// (unlimited cgroup, bare metal, non-Linux).
func DetectMemoryLimit() int64 {
	// cgroup v2: "536870912" or "max".
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if limit, err := strconv.ParseInt(s, 10, 64); err == nil {
				return limit
			}
		}
		return 0
	}

	// cgroup v1: always numeric, but an effectively-unlimited sentinel
	// (very large value) means no real limit.
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		s := strings.TrimSpace(string(data))
		limit, err := strconv.ParseInt(s, 10, 64)
		if err != nil || limit >= int64(1)<<60 {
			return 0
		}
		return limit
	}

	return 0
}
