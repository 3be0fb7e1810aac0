package system

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const procMeminfoPath = "/proc/meminfo"

// MemoryInfo carries the /proc/meminfo fields the orchestrator consumes,
// all in bytes.
type MemoryInfo struct {
	TotalBytes     uint64
	FreeBytes      uint64
	AvailableBytes uint64
	UsedBytes      uint64
}

func ReadMemoryInfo() (MemoryInfo, error) {
	return readMemoryInfo(procMeminfoPath)
}

func readMemoryInfo(path string) (MemoryInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	vals := map[string]uint64{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		v, convErr := strconv.ParseUint(parts[1], 10, 64)
		if convErr != nil {
			continue
		}
		vals[key] = v * 1024
	}
	if err := s.Err(); err != nil {
		return MemoryInfo{}, fmt.Errorf("scan %s: %w", path, err)
	}

	total := vals["MemTotal"]
	if total == 0 {
		return MemoryInfo{}, fmt.Errorf("MemTotal missing in %s", path)
	}
	free := vals["MemFree"]
	avail := vals["MemAvailable"]
	if avail == 0 {
		avail = free
	}
	return MemoryInfo{
		TotalBytes:     total,
		FreeBytes:      free,
		AvailableBytes: avail,
		UsedBytes:      total - avail,
	}, nil
}
