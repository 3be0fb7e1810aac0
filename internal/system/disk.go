package system

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

const procDiskstatsPath = "/proc/diskstats"

// DiskCounters sums sector counters across physical block devices,
// converted to bytes (512-byte sectors).
type DiskCounters struct {
	ReadBytes  uint64
	WriteBytes uint64
}

func ReadDiskCounters() (DiskCounters, error) {
	return readDiskCounters(procDiskstatsPath)
}

func readDiskCounters(path string) (DiskCounters, error) {
	f, err := os.Open(path)
	if err != nil {
		return DiskCounters{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out DiskCounters
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 14 {
			continue
		}
		if !isBlockDevice(parts[2]) {
			continue
		}
		sectorsRead, errRead := strconv.ParseUint(parts[5], 10, 64)
		sectorsWritten, errWrite := strconv.ParseUint(parts[9], 10, 64)
		if errRead != nil || errWrite != nil {
			continue
		}
		out.ReadBytes += sectorsRead * 512
		out.WriteBytes += sectorsWritten * 512
	}
	if err := s.Err(); err != nil {
		return DiskCounters{}, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}

func isBlockDevice(name string) bool {
	if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "fd") {
		return false
	}
	if strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "vd") || strings.HasPrefix(name, "xvd") {
		return true
	}
	return false
}

// FilesystemUsage reports used percent and raw capacity of the filesystem
// holding path, via statfs.
type FilesystemUsage struct {
	TotalBytes  uint64
	FreeBytes   uint64
	UsedPercent float64
}

func ReadFilesystemUsage(path string) (FilesystemUsage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return FilesystemUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	out := FilesystemUsage{TotalBytes: total, FreeBytes: free}
	if total > 0 {
		out.UsedPercent = float64(total-free) / float64(total) * 100
	}
	return out, nil
}
