package system

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const procStatPath = "/proc/stat"

// CPUCounters holds the aggregate jiffy counters from the first /proc/stat
// line. Total is the sum of all columns present.
type CPUCounters struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Total   uint64
}

func ReadCPUCounters() (CPUCounters, error) {
	return readCPUCounters(procStatPath)
}

func readCPUCounters(path string) (CPUCounters, error) {
	f, err := os.Open(path)
	if err != nil {
		return CPUCounters{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		return parseCPULine(line)
	}
	if err := s.Err(); err != nil {
		return CPUCounters{}, fmt.Errorf("scan %s: %w", path, err)
	}
	return CPUCounters{}, fmt.Errorf("cpu aggregate line not found in %s", path)
}

func parseCPULine(line string) (CPUCounters, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return CPUCounters{}, fmt.Errorf("unexpected cpu line: %q", line)
	}
	vals := make([]uint64, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return CPUCounters{}, fmt.Errorf("parse cpu stat %q: %w", f, err)
		}
		vals = append(vals, v)
	}

	c := CPUCounters{
		User:    vals[0],
		Nice:    vals[1],
		System:  vals[2],
		Idle:    vals[3],
		IOWait:  vals[4],
		IRQ:     vals[5],
		SoftIRQ: vals[6],
	}
	if len(vals) > 7 {
		c.Steal = vals[7]
	}
	for _, v := range vals {
		c.Total += v
	}
	return c, nil
}

// CPUUsage derives busy percent from two counter snapshots:
// delta(non-idle) / delta(total), clamped to [0,100]. Idle includes iowait.
func CPUUsage(prev, cur CPUCounters) float64 {
	if cur.Total <= prev.Total {
		return 0
	}
	totalDelta := float64(cur.Total - prev.Total)
	idleDelta := float64(cur.Idle+cur.IOWait) - float64(prev.Idle+prev.IOWait)
	if idleDelta < 0 {
		idleDelta = 0
	}
	usage := (totalDelta - idleDelta) / totalDelta * 100
	if usage < 0 {
		return 0
	}
	if usage > 100 {
		return 100
	}
	return usage
}
