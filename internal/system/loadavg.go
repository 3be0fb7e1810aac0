package system

import (
	"os"
	"strconv"
	"strings"
)

const procLoadavgPath = "/proc/loadavg"

// ReadLoadAvg returns the 1/5/15 minute load averages, zeros when the file
// is unreadable.
func ReadLoadAvg() (float64, float64, float64) {
	return readLoadAvg(procLoadavgPath)
}

func readLoadAvg(path string) (float64, float64, float64) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0
	}
	parts := strings.Fields(string(raw))
	if len(parts) < 3 {
		return 0, 0, 0
	}
	l1, _ := strconv.ParseFloat(parts[0], 64)
	l5, _ := strconv.ParseFloat(parts[1], 64)
	l15, _ := strconv.ParseFloat(parts[2], 64)
	return l1, l5, l15
}
