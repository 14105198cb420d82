package containerspawner

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"pkt.systems/showcase/internal/shipohoy"
	"pkt.systems/pslog"
)

// Limits caps each dashboard container relative to the host.
type Limits struct {
	CPUPercent    int
	MemoryPercent int
}

// Caps converts the percentages to absolute resource caps.
// It returns nil when neither limit applies.
func (l Limits) Caps(logger pslog.Logger) *shipohoy.ResourceCaps {
	var caps shipohoy.ResourceCaps
	if nano, ok := nanoCPUsFromPercent(runtime.NumCPU(), l.CPUPercent); ok {
		caps.NanoCPUs = nano
	}
	if total, err := readMemTotalBytes(); err == nil {
		if limit, ok := memoryBytesFromPercent(total, l.MemoryPercent); ok {
			caps.MemoryBytes = limit
		}
	} else if l.MemoryPercent > 0 && logger != nil {
		logger.Warn("spawner memory limit skipped", "err", err)
	}
	if caps.NanoCPUs == 0 && caps.MemoryBytes == 0 {
		return nil
	}
	if logger != nil {
		logger.Info("spawner resource caps", "cpu_nano", caps.NanoCPUs, "memory_bytes", caps.MemoryBytes)
	}
	return &caps
}

func clampPercent(percent int) (int, bool) {
	if percent <= 0 {
		return 0, false
	}
	if percent > 100 {
		return 100, true
	}
	return percent, true
}

func nanoCPUsFromPercent(cpuCount int, percent int) (int64, bool) {
	percent, ok := clampPercent(percent)
	if !ok || cpuCount <= 0 {
		return 0, false
	}
	nano := int64(float64(cpuCount)*float64(percent)/100.0*1e9 + 0.5)
	return nano, nano > 0
}

func memoryBytesFromPercent(total int64, percent int) (int64, bool) {
	percent, ok := clampPercent(percent)
	if !ok || total <= 0 {
		return 0, false
	}
	limit := total * int64(percent) / 100
	return limit, limit > 0
}

func readMemTotalBytes() (int64, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()
	return parseMemTotalBytes(file)
}

func parseMemTotalBytes(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "MemTotal:" {
			continue
		}
		if len(fields) < 2 {
			return 0, errors.New("meminfo: invalid MemTotal line")
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		if len(fields) >= 3 && fields[2] != "kB" && fields[2] != "KB" {
			return 0, fmt.Errorf("meminfo: unsupported unit %q", fields[2])
		}
		return value * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("meminfo: MemTotal not found")
}
