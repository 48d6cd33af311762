// Package sysinfo reports process resource usage for tool-call diagnostics.
package sysinfo

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const procStatusPath = "/proc/self/status"

// ResidentMemory returns the resident set size of the current process in bytes. Where the
// kernel does not expose it, the memory obtained from the OS by the Go runtime is reported
// instead.
func ResidentMemory() uint64 {
	if rss, ok := residentFromProc(procStatusPath); ok {
		return rss
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// MemoryString formats ResidentMemory as kilobytes, e.g. "10240KB".
func MemoryString() string {
	return strconv.FormatUint(ResidentMemory()/1024, 10) + "KB"
}

func residentFromProc(path string) (uint64, bool) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	return parseVmRSS(bs)
}

// parseVmRSS extracts the VmRSS line of a /proc/<pid>/status file, given in kB.
func parseVmRSS(status []byte) (uint64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || name != "VmRSS" {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
