package monitor

import (
	"os/exec"
	"strconv"
	"strings"
)

// gpuUsage shells out to nvidia-smi for load and VRAM percentages.
// Returns ok=false when the tool or the indexed GPU is unavailable;
// a machine without an NVIDIA GPU is not an error.
func gpuUsage(index int) (load, vram float64, ok bool) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(index),
	).Output()
	if err != nil {
		return 0, 0, false
	}
	return parseSMILine(strings.TrimSpace(string(out)))
}

// parseSMILine parses "42, 2048, 8192" into load and VRAM percent.
func parseSMILine(line string) (load, vram float64, ok bool) {
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return 0, 0, false
	}
	util, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	used, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	total, err3 := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err1 != nil || err2 != nil || err3 != nil || total <= 0 {
		return 0, 0, false
	}
	return util, used / total * 100, true
}
