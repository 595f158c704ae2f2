// Package procutil wraps the OS-specific process plumbing the relay needs:
// process-group spawn attributes, group signal delivery with per-PID
// fallback, process-tree enumeration, and CPU/GPU utilization sampling for
// the stale-progress guard.
package procutil

import (
	"bytes"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// CollectTree returns pid plus all transitive children, parents before
// children, using `ps -eo pid,ppid` (works without /proc, e.g. on macOS).
func CollectTree(pid int) ([]int, error) {
	out, err := exec.Command("ps", "-eo", "pid,ppid").Output()
	if err != nil {
		return nil, err
	}

	children := map[int][]int{}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		p, err1 := strconv.Atoi(fields[0])
		pp, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[pp] = append(children[pp], p)
	}

	var tree []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		tree = append(tree, p)
		kids := children[p]
		sort.Ints(kids)
		for _, k := range kids {
			if !seen[k] {
				seen[k] = true
				queue = append(queue, k)
			}
		}
	}
	return tree, nil
}

// TreeCPUPercent sums %cpu across the given pids via ps.
func TreeCPUPercent(pids []int) (float64, error) {
	if len(pids) == 0 {
		return 0, nil
	}
	args := []string{"-o", "pid=,%cpu=", "-p"}
	strs := make([]string, len(pids))
	for i, p := range pids {
		strs[i] = strconv.Itoa(p)
	}
	args = append(args, strings.Join(strs, ","))

	out, err := exec.Command("ps", args...).Output()
	if err != nil {
		// All processes may have exited between collection and sampling.
		return 0, nil
	}

	var total float64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			total += v
		}
	}
	return total, nil
}

// MaxGPUPercent returns the maximum GPU utilization across devices via
// nvidia-smi. Hosts without the tool report 0 and ok=false.
func MaxGPUPercent() (float64, bool) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, false
	}
	var max float64
	found := false
	for _, line := range strings.Split(string(bytes.TrimSpace(out)), "\n") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(line), 64); err == nil {
			found = true
			if v > max {
				max = v
			}
		}
	}
	return max, found
}
