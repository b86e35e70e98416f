package worker

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/taskmux/taskmux/cmd"
)

// processUsage samples CPU and memory for a pid and its direct children via
// ps and pgrep. Workers run their real workload in a child of the pane shell,
// so the parent alone would under-report.
func processUsage(cmdExec cmd.Executor, pid int) (Resources, error) {
	pids := []int{pid}

	childOut, err := cmdExec.Output(exec.Command("pgrep", "-P", strconv.Itoa(pid)))
	if err == nil {
		for _, field := range strings.Fields(string(childOut)) {
			if child, err := strconv.Atoi(field); err == nil {
				pids = append(pids, child)
			}
		}
	}

	var cpu, rssKB float64
	for _, p := range pids {
		out, err := cmdExec.Output(exec.Command("ps", "-p", strconv.Itoa(p), "-o", "%cpu=,rss="))
		if err != nil {
			// The process may have exited between pgrep and ps.
			continue
		}
		fields := strings.Fields(string(out))
		if len(fields) < 2 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			cpu += v
		}
		if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
			rssKB += v
		}
	}

	return Resources{CPUPercent: cpu, MemoryMB: rssKB / 1024}, nil
}
