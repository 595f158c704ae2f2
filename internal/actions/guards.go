package actions

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/coderelay/internal/procutil"
)

// pgrepPatternRe pulls the pattern out of a `pgrep -f <pattern>` occurrence.
var pgrepPatternRe = regexp.MustCompile(`pgrep\s+(?:-\w+\s+)*-f\s+(?:"([^"]+)"|'([^']+)'|(\S+))`)

var loopHintRe = regexp.MustCompile(`\b(while|until|for)\b`)

// WaitPatternRisk reports whether command polls `pgrep -f PATTERN` in a loop
// where PATTERN also matches the command's own text. Such a job can never
// observe the waited-for process exiting because it keeps matching itself.
func WaitPatternRisk(command string) (pattern string, risky bool) {
	if !loopHintRe.MatchString(command) {
		return "", false
	}
	for _, m := range pgrepPatternRe.FindAllStringSubmatch(command, -1) {
		p := m[1]
		if p == "" {
			p = m[2]
		}
		if p == "" {
			p = m[3]
		}
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			// pgrep treats the argument as an ERE; an invalid one will fail
			// at runtime anyway, so substring-match as a fallback.
			if strings.Contains(command, p) {
				return p, true
			}
			continue
		}
		if re.MatchString(command) {
			return p, true
		}
	}
	return "", false
}

// PreflightResult is the aggregated outcome of the preflight block.
type PreflightResult struct {
	Rejected bool
	Failures []string // human-readable, both warn and reject
}

// RunPreflight evaluates the checks in order. A failing check with
// onFail=warn is recorded and skipped; the default reject stops the launch.
func RunPreflight(ctx context.Context, checks []PreflightCheck, workdir string) PreflightResult {
	var res PreflightResult
	for _, c := range checks {
		msg := evalCheck(ctx, c, workdir)
		if msg == "" {
			continue
		}
		if c.OnFail == "warn" {
			res.Failures = append(res.Failures, "warning: "+msg)
			continue
		}
		res.Rejected = true
		res.Failures = append(res.Failures, msg)
	}
	return res
}

func evalCheck(ctx context.Context, c PreflightCheck, workdir string) string {
	switch {
	case c.PathExists != "":
		if _, err := os.Stat(c.PathExists); err != nil {
			return fmt.Sprintf("path %s does not exist", c.PathExists)
		}
	case c.CmdExitZero != "":
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		cmd := exec.CommandContext(cctx, "bash", "-lc", c.CmdExitZero)
		cmd.Dir = workdir
		if err := cmd.Run(); err != nil {
			return fmt.Sprintf("check command failed: %s (%v)", c.CmdExitZero, err)
		}
	case c.MinFreeDiskGB > 0:
		free, err := procutil.FreeDiskGB(workdir)
		if err != nil {
			return fmt.Sprintf("could not stat free disk for %s: %v", workdir, err)
		}
		if free < c.MinFreeDiskGB {
			return fmt.Sprintf("only %.1f GB free, need %.1f GB", free, c.MinFreeDiskGB)
		}
	}
	return ""
}
