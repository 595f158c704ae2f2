package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// exp implements the /exp experiment helpers over the bound research
// project: launch an experiment through the manager, query the registry for
// the best run, or request a report refresh.
func (h *Handler) exp(ctx context.Context, in transport.Inbound, rest string, reply func(string, ...any)) {
	sub, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(sub) {
	case "run":
		tid, params, _ := strings.Cut(arg, " ")
		if tid == "" {
			reply("usage: /exp run <template-id> k=v ...")
			return
		}
		note := fmt.Sprintf("Run experiment %s now", tid)
		if kv := parseKV(params); len(kv) > 0 {
			note += " with parameters " + renderKV(kv)
		}
		note += ". Launch it as a research job and record metrics.json in the run directory."
		if err := h.research.Note(in.ConvKey, note); err != nil {
			reply("%v", err)
			return
		}
		go h.stepNow(in, true)
		reply("Experiment %s requested; the manager is stepping now.", tid)
	case "best":
		kv := parseKV(arg)
		metric := kv["metric"]
		if metric == "" {
			reply("usage: /exp best metric=<name> [order=max|min]")
			return
		}
		reply("%s", h.bestRun(in.ConvKey, metric, kv["order"]))
	case "report":
		note := "Refresh the rolling report: summarize all registry runs and current conclusions."
		if kv := parseKV(arg); len(kv) > 0 {
			note += " Focus: " + renderKV(kv)
		}
		if err := h.research.Note(in.ConvKey, note); err != nil {
			reply("%v", err)
			return
		}
		go h.stepNow(in, true)
		reply("Report refresh requested.")
	default:
		reply("usage: /exp {run <tid> k=v ... | best k=v ... | report k=v ...}")
	}
}

// bestRun scans the registry for the run with the best value of metric.
func (h *Handler) bestRun(convKey, metric, order string) string {
	root, err := h.research.ProjectRoot(convKey)
	if err != nil {
		return err.Error()
	}
	data, err := os.ReadFile(filepath.Join(root, "exp", "registry.jsonl"))
	if err != nil {
		return "no registry yet"
	}

	max := order != "min"
	var bestID string
	var bestVal float64
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var row struct {
			RunID   string             `json:"runId"`
			Status  string             `json:"status"`
			Metrics map[string]float64 `json:"metrics"`
		}
		if json.Unmarshal([]byte(line), &row) != nil || row.Status == "invalid" {
			continue
		}
		v, ok := row.Metrics[metric]
		if !ok {
			continue
		}
		if !found || (max && v > bestVal) || (!max && v < bestVal) {
			found = true
			bestID = row.RunID
			bestVal = v
		}
	}
	if !found {
		return fmt.Sprintf("no run in the registry reports %q", metric)
	}
	return fmt.Sprintf("Best run: %s with %s=%g (%s)", bestID, metric, bestVal,
		filepath.Join(root, "exp", "results", bestID))
}

func parseKV(s string) map[string]string {
	kv := map[string]string{}
	for _, f := range strings.Fields(s) {
		if k, v, ok := strings.Cut(f, "="); ok && k != "" {
			kv[k] = v
		}
	}
	return kv
}

func renderKV(kv map[string]string) string {
	parts := make([]string, 0, len(kv))
	for k, v := range kv {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
