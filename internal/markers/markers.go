// Package markers extracts out-of-band markers from agent output.
//
// Agents communicate side-effect requests inside otherwise free text using a
// small fixed grammar: [[upload:<path>]], [[task:done]], [[task:blocked]],
// and fenced JSON blocks [[relay-actions]]…[[/relay-actions]] and
// [[research-decision]]…[[/research-decision]]. One tokenizer strips all of
// them and hands each kind to its own validator; stripping then re-embedding
// preserves the non-marker content.
package markers

import (
	"regexp"
	"strings"
)

// Marker kinds.
const (
	KindUpload           = "upload"
	KindRelayActions     = "relay-actions"
	KindResearchDecision = "research-decision"
	KindTaskDone         = "task:done"
	KindTaskBlocked      = "task:blocked"
)

// Marker is one extracted token.
type Marker struct {
	Kind    string
	Payload string // path for uploads, raw JSON for block markers, "" for task markers
}

var (
	uploadRe   = regexp.MustCompile(`\[\[upload:([^\]\n]+)\]\]`)
	taskDoneRe = regexp.MustCompile(`(?i)\[\[task:done\]\]`)
	taskBlockRe = regexp.MustCompile(`(?i)\[\[task:blocked\]\]`)
	actionsRe  = regexp.MustCompile(`(?is)\[\[relay-actions\]\](.*?)\[\[/relay-actions\]\]`)
	decisionRe = regexp.MustCompile(`(?is)\[\[research-decision\]\](.*?)\[\[/research-decision\]\]`)
)

// Extract tokenizes text and returns the cleaned text plus all markers in
// document order by kind grouping (blocks, uploads, task markers).
func Extract(text string) (string, []Marker) {
	var out []Marker
	clean := text

	clean = actionsRe.ReplaceAllStringFunc(clean, func(m string) string {
		sub := actionsRe.FindStringSubmatch(m)
		out = append(out, Marker{Kind: KindRelayActions, Payload: StripCodeFence(sub[1])})
		return ""
	})
	clean = decisionRe.ReplaceAllStringFunc(clean, func(m string) string {
		sub := decisionRe.FindStringSubmatch(m)
		out = append(out, Marker{Kind: KindResearchDecision, Payload: StripCodeFence(sub[1])})
		return ""
	})
	clean = uploadRe.ReplaceAllStringFunc(clean, func(m string) string {
		sub := uploadRe.FindStringSubmatch(m)
		out = append(out, Marker{Kind: KindUpload, Payload: strings.TrimSpace(sub[1])})
		return ""
	})
	if taskBlockRe.MatchString(clean) {
		out = append(out, Marker{Kind: KindTaskBlocked})
		clean = taskBlockRe.ReplaceAllString(clean, "")
	}
	if taskDoneRe.MatchString(clean) {
		out = append(out, Marker{Kind: KindTaskDone})
		clean = taskDoneRe.ReplaceAllString(clean, "")
	}

	return tidy(clean), out
}

// Task outcome values returned by TaskOutcome.
const (
	OutcomeDone    = "done"
	OutcomeBlocked = "blocked"
	OutcomeNone    = "none"
)

// TaskOutcome reads the task markers out of text. blocked wins over done when
// both are present (source-preserving precedence, see release notes).
func TaskOutcome(text string) (clean, outcome string) {
	clean, ms := Extract(text)
	outcome = OutcomeNone
	for _, m := range ms {
		switch m.Kind {
		case KindTaskBlocked:
			return clean, OutcomeBlocked
		case KindTaskDone:
			outcome = OutcomeDone
		}
	}
	return clean, outcome
}

// Uploads returns the cleaned text and the upload paths.
func Uploads(text string) (string, []string) {
	clean, ms := Extract(text)
	var paths []string
	for _, m := range ms {
		if m.Kind == KindUpload {
			paths = append(paths, m.Payload)
		}
	}
	return clean, paths
}

// RelayActionBlocks returns the cleaned text and the raw JSON payloads of all
// relay-action blocks.
func RelayActionBlocks(text string) (string, []string) {
	clean, ms := Extract(text)
	var blocks []string
	for _, m := range ms {
		if m.Kind == KindRelayActions {
			blocks = append(blocks, m.Payload)
		}
	}
	return clean, blocks
}

// ResearchDecisionBlock returns the single research-decision payload, or ""
// when absent. Multiple blocks return ok=false (the decision protocol is
// fail-closed).
func ResearchDecisionBlock(text string) (payload string, ok bool) {
	var blocks []string
	_, ms := Extract(text)
	for _, m := range ms {
		if m.Kind == KindResearchDecision {
			blocks = append(blocks, m.Payload)
		}
	}
	if len(blocks) != 1 {
		return "", false
	}
	return blocks[0], true
}

// StripCodeFence removes an optional markdown code fence around a JSON body.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop an optional language tag on the fence line
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "" || isFenceTag(first) {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) <= 10
}

// tidy collapses runs of 3+ newlines left behind by marker removal.
var blankRunRe = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	return strings.TrimSpace(blankRunRe.ReplaceAllString(s, "\n\n"))
}
