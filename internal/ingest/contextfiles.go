package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/coderelay/internal/config"
)

// ContextSource renders the configured extra context files into a bootstrap
// block and tracks a version that bumps whenever a watched file changes.
// Sessions compare their recorded version against Version to decide whether
// the block must be re-injected.
type ContextSource struct {
	cfg config.ContextConfig

	mu      sync.Mutex
	version int
}

// NewContextSource starts at version 1 so fresh sessions (version 0) always
// inject once.
func NewContextSource(cfg config.ContextConfig) *ContextSource {
	return &ContextSource{cfg: cfg, version: 1}
}

// Version returns the current context version.
func (c *ContextSource) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Bump invalidates every session's injected context.
func (c *ContextSource) Bump() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	return c.version
}

// Render reads all configured files and returns the bootstrap block, or ""
// when nothing is configured. Unreadable files are noted inline rather than
// failing the run.
func (c *ContextSource) Render() string {
	if len(c.cfg.Files) == 0 {
		return ""
	}
	var b strings.Builder
	total := 0
	for _, cf := range c.cfg.Files {
		data, err := os.ReadFile(cf.Path)
		if err != nil {
			fmt.Fprintf(&b, "Context file %s is unavailable: %v\n\n", cf.Path, err)
			continue
		}
		body := TruncateMode(string(data), cf.Mode, c.cfg.PerFileChars)
		if total+len(body) > c.cfg.TotalChars {
			remaining := c.cfg.TotalChars - total
			if remaining <= 0 {
				break
			}
			body = TruncateMode(body, "head", remaining)
		}
		total += len(body)
		fmt.Fprintf(&b, "Context from %s:\n%s\n\n", cf.Path, body)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Watch bumps the version when any configured context file changes. Blocks
// until ctx is done; no-op when watching is disabled or nothing configured.
func (c *ContextSource) Watch(ctx context.Context) error {
	if !c.cfg.Watch || len(c.cfg.Files) == 0 {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create context watcher: %w", err)
	}
	defer w.Close()

	for _, cf := range c.cfg.Files {
		if err := w.Add(cf.Path); err != nil {
			slog.Warn("context watch failed", "path", cf.Path, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				v := c.Bump()
				slog.Info("context file changed", "path", ev.Name, "version", v)
				// Editors often replace the file; re-add so we keep watching.
				if ev.Op&fsnotify.Rename != 0 {
					_ = w.Add(ev.Name)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("context watcher error", "error", err)
		}
	}
}

// TruncateMode bounds s to max characters using one of three strategies:
// "head" keeps the start, "tail" the end, "headtail" half of each around an
// elision marker. Unknown modes fall back to head.
func TruncateMode(s, mode string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "\n…[truncated]…\n"
	switch mode {
	case "tail":
		return s[len(s)-max:]
	case "headtail":
		if max <= len(marker) {
			return s[:max]
		}
		half := (max - len(marker)) / 2
		return s[:half] + marker + s[len(s)-half:]
	default:
		return s[:max]
	}
}
