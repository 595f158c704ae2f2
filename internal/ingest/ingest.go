// Package ingest downloads message attachments into the relay's upload area
// and prepares them for prompt injection.
package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/coderelay/internal/config"
	"github.com/nextlevelbuilder/coderelay/internal/transport"
)

// Saved describes one ingested attachment on disk.
type Saved struct {
	Name      string
	Path      string
	Size      int64
	Binary    bool
	Extracted []string // paths of zip entries, when extraction applied
}

// Ingester downloads attachments under root/<convKey>/<batch>/.
type Ingester struct {
	cfg    config.UploadsConfig
	root   string
	client *http.Client
}

// New creates an ingester writing under root.
func New(cfg config.UploadsConfig, root string) *Ingester {
	return &Ingester{
		cfg:    cfg,
		root:   root,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Root returns the upload root directory.
func (in *Ingester) Root() string { return in.root }

// Ingest downloads up to MaxFiles attachments, skipping oversized ones.
// notes explains every skip; a download error fails the whole batch.
func (in *Ingester) Ingest(ctx context.Context, convKey string, atts []transport.InboundAttachment) ([]Saved, []string, error) {
	if len(atts) == 0 {
		return nil, nil, nil
	}

	var notes []string
	if len(atts) > in.cfg.MaxFiles {
		notes = append(notes, fmt.Sprintf("only the first %d of %d attachments were ingested", in.cfg.MaxFiles, len(atts)))
		atts = atts[:in.cfg.MaxFiles]
	}

	batch := filepath.Join(in.root, sanitizeComponent(convKey), time.Now().UTC().Format("20060102-150405")+"-"+uuid.NewString()[:8])
	if err := os.MkdirAll(batch, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create upload dir: %w", err)
	}

	var saved []Saved
	for _, att := range atts {
		if att.Size > in.cfg.MaxBytes {
			notes = append(notes, fmt.Sprintf("skipped %s: %d bytes exceeds the %d byte limit", att.Filename, att.Size, in.cfg.MaxBytes))
			continue
		}
		s, err := in.download(ctx, batch, att)
		if err != nil {
			return saved, notes, fmt.Errorf("download %s: %w", att.Filename, err)
		}
		if in.cfg.ExtractZip && strings.EqualFold(filepath.Ext(s.Name), ".zip") {
			entries, zerr := in.extractZip(s.Path, batch)
			if zerr != nil {
				notes = append(notes, fmt.Sprintf("could not extract %s: %v", s.Name, zerr))
			} else {
				s.Extracted = entries
			}
		}
		saved = append(saved, s)
	}
	return saved, notes, nil
}

func (in *Ingester) download(ctx context.Context, dir string, att transport.InboundAttachment) (Saved, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return Saved{}, err
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return Saved{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Saved{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	name := sanitizeComponent(att.Filename)
	if name == "" {
		name = "attachment"
	}
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return Saved{}, err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, in.cfg.MaxBytes+1))
	cerr := f.Close()
	if err != nil {
		return Saved{}, err
	}
	if cerr != nil {
		return Saved{}, cerr
	}
	if n > in.cfg.MaxBytes {
		os.Remove(dst)
		return Saved{}, fmt.Errorf("body exceeds %d bytes", in.cfg.MaxBytes)
	}

	head := make([]byte, 512)
	hf, err := os.Open(dst)
	if err != nil {
		return Saved{}, err
	}
	hn, _ := io.ReadFull(hf, head)
	hf.Close()

	return Saved{
		Name:   name,
		Path:   dst,
		Size:   n,
		Binary: LooksBinary(head[:hn]),
	}, nil
}

// extractZip unpacks entries next to the archive, flattening paths and
// skipping anything that escapes the directory or exceeds the entry cap.
func (in *Ingester) extractZip(archive, dir string) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if int64(f.UncompressedSize64) > in.cfg.ZipEntryMax {
			continue
		}
		name := sanitizeComponent(filepath.Base(f.Name))
		if name == "" {
			continue
		}
		dst := filepath.Join(dir, name)
		rc, err := f.Open()
		if err != nil {
			return out, err
		}
		w, err := os.Create(dst)
		if err != nil {
			rc.Close()
			return out, err
		}
		_, err = io.Copy(w, io.LimitReader(rc, in.cfg.ZipEntryMax))
		rc.Close()
		w.Close()
		if err != nil {
			return out, err
		}
		out = append(out, dst)
	}
	return out, nil
}

// LooksBinary treats data as binary when NUL bytes appear or more than 30%
// of the sample is non-text control characters.
func LooksBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	control := 0
	for _, b := range data {
		if b == 0 {
			return true
		}
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			control++
		}
	}
	return control*10 > len(data)*3
}

// PromptBlock renders the ingested files as a prompt preamble: paths always,
// small text files inlined up to inlineMax characters each.
func PromptBlock(saved []Saved, inlineMax int) string {
	if len(saved) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("The user attached the following files:\n")
	for _, s := range saved {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", s.Path, s.Size)
		for _, e := range s.Extracted {
			fmt.Fprintf(&b, "  - extracted: %s\n", e)
		}
		if s.Binary || s.Size > int64(inlineMax) {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\nContents of %s:\n```\n%s\n```\n", s.Name, strings.TrimRight(string(data), "\n"))
	}
	return b.String()
}

func sanitizeComponent(s string) string {
	s = filepath.Base(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
