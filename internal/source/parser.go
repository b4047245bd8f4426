package source

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jlchulilla/libreborme/internal/model"
)

// Parser turns a stored publication into a Document.
type Parser interface {
	Parse(ctx context.Context, path string) (*model.Document, error)
}

// CommandParser runs an external BORME parser on a PDF and decodes the
// document JSON it writes to stdout.
type CommandParser struct {
	binPath string
	args    []string
}

// NewCommandParser creates a CommandParser. The PDF path is appended after
// args.
func NewCommandParser(binPath string, args ...string) *CommandParser {
	return &CommandParser{binPath: binPath, args: args}
}

// Parse implements Parser.
func (p *CommandParser) Parse(ctx context.Context, path string) (*model.Document, error) {
	if p.binPath == "" {
		return nil, eris.New("source: no parser command configured")
	}
	args := append(append([]string{}, p.args...), path)
	cmd := exec.CommandContext(ctx, p.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "source: parser failed for %s: %s", path, stderr.String())
	}

	var doc model.Document
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, eris.Wrapf(err, "source: decode parser output for %s", path)
	}
	if doc.Filename == "" {
		doc.Filename = path
	}
	return &doc, nil
}

// Snapshots stores parsed documents as JSON under Dir/YYYY/MM/DD/CVE.json.
// Importing from snapshots skips the PDF parser entirely.
type Snapshots struct {
	Dir string
}

// NewSnapshots creates a snapshot store rooted at dir.
func NewSnapshots(dir string) *Snapshots {
	return &Snapshots{Dir: dir}
}

// Path is the snapshot location for cve published on date.
func (s *Snapshots) Path(date time.Time, cve string) string {
	return filepath.Join(dayDir(s.Dir, date), cve+".json")
}

// Exists reports whether a snapshot for cve is on disk.
func (s *Snapshots) Exists(date time.Time, cve string) bool {
	return fileExists(s.Path(date, cve))
}

// Write persists doc, replacing any previous snapshot.
func (s *Snapshots) Write(_ context.Context, doc *model.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "source: encode snapshot %s", doc.CVE)
	}
	if err := writeFileAtomic(s.Path(doc.Date, doc.CVE), data); err != nil {
		return eris.Wrapf(err, "source: write snapshot %s", doc.CVE)
	}
	return nil
}

// Parse implements Parser by reading a snapshot file.
func (s *Snapshots) Parse(_ context.Context, path string) (*model.Document, error) {
	return ReadDocument(path)
}

// ReadDocument decodes a document JSON file.
func ReadDocument(path string) (*model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "source: decode %s", path)
	}
	if doc.Filename == "" {
		doc.Filename = path
	}
	return &doc, nil
}
