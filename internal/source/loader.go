package source

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/model"
)

// Day is everything loaded for one publication date.
type Day struct {
	Date      time.Time
	Documents []*model.Document
	Failures  []Failure
}

// Failure is a publication of the day that could not be turned into a
// document.
type Failure struct {
	CVE  string
	Path string
	Err  error
}

func (f Failure) Error() string {
	return f.CVE + ": " + f.Err.Error()
}

func (f Failure) Unwrap() error {
	return f.Err
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Section string
	// LocalOnly never downloads publications: snapshots are used first, then
	// PDFs already on disk.
	LocalOnly bool
}

// Loader assembles the documents of a day from the BOE summary.
type Loader struct {
	boe       *BOEFetcher
	parser    Parser
	snapshots *Snapshots
	opts      LoaderOptions
	log       *zap.Logger
}

// NewLoader creates a Loader. snapshots may be nil.
func NewLoader(boe *BOEFetcher, parser Parser, snapshots *Snapshots, opts LoaderOptions, log *zap.Logger) *Loader {
	if opts.Section == "" {
		opts.Section = SectionA
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{boe: boe, parser: parser, snapshots: snapshots, opts: opts, log: log}
}

// Load returns the parsed documents published on date. ErrNotAvailable means
// there was no BORME that day.
func (l *Loader) Load(ctx context.Context, date time.Time) (*Day, error) {
	summary, err := l.boe.Summary(ctx, date)
	if err != nil {
		return nil, err
	}
	day := &Day{Date: summary.Date}
	for _, item := range summary.Section(l.opts.Section) {
		if err := ctx.Err(); err != nil {
			return day, err
		}
		doc, path, err := l.loadItem(ctx, summary.Date, item)
		if err != nil {
			l.log.Error("source: load publication failed",
				zap.String("cve", item.CVE),
				zap.String("path", path),
				zap.Error(err),
			)
			day.Failures = append(day.Failures, Failure{CVE: item.CVE, Path: path, Err: err})
			continue
		}
		l.log.Info("source: loaded publication", zap.String("cve", item.CVE), zap.String("path", path))
		fillFromItem(doc, summary.Date, item)
		day.Documents = append(day.Documents, doc)
	}
	return day, nil
}

func (l *Loader) loadItem(ctx context.Context, date time.Time, item Item) (*model.Document, string, error) {
	if l.opts.LocalOnly {
		if l.snapshots != nil && l.snapshots.Exists(date, item.CVE) {
			path := l.snapshots.Path(date, item.CVE)
			doc, err := l.snapshots.Parse(ctx, path)
			return doc, path, err
		}
		path := l.boe.PDFPath(date, item.CVE)
		if !fileExists(path) {
			return nil, path, eris.Errorf("source: no snapshot or pdf for %s", item.CVE)
		}
		doc, err := l.parser.Parse(ctx, path)
		return doc, path, err
	}

	path, err := l.boe.DownloadPDF(ctx, date, item)
	if err != nil {
		if errors.Is(err, ErrNotAvailable) {
			return nil, path, eris.Wrapf(err, "source: pdf listed but missing")
		}
		return nil, path, err
	}
	doc, err := l.parser.Parse(ctx, path)
	return doc, path, err
}

// fillFromItem completes fields a parser may leave empty.
func fillFromItem(doc *model.Document, date time.Time, item Item) {
	if doc.CVE == "" {
		doc.CVE = item.CVE
	}
	if doc.Date.IsZero() {
		doc.Date = date
	}
	if doc.URL == "" {
		doc.URL = item.URL
	}
	if doc.Province == "" {
		doc.Province = item.Province
	}
	if doc.Section == "" {
		doc.Section = item.Section
	}
}
