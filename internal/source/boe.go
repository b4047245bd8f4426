// Package source fetches BORME publications from the BOE and turns them into
// parsed documents for the importer.
package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/fetcher"
)

// ErrNotAvailable is returned when no BORME was published for a date.
var ErrNotAvailable = eris.New("source: borme not available")

// SectionA is the "Actos inscritos" section, the one carrying officer changes.
const SectionA = "A"

const (
	defaultSummaryURL = "https://www.boe.es/diario_borme/xml.php?id=%s"
	defaultBaseURL    = "https://www.boe.es"
	summaryDateLayout = "02/01/2006"
	indexSuffix       = "-99"
)

// Summary is the daily BORME index.
type Summary struct {
	ID       string
	Date     time.Time
	Previous time.Time
	Next     time.Time
	Items    []Item
}

// Item is one publication listed in the summary.
type Item struct {
	CVE      string
	Section  string
	Province string
	URL      string
}

// Final reports whether the summary already names the next publication
// date. Summaries fetched on the day itself lack it and must be refreshed.
func (s *Summary) Final() bool {
	return !s.Next.IsZero()
}

// Section returns the items in the given section, without the provincial
// index publications.
func (s *Summary) Section(section string) []Item {
	var out []Item
	for _, it := range s.Items {
		if it.Section != section || strings.HasSuffix(it.CVE, indexSuffix) {
			continue
		}
		out = append(out, it)
	}
	return out
}

type summaryXML struct {
	XMLName xml.Name
	Meta    struct {
		Fecha    string `xml:"fecha"`
		FechaAnt string `xml:"fechaAnt"`
		FechaSig string `xml:"fechaSig"`
	} `xml:"meta"`
	Diario []struct {
		Sumario struct {
			ID string `xml:"id,attr"`
		} `xml:"sumario_nbo"`
		Seccion []struct {
			Num    string `xml:"num,attr"`
			Emisor []struct {
				Nombre string `xml:"nombre,attr"`
				Item   []struct {
					ID     string `xml:"id,attr"`
					Titulo string `xml:"titulo"`
					URLPdf string `xml:"urlPdf"`
				} `xml:"item"`
			} `xml:"emisor"`
		} `xml:"seccion"`
	} `xml:"diario"`
}

// ParseSummary decodes a BOE summary XML. An <error> document, which the BOE
// serves for dates without publication, maps to ErrNotAvailable.
func ParseSummary(r io.Reader, base string) (*Summary, error) {
	var raw summaryXML
	if err := fetcher.DecodeXML(r, &raw); err != nil {
		return nil, eris.Wrap(err, "source: parse summary")
	}
	switch raw.XMLName.Local {
	case "sumario":
	case "error":
		return nil, ErrNotAvailable
	default:
		return nil, eris.Errorf("source: unexpected summary root <%s>", raw.XMLName.Local)
	}

	date, err := parseSummaryDate(raw.Meta.Fecha)
	if err != nil {
		return nil, err
	}
	prev, err := parseSummaryDate(raw.Meta.FechaAnt)
	if err != nil {
		return nil, err
	}
	next, err := parseSummaryDate(raw.Meta.FechaSig)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, eris.New("source: summary has no date")
	}

	s := &Summary{Date: date, Previous: prev, Next: next}
	for _, d := range raw.Diario {
		if s.ID == "" {
			s.ID = d.Sumario.ID
		}
		for _, sec := range d.Seccion {
			for _, em := range sec.Emisor {
				for _, it := range em.Item {
					province := strings.TrimSpace(it.Titulo)
					if province == "" {
						province = strings.TrimSpace(em.Nombre)
					}
					s.Items = append(s.Items, Item{
						CVE:      strings.TrimSpace(it.ID),
						Section:  sec.Num,
						Province: province,
						URL:      resolveURL(base, strings.TrimSpace(it.URLPdf)),
					})
				}
			}
		}
	}
	return s, nil
}

func parseSummaryDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(summaryDateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "source: summary date %q", s)
	}
	return t, nil
}

func resolveURL(base, ref string) string {
	if ref == "" || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// SummaryID is the BOE identifier of the summary for date.
func SummaryID(date time.Time) string {
	return "BORME-S-" + date.Format("20060102")
}

// BOEOptions configures a BOEFetcher.
type BOEOptions struct {
	// SummaryURL is a format string receiving the summary id.
	SummaryURL string
	// BaseURL resolves the relative PDF links of the summary.
	BaseURL string
	// XMLDir caches summaries as XMLDir/YYYY/MM/BORME-S-YYYYMMDD.xml.
	XMLDir string
	// PDFDir stores publications as PDFDir/YYYY/MM/DD/CVE.pdf.
	PDFDir string
}

// BOEFetcher downloads BORME summaries and PDFs.
type BOEFetcher struct {
	fetcher fetcher.Fetcher
	opts    BOEOptions
	log     *zap.Logger
}

// NewBOEFetcher creates a BOEFetcher.
func NewBOEFetcher(f fetcher.Fetcher, opts BOEOptions, log *zap.Logger) *BOEFetcher {
	if opts.SummaryURL == "" {
		opts.SummaryURL = defaultSummaryURL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BOEFetcher{fetcher: f, opts: opts, log: log}
}

// SummaryPath is where the summary for date is cached.
func (b *BOEFetcher) SummaryPath(date time.Time) string {
	return filepath.Join(b.opts.XMLDir, date.Format("2006"), date.Format("01"), SummaryID(date)+".xml")
}

// PDFPath is where the publication cve of date is stored.
func (b *BOEFetcher) PDFPath(date time.Time, cve string) string {
	return filepath.Join(dayDir(b.opts.PDFDir, date), cve+".pdf")
}

// Summary returns the summary for date. A cached summary is reused only when
// final; otherwise it is fetched again and the cache replaced.
func (b *BOEFetcher) Summary(ctx context.Context, date time.Time) (*Summary, error) {
	if b.opts.XMLDir != "" {
		if s, err := b.cachedSummary(date); err == nil && s.Final() {
			return s, nil
		}
	}

	id := SummaryID(date)
	body, err := b.fetcher.Download(ctx, fmt.Sprintf(b.opts.SummaryURL, id))
	if err != nil {
		if errors.Is(err, fetcher.ErrNotFound) {
			return nil, ErrNotAvailable
		}
		return nil, eris.Wrapf(err, "source: fetch summary %s", id)
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read summary %s", id)
	}
	s, err := ParseSummary(bytes.NewReader(data), b.opts.BaseURL)
	if err != nil {
		return nil, err
	}

	if b.opts.XMLDir != "" {
		if err := writeFileAtomic(b.SummaryPath(date), data); err != nil {
			return nil, eris.Wrapf(err, "source: cache summary %s", id)
		}
	}
	b.log.Debug("source: fetched summary",
		zap.String("id", id),
		zap.Int("items", len(s.Items)),
		zap.Bool("final", s.Final()),
	)
	return s, nil
}

func (b *BOEFetcher) cachedSummary(date time.Time) (*Summary, error) {
	f, err := os.Open(b.SummaryPath(date))
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return ParseSummary(f, b.opts.BaseURL)
}

// DownloadPDF stores the publication PDF unless it is already on disk and
// returns its path.
func (b *BOEFetcher) DownloadPDF(ctx context.Context, date time.Time, item Item) (string, error) {
	path := b.PDFPath(date, item.CVE)
	if fileExists(path) {
		return path, nil
	}
	n, err := b.fetcher.DownloadToFile(ctx, item.URL, path)
	if err != nil {
		if errors.Is(err, fetcher.ErrNotFound) {
			return "", eris.Wrapf(ErrNotAvailable, "source: pdf %s", item.CVE)
		}
		return "", eris.Wrapf(err, "source: download pdf %s", item.CVE)
	}
	b.log.Debug("source: downloaded pdf", zap.String("cve", item.CVE), zap.Int64("bytes", n))
	return path, nil
}

func dayDir(root string, date time.Time) string {
	return filepath.Join(root, date.Format("2006"), date.Format("01"), date.Format("02"))
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
