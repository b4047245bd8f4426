package importer

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/metrics"
	"github.com/jlchulilla/libreborme/internal/model"
	"github.com/jlchulilla/libreborme/internal/source"
	"github.com/jlchulilla/libreborme/internal/store"
)

// FirstBORME is the date of the first BORME published in electronic form.
var FirstBORME = time.Date(2009, 1, 2, 0, 0, 0, 0, time.UTC)

// ErrStrictAbort is returned when strict mode stops a range on a failure.
var ErrStrictAbort = eris.New("importer: strict mode abort")

// DayLoader provides the parsed documents of a publication date.
// source.ErrNotAvailable means nothing was published that day.
type DayLoader interface {
	Load(ctx context.Context, date time.Time) (*source.Day, error)
}

// SnapshotWriter persists an imported document for later replay.
type SnapshotWriter interface {
	Write(ctx context.Context, doc *model.Document) error
}

// LogSinkFunc returns the logger for one day of a range and a func that
// closes it.
type LogSinkFunc func(date time.Time) (*zap.Logger, func(), error)

// RangeOptions configures a RangeImporter.
type RangeOptions struct {
	// Workers is the number of documents of a day imported concurrently.
	Workers int
	// Strict aborts the range on the first load or import failure.
	Strict bool
	// Snapshots, if set, receives every successfully imported document.
	Snapshots SnapshotWriter
	// LogSink, if set, scopes logging to one destination per day.
	LogSink LogSinkFunc
	// Locker is shared by all documents; defaults to a KeyMutex.
	Locker entity.Locker
}

// RangeImporter imports every publication in a closed date range.
type RangeImporter struct {
	loader  DayLoader
	store   store.Store
	opts    RangeOptions
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewRangeImporter creates a RangeImporter.
func NewRangeImporter(loader DayLoader, st store.Store, opts RangeOptions, log *zap.Logger, m *metrics.Metrics) *RangeImporter {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Locker == nil {
		opts.Locker = entity.NewKeyMutex()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RangeImporter{loader: loader, store: st, opts: opts, log: log, metrics: m}
}

// Run imports each calendar day from..to inclusive and returns the
// accumulated stats. Cancelling ctx stops the range between documents; the
// stats so far are returned with the context error.
func (r *RangeImporter) Run(ctx context.Context, from, to time.Time) (Stats, error) {
	from, to = model.Day(from), model.Day(to)
	if from.After(to) {
		return Stats{}, eris.Errorf("importer: range start %s is after end %s",
			from.Format(model.DateLayout), to.Format(model.DateLayout))
	}

	runID := uuid.NewString()
	log := r.log.With(zap.String("run_id", runID))
	log.Info("importer: range import started",
		zap.String("from", from.Format(model.DateLayout)),
		zap.String("to", to.Format(model.DateLayout)),
		zap.Int("workers", r.opts.Workers),
		zap.Bool("strict", r.opts.Strict),
	)

	start := time.Now()
	var total Stats
	var err error
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err = ctx.Err(); err != nil {
			break
		}
		var st Stats
		st, err = r.runDay(ctx, day, runID)
		total.Add(st)
		if err != nil {
			break
		}
	}

	fields := append(total.Fields(), zap.Duration("elapsed", time.Since(start)))
	switch {
	case err == nil:
		log.Info("importer: range import complete", fields...)
	case ctx.Err() != nil:
		log.Info("importer: range import interrupted", fields...)
	default:
		log.Error("importer: range import aborted", append(fields, zap.Error(err))...)
	}
	return total, err
}

func (r *RangeImporter) runDay(ctx context.Context, day time.Time, runID string) (Stats, error) {
	log, closeSink := r.dayLogger(day)
	defer closeSink()
	log = log.With(zap.String("run_id", runID), zap.String("date", day.Format(model.DateLayout)))

	var stats Stats
	loaded, err := r.loader.Load(ctx, day)
	if errors.Is(err, source.ErrNotAvailable) {
		log.Info("importer: no borme published")
		return stats, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}
		log.Error("importer: load failed", zap.Error(err))
		stats.Errors++
		if r.opts.Strict {
			return stats, r.abort(err, "load %s", day.Format(model.DateLayout))
		}
		return stats, nil
	}

	for _, f := range loaded.Failures {
		log.Error("importer: publication unavailable", zap.String("cve", f.CVE), zap.String("path", f.Path), zap.Error(f.Err))
		stats.Errors++
		if r.opts.Strict {
			return stats, r.abort(f, "load %s", f.CVE)
		}
	}

	docs := slices.Clone(loaded.Documents)
	slices.SortFunc(docs, func(a, b *model.Document) int { return strings.Compare(a.CVE, b.CVE) })
	log.Info("importer: importing day", zap.Int("documents", len(docs)))

	imp := New(r.store,
		WithLocker(r.opts.Locker),
		WithLogger(log),
		WithMetrics(r.metrics),
		WithRunID(runID),
	)

	if r.opts.Workers == 1 || len(docs) < 2 {
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			st, err := r.importOne(ctx, imp, doc, log)
			stats.Add(st)
			if err != nil {
				return stats, err
			}
		}
		return stats, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, doc := range docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st, err := r.importOne(gctx, imp, doc, log)
			mu.Lock()
			stats.Add(st)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

// importOne imports doc and writes its snapshot. Only a strict-mode abort is
// returned as an error; other failures are counted.
func (r *RangeImporter) importOne(ctx context.Context, imp *Importer, doc *model.Document, log *zap.Logger) (Stats, error) {
	start := time.Now()
	st, err := imp.ImportDocument(ctx, doc)
	if err != nil {
		log.Error("importer: document failed", zap.String("cve", doc.CVE), zap.String("path", doc.Filename), zap.Error(err))
		st.Errors++
		if r.opts.Strict {
			return st, r.abort(err, "import %s", doc.CVE)
		}
		return st, nil
	}

	if r.opts.Snapshots != nil {
		if err := r.opts.Snapshots.Write(ctx, doc); err != nil {
			log.Warn("importer: snapshot failed", zap.String("cve", doc.CVE), zap.Error(err))
		}
	}
	if !st.IsZero() {
		log.Info("importer: document summary",
			append(st.Fields(), zap.String("cve", doc.CVE), zap.Duration("elapsed", time.Since(start)))...)
	}
	return st, nil
}

func (r *RangeImporter) abort(cause error, format string, args ...any) error {
	return eris.Wrapf(errors.Join(ErrStrictAbort, cause), "importer: "+format, args...)
}

func (r *RangeImporter) dayLogger(day time.Time) (*zap.Logger, func()) {
	if r.opts.LogSink == nil {
		return r.log, func() {}
	}
	log, closer, err := r.opts.LogSink(day)
	if err != nil {
		r.log.Warn("importer: day log unavailable", zap.String("date", day.Format(model.DateLayout)), zap.Error(err))
		return r.log, func() {}
	}
	if closer == nil {
		closer = func() {}
	}
	return log, closer
}

// ParseDate reads a range bound: "init" is FirstBORME, "today" is the
// current date, anything else must be YYYY-MM-DD.
func ParseDate(s string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "init":
		return FirstBORME, nil
	case "today":
		return model.Day(now), nil
	}
	t, err := time.Parse(model.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "importer: invalid date %q", s)
	}
	return t, nil
}
