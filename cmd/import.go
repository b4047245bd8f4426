package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/config"
	"github.com/jlchulilla/libreborme/internal/entity"
	"github.com/jlchulilla/libreborme/internal/fetcher"
	"github.com/jlchulilla/libreborme/internal/importer"
	"github.com/jlchulilla/libreborme/internal/metrics"
	"github.com/jlchulilla/libreborme/internal/source"
	"github.com/jlchulilla/libreborme/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import BORME publications into the ledger",
	Long:  "Imports BORME section A publications: a range of days fetched from the BOE, document JSON files already on disk, or BORME PDFs run through the parser command.",
}

var (
	importFrom        string
	importTo          string
	importStrict      bool
	importLocalOnly   bool
	importWorkers     int
	importNoSnapshots bool
)

var importRangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Import every publication between two dates",
	Long:  "Imports each day from --from to --to inclusive. Dates are YYYY-MM-DD, \"init\" (first BORME) or \"today\".",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		now := time.Now()
		from, err := importer.ParseDate(importFrom, now)
		if err != nil {
			return err
		}
		to, err := importer.ParseDate(importTo, now)
		if err != nil {
			return err
		}

		env, err := initImportEnv(ctx, "import", prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer env.Close()

		r := env.rangeImporter(rangeFlags{
			strict:      importStrict || cfg.Borme.Strict,
			localOnly:   importLocalOnly,
			workers:     importWorkers,
			noSnapshots: importNoSnapshots,
		})

		stats, err := r.Run(ctx, from, to)
		formatStats(os.Stdout, stats)
		if err != nil {
			return eris.Wrap(err, "import range")
		}
		return nil
	},
}

var importFileCmd = &cobra.Command{
	Use:   "file <document.json>...",
	Short: "Import parsed document JSON files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initImportEnv(ctx, "import", prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer env.Close()

		imp := env.newImporter(zap.L(), uuid.NewString())

		var total importer.Stats
		failed := 0
		for _, path := range args {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := source.ReadDocument(path)
			if err != nil {
				zap.L().Error("import file: read failed", zap.String("path", path), zap.Error(err))
				failed++
				continue
			}
			stats, err := imp.ImportDocument(ctx, doc)
			total.Add(stats)
			if err != nil {
				zap.L().Error("import file: import failed", zap.String("path", path), zap.Error(err))
				failed++
			}
		}

		formatStats(os.Stdout, total)
		if failed > 0 {
			return eris.Errorf("import file: %d of %d documents failed", failed, len(args))
		}
		return nil
	},
}

var importPdfCmd = &cobra.Command{
	Use:   "pdf <file.pdf>...",
	Short: "Parse BORME PDFs and import them",
	Long:  "Runs each PDF through the configured parser command, imports the resulting document and, unless snapshots are disabled, writes its JSON snapshot.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initImportEnv(ctx, "import", prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer env.Close()

		bin, parserArgs := cfg.Borme.ParserArgs()
		parser := source.NewCommandParser(bin, parserArgs...)
		snapshots := source.NewSnapshots(cfg.Borme.JSONDir)
		imp := env.newImporter(zap.L(), uuid.NewString())

		var total importer.Stats
		failed := 0
		for _, path := range args {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := parser.Parse(ctx, path)
			if err != nil {
				zap.L().Error("import pdf: parse failed", zap.String("path", path), zap.Error(err))
				failed++
				continue
			}
			stats, err := imp.ImportDocument(ctx, doc)
			total.Add(stats)
			if err != nil {
				zap.L().Error("import pdf: import failed", zap.String("path", path), zap.Error(err))
				failed++
				continue
			}
			if cfg.Borme.Snapshots && !importNoSnapshots {
				if err := snapshots.Write(ctx, doc); err != nil {
					zap.L().Warn("import pdf: snapshot not written", zap.String("cve", doc.CVE), zap.Error(err))
				}
			}
		}

		formatStats(os.Stdout, total)
		if failed > 0 {
			return eris.Errorf("import pdf: %d of %d documents failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	f := importRangeCmd.Flags()
	f.StringVar(&importFrom, "from", "today", "first day to import (YYYY-MM-DD, init or today)")
	f.StringVar(&importTo, "to", "today", "last day to import (YYYY-MM-DD, init or today)")
	f.BoolVar(&importStrict, "strict", false, "abort on the first load or import failure")
	f.BoolVar(&importLocalOnly, "local-only", false, "never download; use snapshots and PDFs already on disk")
	f.IntVar(&importWorkers, "workers", 0, "documents imported concurrently per day (default from config)")
	f.BoolVar(&importNoSnapshots, "no-snapshots", false, "do not write document snapshots")

	importCmd.AddCommand(importRangeCmd)
	importCmd.AddCommand(importFileCmd)
	importPdfCmd.Flags().BoolVar(&importNoSnapshots, "no-snapshots", false, "do not write document snapshots")
	importCmd.AddCommand(importPdfCmd)
	rootCmd.AddCommand(importCmd)
}

// importEnv holds the store, locker and metrics shared by the import and
// serve commands.
type importEnv struct {
	Store   store.Store
	Locker  entity.Locker
	Metrics *metrics.Metrics
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *importEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initImportEnv validates cfg for mode, opens and migrates the store and
// sets up locking. Metrics are registered on reg (the default registerer
// when nil). Callers should defer env.Close().
func initImportEnv(ctx context.Context, mode string, reg prometheus.Registerer) (*importEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &importEnv{Store: st}
	env.closers = append(env.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	locker, closeLocker, err := initLocker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Locker = locker
	env.closers = append(env.closers, closeLocker)
	env.Metrics = metrics.New(reg)

	return env, nil
}

func (e *importEnv) newImporter(log *zap.Logger, runID string) *importer.Importer {
	return importer.New(e.Store,
		importer.WithLocker(e.Locker),
		importer.WithLogger(log),
		importer.WithMetrics(e.Metrics),
		importer.WithRunID(runID),
	)
}

type rangeFlags struct {
	strict      bool
	localOnly   bool
	workers     int
	noSnapshots bool
}

// rangeImporter wires the BOE fetcher, the document parser and the per-day
// log files into a RangeImporter.
func (e *importEnv) rangeImporter(flags rangeFlags) *importer.RangeImporter {
	boe := source.NewBOEFetcher(
		fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: cfg.Borme.UserAgent}),
		source.BOEOptions{
			SummaryURL: cfg.Borme.SummaryURL,
			BaseURL:    cfg.Borme.BaseURL,
			XMLDir:     cfg.Borme.XMLDir,
			PDFDir:     cfg.Borme.PDFDir,
		},
		zap.L(),
	)
	bin, args := cfg.Borme.ParserArgs()
	snapshots := source.NewSnapshots(cfg.Borme.JSONDir)
	loader := source.NewLoader(boe, source.NewCommandParser(bin, args...), snapshots,
		source.LoaderOptions{Section: cfg.Borme.Section, LocalOnly: flags.localOnly}, zap.L())

	workers := flags.workers
	if workers <= 0 {
		workers = cfg.Borme.Workers
	}
	opts := importer.RangeOptions{
		Workers: workers,
		Strict:  flags.strict,
		Locker:  e.Locker,
		LogSink: func(date time.Time) (*zap.Logger, func(), error) {
			return config.DayLogger(zap.L(), cfg.Log.ImportDir, date)
		},
	}
	if cfg.Borme.Snapshots && !flags.noSnapshots {
		opts.Snapshots = snapshots
	}
	return importer.NewRangeImporter(loader, e.Store, opts, zap.L(), e.Metrics)
}

// formatStats writes the counters of an import run as a two-column table.
func formatStats(out io.Writer, s importer.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		value int
	}{
		{"documents", s.TotalDocuments},
		{"announcements", s.TotalAnnouncements},
		{"companies", s.TotalCompanies},
		{"companies created", s.CreatedCompanies},
		{"persons", s.TotalPersons},
		{"persons created", s.CreatedPersons},
		{"gazettes created", s.CreatedDocuments},
		{"announcements created", s.CreatedAnnouncements},
		{"errors", s.Errors},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", r.name, r.value)
	}
	_ = w.Flush()
}
