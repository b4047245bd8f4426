package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jlchulilla/libreborme/internal/model"
	"github.com/jlchulilla/libreborme/internal/store"
)

var (
	statusPending bool
	statusLimit   int
)

var importStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document import logs",
	Long:  "Lists the import log of each gazette document, most recently updated first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		logs, err := st.ListImportLogs(ctx, store.ImportLogFilter{Pending: statusPending, Limit: statusLimit})
		if err != nil {
			return eris.Wrap(err, "import status")
		}

		if len(logs) == 0 {
			zap.L().Info("no import logs found, run 'import range' to start importing")
			return nil
		}

		formatImportLogs(os.Stdout, logs)
		return nil
	},
}

func init() {
	importStatusCmd.Flags().BoolVar(&statusPending, "pending", false, "only show documents not fully parsed")
	importStatusCmd.Flags().IntVar(&statusLimit, "limit", 100, "maximum number of logs to show")
	importCmd.AddCommand(importStatusCmd)
}

// formatImportLogs writes a tabular representation of import logs to out.
func formatImportLogs(out io.Writer, logs []model.ImportLog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CVE\tPARSED\tERRORS\tPARSED AT\tRUN\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "---\t------\t------\t---------\t---\t----------")

	for _, l := range logs {
		parsedAt := "-"
		if l.ParsedAt != nil {
			parsedAt = l.ParsedAt.Format("2006-01-02 15:04")
		}
		run := "-"
		if l.RunID != "" {
			run = truncate(l.RunID, 8)
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\t%s\n",
			l.CVE,
			l.Parsed,
			l.Errors,
			parsedAt,
			run,
			truncate(l.LastError, 60),
		)
	}
	_ = w.Flush()
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
