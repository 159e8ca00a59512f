package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/catalog"
	"github.com/sells-group/segment-cli/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export the assignments of a run to CSV or XLSX",
	Long:  "Writes one row per product with its initial, refined and final segment. The format follows the --out extension; without --out, CSV goes to stdout.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Titles are optional; a missing catalog only leaves them blank.
		var products catalog.Catalog
		catalogPath, _ := cmd.Flags().GetString("catalog")
		if catalogPath != "" || cfg.Catalog.Path != "" || cfg.Catalog.Driver == "postgres" {
			if products, err = initCatalog(ctx, st, catalogPath); err != nil {
				zap.L().Warn("catalog unavailable, exporting without titles", zap.Error(err))
				products = nil
			}
		}

		report, err := export.Build(ctx, st, args[0], products)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return report.WriteCSV(os.Stdout)
		}

		format, err := export.Format(out)
		if err != nil {
			return err
		}
		switch format {
		case "xlsx":
			err = report.WriteXLSX(out)
		default:
			err = writeCSVFile(out, report)
		}
		if err != nil {
			return err
		}
		zap.L().Info("run exported", zap.String("run_id", args[0]), zap.String("path", out), zap.Int("rows", len(report.Rows)))
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output file (.csv or .xlsx)")
	exportCmd.Flags().String("catalog", "", "product catalog for titles; overrides catalog.path")
	rootCmd.AddCommand(exportCmd)
}

func writeCSVFile(path string, report *export.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := report.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}
