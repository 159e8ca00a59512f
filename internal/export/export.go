// Package export writes the assignments of a run as CSV or XLSX.
package export

import (
	"context"
	"encoding/csv"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/catalog"
	"github.com/sells-group/segment-cli/internal/model"
)

// Source is the read side of the store used by Build.
type Source interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListTaxonomies(ctx context.Context, runID string) ([]model.Taxonomy, error)
	ListAssignments(ctx context.Context, runID string) ([]model.Assignment, error)
}

// Header is the column order of every export.
var Header = []string{"position", "product_id", "title", "initial_segment", "refined_segment", "segment"}

// Row is one exported product.
type Row struct {
	Position  int
	ProductID string
	Title     string
	Initial   string
	Refined   string
	// Segment is the final taxonomy carrying the effective assignment's
	// name, or that name itself when no final taxonomy matches.
	Segment string
}

func (r Row) strings() []string {
	return []string{strconv.Itoa(r.Position), r.ProductID, r.Title, r.Initial, r.Refined, r.Segment}
}

// Report is a run and its exported rows in submission order.
type Report struct {
	Run  *model.Run
	Rows []Row
}

// Build joins a run's assignments with taxonomy names. products is optional
// and only supplies titles.
func Build(ctx context.Context, src Source, runID string, products catalog.Catalog) (*Report, error) {
	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "export: load run")
	}
	taxonomies, err := src.ListTaxonomies(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "export: list taxonomies")
	}
	assignments, err := src.ListAssignments(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "export: list assignments")
	}

	names := make(map[string]string, len(taxonomies))
	final := make(map[string]string)
	for _, t := range taxonomies {
		names[t.ID] = t.Name
		if t.Stage == model.TaxonomyStageFinal {
			final[model.NormalizeName(t.Name)] = t.Name
		}
	}

	titles := make(map[string]string)
	if products != nil && len(assignments) > 0 {
		ids := make([]string, len(assignments))
		for i, a := range assignments {
			ids[i] = a.ProductID
		}
		found, err := products.ProductsByIDs(ctx, ids)
		if err != nil {
			zap.L().Warn("export: product titles unavailable", zap.String("run_id", runID), zap.Error(err))
		}
		for _, p := range found {
			titles[p.ID] = p.Title
		}
	}

	rows := make([]Row, len(assignments))
	for i, a := range assignments {
		row := Row{
			Position:  a.Position,
			ProductID: a.ProductID,
			Title:     titles[a.ProductID],
			Initial:   names[a.TaxonomyIDInitial],
		}
		effective := row.Initial
		if a.TaxonomyIDRefined != nil {
			row.Refined = names[*a.TaxonomyIDRefined]
			effective = row.Refined
		}
		row.Segment = effective
		if name, ok := final[model.NormalizeName(effective)]; ok {
			row.Segment = name
		}
		rows[i] = row
	}
	return &Report{Run: run, Rows: rows}, nil
}

// WriteCSV writes the header and every row.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, row := range r.Rows {
		if err := cw.Write(row.strings()); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", row.ProductID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// WriteXLSX saves an assignments sheet and, for completed runs, a summary
// sheet of segment counts.
func (r *Report) WriteXLSX(path string) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet("assignments")
	if err != nil {
		return eris.Wrap(err, "export: add assignments sheet")
	}
	addRow(sheet, Header)
	for _, row := range r.Rows {
		addRow(sheet, row.strings())
	}

	if r.Run != nil && r.Run.Summary != nil {
		summary, err := f.AddSheet("summary")
		if err != nil {
			return eris.Wrap(err, "export: add summary sheet")
		}
		addRow(summary, []string{"segment", "products"})
		for _, c := range r.Run.Summary.SegmentCounts {
			addRow(summary, []string{c.Name, strconv.Itoa(c.Products)})
		}
		addRow(summary, []string{model.OutOfScopeName, strconv.Itoa(r.Run.Summary.OutOfScope)})
		if r.Run.Summary.Unresolved > 0 {
			addRow(summary, []string{"unresolved", strconv.Itoa(r.Run.Summary.Unresolved)})
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}

// Format picks the output format from a file extension.
func Format(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return "csv", nil
	case ".xlsx":
		return "xlsx", nil
	default:
		return "", eris.Errorf("export: unsupported output type %q", ext)
	}
}
