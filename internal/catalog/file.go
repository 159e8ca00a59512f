package catalog

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/fetcher"
	"github.com/sells-group/segment-cli/internal/model"
)

// LoadOptions configures LoadFile.
type LoadOptions struct {
	// Fetcher downloads http(s) sources. Required only for remote sources.
	Fetcher fetcher.Fetcher
	// Sheet selects an XLSX sheet by name. Default: the first sheet.
	Sheet string
	// XMLElement names the per-product element of an XML feed. Default: "product".
	XMLElement string
}

// LoadFile reads a product catalog from a local path or http(s) URL. The
// format follows the extension: .csv, .xlsx, .json (an array of product
// objects), .xml (a feed of product elements) or a .zip holding exactly one
// file of those types. CSV and XLSX files need a header row. Field names
// follow fetcher.ProductField in every format.
func LoadFile(ctx context.Context, src string, opts LoadOptions) (*Memory, error) {
	local := src
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		if opts.Fetcher == nil {
			return nil, eris.Errorf("catalog: no fetcher configured for %s", src)
		}
		tmp, err := os.MkdirTemp("", "segment-catalog-*")
		if err != nil {
			return nil, eris.Wrap(err, "catalog: temp dir")
		}
		defer os.RemoveAll(tmp) //nolint:errcheck

		local = filepath.Join(tmp, "catalog"+path.Ext(urlPath(src)))
		n, err := opts.Fetcher.DownloadToFile(ctx, src, local)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: download %s", src)
		}
		zap.L().Info("catalog: downloaded", zap.String("url", src), zap.Int64("bytes", n))
	}

	m, err := loadLocal(ctx, local, opts)
	if err != nil {
		return nil, err
	}
	zap.L().Info("catalog: loaded", zap.String("source", src), zap.Int("products", m.Len()))
	return m, nil
}

func loadLocal(ctx context.Context, p string, opts LoadOptions) (*Memory, error) {
	switch ext := strings.ToLower(filepath.Ext(p)); ext {
	case ".csv":
		return loadCSV(ctx, p)
	case ".xlsx":
		return loadXLSX(p, opts.Sheet)
	case ".json":
		return loadJSON(ctx, p)
	case ".xml":
		return loadXML(ctx, p, opts.XMLElement)
	case ".zip":
		return loadZIP(ctx, p, opts)
	default:
		return nil, eris.Errorf("catalog: unsupported file type %q", ext)
	}
}

func urlPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func loadCSV(ctx context.Context, p string) (*Memory, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open csv")
	}
	defer f.Close() //nolint:errcheck

	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true})

	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, eris.Wrap(err, "catalog: read csv")
	}
	return fromRows(rows)
}

func loadXLSX(p, sheet string) (*Memory, error) {
	rows, err := fetcher.ReadXLSX(p, fetcher.XLSXOptions{SheetName: sheet})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read xlsx")
	}
	return fromRows(rows)
}

func loadJSON(ctx context.Context, p string) (*Memory, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open json")
	}
	defer f.Close() //nolint:errcheck

	return collect(ctx, f)
}

func collect(ctx context.Context, r io.Reader) (*Memory, error) {
	recCh, errCh := fetcher.DecodeJSONArray[fetcher.ProductRecord](ctx, r)
	m, err := gather(recCh)
	if rerr := <-errCh; rerr != nil {
		return nil, eris.Wrap(rerr, "catalog: read json")
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// gather drains recCh into a catalog and reports the first product without
// an id. Draining continues past it so the reader goroutine exits.
func gather(recCh <-chan fetcher.ProductRecord) (*Memory, error) {
	m := NewMemory()
	var bad error
	for rec := range recCh {
		if bad != nil {
			continue
		}
		if err := checkProduct(rec.Product); err != nil {
			bad = err
			continue
		}
		m.add(rec.Product)
	}
	return m, bad
}

// fromRows maps a header row plus data rows onto products.
func fromRows(rows [][]string) (*Memory, error) {
	if len(rows) == 0 {
		return nil, eris.New("catalog: file is empty")
	}

	idx := map[string]int{}
	ranks := map[string]int{}
	for i, h := range rows[0] {
		field, rank, ok := fetcher.ProductField(h)
		if !ok {
			continue
		}
		if prev, seen := ranks[field]; seen && prev <= rank {
			continue
		}
		idx[field], ranks[field] = i, rank
	}
	for _, required := range []string{fetcher.FieldID, fetcher.FieldTitle} {
		if _, ok := idx[required]; !ok {
			return nil, eris.Errorf("catalog: header has no %s column", required)
		}
	}

	cell := func(row []string, field string) string {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	m := NewMemory()
	for n, row := range rows[1:] {
		p := model.Product{
			ID:       cell(row, fetcher.FieldID),
			Title:    cell(row, fetcher.FieldTitle),
			Category: cell(row, fetcher.FieldCategory),
		}
		if p.ID == "" && p.Title == "" {
			continue
		}
		if err := checkProduct(p); err != nil {
			return nil, eris.Wrapf(err, "row %d", n+2)
		}
		m.add(p)
	}
	return m, nil
}

func checkProduct(p model.Product) error {
	if p.ID == "" {
		return eris.Errorf("catalog: product %q has no id", p.Title)
	}
	return nil
}

func loadXML(ctx context.Context, p, element string) (*Memory, error) {
	if element == "" {
		element = "product"
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: open xml")
	}
	defer f.Close() //nolint:errcheck

	recCh, errCh := fetcher.StreamXML[fetcher.ProductRecord](ctx, f, element)
	m, err := gather(recCh)
	if rerr := <-errCh; rerr != nil {
		return nil, eris.Wrap(rerr, "catalog: read xml")
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func loadZIP(ctx context.Context, p string, opts LoadOptions) (*Memory, error) {
	tmp, err := os.MkdirTemp("", "segment-catalog-zip-*")
	if err != nil {
		return nil, eris.Wrap(err, "catalog: temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	inner, err := fetcher.ExtractZIPSingle(p, tmp)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: extract zip")
	}
	if strings.EqualFold(filepath.Ext(inner), ".zip") {
		return nil, eris.New("catalog: nested zip archives are not supported")
	}
	return loadLocal(ctx, inner, opts)
}
