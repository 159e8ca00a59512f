package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures StreamCSV.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 = none
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV sends the records of r to a channel. A UTF-8 byte order mark on
// the first field is dropped. Both channels close when reading stops; the
// error channel carries at most one error.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	return stream(ctx, "csv", func(emit func([]string) error) error {
		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		for first := true; ; first = false {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "csv: context cancelled")
			}
			record, err := reader.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return eris.Wrap(err, "csv: read row")
			}

			if first && len(record) > 0 {
				record[0] = strings.TrimPrefix(record[0], "\ufeff")
			}
			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}
			if err := emit(record); err != nil {
				return err
			}
		}
	})
}
