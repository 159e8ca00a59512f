// Package fetcher downloads and parses catalog data from HTTP, CSV, XML, JSON, XLSX, and ZIP sources.
package fetcher

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote catalog exports.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns the bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// stream runs produce on its own goroutine. Items passed to emit arrive on
// the first channel; the error produce returns, if any, on the second. Both
// channels close when produce returns.
func stream[T any](ctx context.Context, format string, produce func(emit func(T) error) error) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		emit := func(item T) error {
			select {
			case outCh <- item:
				return nil
			case <-ctx.Done():
				return eris.Wrapf(ctx.Err(), "%s: context cancelled", format)
			}
		}
		if err := produce(emit); err != nil {
			errCh <- err
		}
	}()

	return outCh, errCh
}
