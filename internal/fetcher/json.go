package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray streams the elements of a top-level JSON array. An empty
// input yields no elements and no error. Elements decoded before a bad one
// are still delivered.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	return stream(ctx, "json", func(emit func(T) error) error {
		dec := json.NewDecoder(r)

		open, err := dec.Token()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return eris.Wrap(err, "json: read opening token")
		case open != json.Delim('['):
			return eris.Errorf("json: expected '[', got %v", open)
		}

		for n := 0; dec.More(); n++ {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "json: context cancelled")
			}
			var item T
			if err := dec.Decode(&item); err != nil {
				return eris.Wrapf(err, "json: decode element %d", n)
			}
			if err := emit(item); err != nil {
				return err
			}
		}

		if _, err := dec.Token(); err != nil {
			return eris.Wrap(err, "json: read closing token")
		}
		return nil
	})
}
