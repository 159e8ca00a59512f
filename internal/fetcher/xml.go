package fetcher

import (
	"context"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// StreamXML decodes every element whose local name is elementName into T.
// Namespaces are ignored when matching, so <item> and <g:item> both count.
// Non-UTF-8 documents are transcoded from their declared charset.
func StreamXML[T any](ctx context.Context, r io.Reader, elementName string) (<-chan T, <-chan error) {
	return stream(ctx, "xml", func(emit func(T) error) error {
		dec := xml.NewDecoder(r)
		dec.CharsetReader = charsetReader

		for {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "xml: context cancelled")
			}
			tok, err := dec.Token()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return eris.Wrap(err, "xml: read token")
			}

			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != elementName {
				continue
			}
			var item T
			if err := dec.DecodeElement(&item, &start); err != nil {
				return eris.Wrapf(err, "xml: decode <%s>", elementName)
			}
			if err := emit(item); err != nil {
				return err
			}
		}
	})
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}
