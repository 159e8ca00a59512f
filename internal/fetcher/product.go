package fetcher

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
)

// Product fields a catalog export can carry.
const (
	FieldID       = "id"
	FieldTitle    = "title"
	FieldCategory = "category"
)

// productAliases lists the accepted source names per field, most preferred
// first. Feeds that carry both product_type and category use product_type.
var productAliases = map[string][]string{
	FieldID:       {"id", "product_id", "sku", "offer_id"},
	FieldTitle:    {"title", "name", "product"},
	FieldCategory: {"product_type", "category"},
}

var aliasIndex = func() map[string]alias {
	idx := make(map[string]alias)
	for field, names := range productAliases {
		for rank, name := range names {
			idx[name] = alias{field: field, rank: rank}
		}
	}
	return idx
}()

type alias struct {
	field string
	rank  int
}

// ProductField maps a column, key or element name onto a product field.
// Matching ignores case, surrounding space and a byte order mark.
func ProductField(name string) (field string, rank int, ok bool) {
	key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	a, ok := aliasIndex[key]
	return a.field, a.rank, ok
}

// ProductRecord is one product read from a JSON array element or an XML
// feed element. Unknown keys and child elements are ignored; values are
// trimmed.
type ProductRecord struct {
	model.Product

	ranks map[string]int
}

func (r *ProductRecord) set(name, value string) {
	field, rank, ok := ProductField(name)
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if prev, seen := r.ranks[field]; seen && prev <= rank {
		return
	}
	if r.ranks == nil {
		r.ranks = make(map[string]int, len(productAliases))
	}
	r.ranks[field] = rank

	switch field {
	case FieldID:
		r.ID = value
	case FieldTitle:
		r.Title = value
	case FieldCategory:
		r.Category = value
	}
}

// UnmarshalJSON accepts an object with aliased keys. Numeric ids are kept as
// their literal text.
func (r *ProductRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = ProductRecord{}
	for key, val := range raw {
		if _, _, ok := ProductField(key); !ok {
			continue
		}
		text, err := scalarText(val)
		if err != nil {
			return eris.Wrapf(err, "product field %q", key)
		}
		r.set(key, text)
	}
	return nil
}

func scalarText(val json.RawMessage) (string, error) {
	val = bytes.TrimSpace(val)
	switch {
	case len(val) == 0 || bytes.Equal(val, []byte("null")):
		return "", nil
	case val[0] == '"':
		var s string
		err := json.Unmarshal(val, &s)
		return s, err
	case val[0] == '-' || (val[0] >= '0' && val[0] <= '9'):
		var n json.Number
		err := json.Unmarshal(val, &n)
		return n.String(), err
	default:
		return "", eris.Errorf("expected a string or number, got %s", val)
	}
}

// UnmarshalXML reads aliased attributes and child elements. Namespace
// prefixes are ignored, so Google Merchant <g:id> maps to id.
func (r *ProductRecord) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	*r = ProductRecord{}
	for _, attr := range start.Attr {
		r.set(attr.Name.Local, attr.Value)
	}

	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if _, _, ok := ProductField(t.Name.Local); !ok {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			var text string
			if err := d.DecodeElement(&text, &t); err != nil {
				return err
			}
			r.set(t.Name.Local, text)
		case xml.EndElement:
			return nil
		}
	}
}
