package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedItem struct {
	ID    string `xml:"id"`
	Title string `xml:"title"`
}

func drainXML(ctx context.Context, input, element string) ([]feedItem, error) {
	itemCh, errCh := StreamXML[feedItem](ctx, strings.NewReader(input), element)
	var out []feedItem
	for it := range itemCh {
		out = append(out, it)
	}
	return out, <-errCh
}

func TestStreamXML(t *testing.T) {
	feed := `<rss xmlns:g="http://base.google.com/ns/1.0"><channel><title>Outdoor store</title>
<item><g:id>p1</g:id><title>Dome Tent</title></item>
<item><g:id>p2</g:id><title>Camp Stove</title></item>
</channel></rss>`

	got, err := drainXML(context.Background(), feed, "item")
	require.NoError(t, err)
	assert.Equal(t, []feedItem{{"p1", "Dome Tent"}, {"p2", "Camp Stove"}}, got)
}

func TestStreamXML_Charset(t *testing.T) {
	feed := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><products><product><id>p1</id><title>Caf\xe9 press</title></product></products>"

	got, err := drainXML(context.Background(), feed, "product")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Café press", got[0].Title)
}

func TestStreamXML_Errors(t *testing.T) {
	_, err := drainXML(context.Background(), `<products><product><id>p1</id>`, "product")
	assert.Error(t, err)

	_, err = drainXML(context.Background(), `<?xml version="1.0" encoding="x-unknown"?><products/>`, "product")
	require.Error(t, err)

	got, err := drainXML(context.Background(), `<products><sku>p1</sku></products>`, "product")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamXML_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := drainXML(ctx, `<products><product><id>p1</id></product></products>`, "product")
	assert.ErrorIs(t, err, context.Canceled)
}
