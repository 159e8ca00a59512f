package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jsonProduct struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func drainJSON(ctx context.Context, input string) ([]jsonProduct, error) {
	itemCh, errCh := DecodeJSONArray[jsonProduct](ctx, strings.NewReader(input))
	var out []jsonProduct
	for it := range itemCh {
		out = append(out, it)
	}
	return out, <-errCh
}

func TestDecodeJSONArray(t *testing.T) {
	got, err := drainJSON(context.Background(), `[{"id":"p1","title":"Tent"},{"id":"p2","title":"Stove","extra":true}]`)
	require.NoError(t, err)
	assert.Equal(t, []jsonProduct{{"p1", "Tent"}, {"p2", "Stove"}}, got)
}

func TestDecodeJSONArray_EmptyInput(t *testing.T) {
	got, err := drainJSON(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = drainJSON(context.Background(), "[]")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeJSONArray_Errors(t *testing.T) {
	_, err := drainJSON(context.Background(), `{"id":"p1"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected '['")

	got, err := drainJSON(context.Background(), `[{"id":"p1","title":"Tent"},{"id":2}]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode element 1")
	assert.Len(t, got, 1, "elements before the bad one are delivered")

	_, err = drainJSON(context.Background(), `[{"id":"p1","title":"Tent"}`)
	assert.Error(t, err)
}

func TestDecodeJSONArray_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := drainJSON(ctx, `[{"id":"p1"}]`)
	assert.ErrorIs(t, err, context.Canceled)
}
