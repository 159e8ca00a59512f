package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainCSV(t *testing.T, input string, opts CSVOptions) ([][]string, error) {
	t.Helper()
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), opts)
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	return rows, <-errCh
}

func TestStreamCSV(t *testing.T) {
	rows, err := drainCSV(t, "\ufeffid,title\np1,Dome Tent\np2,\"Stove, 2 burner\"\n", CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"id", "title"},
		{"p1", "Dome Tent"},
		{"p2", "Stove, 2 burner"},
	}, rows)
}

func TestStreamCSV_Options(t *testing.T) {
	input := "# exported 2026-01-02\nid; title ;category\np1; Dome Tent ;camping\np2;Socks\n"
	rows, err := drainCSV(t, input, CSVOptions{Delimiter: ';', Comment: '#', TrimSpace: true})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"id", "title", "category"},
		{"p1", "Dome Tent", "camping"},
		{"p2", "Socks"},
	}, rows, "variable field counts are allowed")
}

func TestStreamCSV_LazyQuotes(t *testing.T) {
	input := "id,title\np1,12\" skillet\n"

	_, err := drainCSV(t, input, CSVOptions{})
	require.Error(t, err)

	rows, err := drainCSV(t, input, CSVOptions{LazyQuotes: true})
	require.NoError(t, err)
	assert.Equal(t, `12" skillet`, rows[1][1])
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("id\np1\n"), CSVOptions{})
	for range rowCh {
	}
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
