package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZIP builds an archive from name/content pairs. Names ending in "/"
// become directories.
func writeZIP(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "catalog.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		if content != "" {
			_, err = w.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestExtractZIPSingle(t *testing.T) {
	p := writeZIP(t, map[string]string{
		"export/":             "",
		"export/products.csv": "id,title\np1,Tent\n",
	})
	dest := t.TempDir()

	got, err := ExtractZIPSingle(p, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "export", "products.csv"), got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "id,title\np1,Tent\n", string(data))
}

func TestExtractZIPSingle_FileCount(t *testing.T) {
	p := writeZIP(t, map[string]string{"a.csv": "id\n", "b.csv": "id\n"})
	_, err := ExtractZIPSingle(p, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected exactly 1 file, got 2")

	p = writeZIP(t, map[string]string{"empty/": ""})
	_, err = ExtractZIPSingle(p, t.TempDir())
	assert.Error(t, err)
}

func TestExtractZIPSingle_ZipSlip(t *testing.T) {
	p := writeZIP(t, map[string]string{"../../evil.csv": "id\n"})
	_, err := ExtractZIPSingle(p, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractZIPSingle_NotAnArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "products.zip")
	require.NoError(t, os.WriteFile(p, []byte("id,title\n"), 0o644))
	_, err := ExtractZIPSingle(p, t.TempDir())
	assert.Error(t, err)
}
