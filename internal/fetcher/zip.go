package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// MaxZIPEntryBytes bounds the size of an extracted file.
const MaxZIPEntryBytes = 512 << 20

// ExtractZIPSingle extracts the only file of an archive into destDir and
// returns its path. Directories are ignored; any other file count is an error.
func ExtractZIPSingle(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var files []*zip.File
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			files = append(files, f)
		}
	}
	if len(files) != 1 {
		return "", eris.Errorf("zip: expected exactly 1 file, got %d", len(files))
	}
	return extractZIPEntry(files[0], destDir)
}

func extractZIPEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}
	if f.UncompressedSize64 > MaxZIPEntryBytes {
		return "", eris.Errorf("zip: %s is %d bytes, limit %d", f.Name, f.UncompressedSize64, MaxZIPEntryBytes)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}

	n, err := io.Copy(out, io.LimitReader(rc, MaxZIPEntryBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}
	if n > MaxZIPEntryBytes {
		return "", eris.Errorf("zip: %s exceeds %d bytes", f.Name, MaxZIPEntryBytes)
	}
	return destPath, nil
}
