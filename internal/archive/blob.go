package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Blob is an opaque-reference object store. References are slash-separated
// relative paths.
type Blob interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// FSBlob stores objects as files under a root directory. Writes go through a
// temp file and rename so readers never observe partial records.
type FSBlob struct {
	root string
}

// NewFSBlob creates the root directory if needed.
func NewFSBlob(root string) (*FSBlob, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "archive: create root %s", root)
	}
	return &FSBlob{root: root}, nil
}

// Root returns the directory backing the blob store.
func (b *FSBlob) Root() string { return b.root }

func (b *FSBlob) resolve(ref string) (string, error) {
	clean := path.Clean("/" + ref)
	if clean == "/" || strings.Contains(ref, "..") {
		return "", eris.Errorf("archive: invalid ref %q", ref)
	}
	return filepath.Join(b.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Put writes data at ref atomically.
func (b *FSBlob) Put(ctx context.Context, ref string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := b.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return eris.Wrapf(err, "archive: mkdir for %s", ref)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "archive: temp file for %s", ref)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "archive: write %s", ref)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "archive: sync %s", ref)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "archive: close %s", ref)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), dst), "archive: rename %s", ref)
}

// Get reads the object at ref. Missing objects wrap os.ErrNotExist.
func (b *FSBlob) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := b.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: read %s", ref)
	}
	return data, nil
}

// List returns the refs under prefix in lexical order. Temp files are skipped.
func (b *FSBlob) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := b.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var refs []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "archive: list %s", prefix)
	}
	sort.Strings(refs)
	return refs, nil
}
