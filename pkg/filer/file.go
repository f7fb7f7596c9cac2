package filer

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// FileFiler serves file:// URLs against the local filesystem; it exists for
// development and tests.
type FileFiler struct{}

var _ Filer = &FileFiler{}

func localPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", xe.Errorf("invalid file url %q", rawURL)
	}
	p := u.Path
	if u.Host != "" {
		// file://host/path is not served; file:///path only.
		return "", xe.Errorf("file url %q must not carry a host", rawURL)
	}
	if p == "" {
		return "", xe.Errorf("file url %q has no path", rawURL)
	}
	return p, nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return xe.Wrap(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return xe.Wrap(err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return xe.Wrap(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func (f *FileFiler) Download(_ context.Context, rawURL, path string, typ tes.FileType) error {
	src, err := localPath(rawURL)
	if err != nil {
		return err
	}
	if typ == tes.FileTypeDirectory {
		return copyTree(src, path)
	}
	return copyFile(src, path)
}

func (f *FileFiler) Upload(_ context.Context, path, rawURL string) (int64, error) {
	dest, err := localPath(rawURL)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, xe.Wrap(err)
	}
	if err := copyFile(path, dest); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
