package filer

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// HTTPFiler serves http:// and https:// inputs. It is read-only: uploads
// are rejected at task validation and again here.
type HTTPFiler struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ Filer = &HTTPFiler{}

func (f *HTTPFiler) Download(ctx context.Context, rawURL, path string, typ tes.FileType) error {
	if typ == tes.FileTypeDirectory {
		return xe.New("http sources cannot be fetched recursively")
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return xe.Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return xe.WrapWithNote("fetching "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return xe.Errorf("fetching %s: %s", rawURL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xe.Wrap(err)
	}
	out, err := os.Create(path)
	if err != nil {
		return xe.Wrap(err)
	}
	defer out.Close()

	if _, err := out.ReadFrom(resp.Body); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (f *HTTPFiler) Upload(context.Context, string, string) (int64, error) {
	return 0, xe.New("http urls do not accept uploads")
}
