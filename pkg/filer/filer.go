// Package filer moves bytes between the task workspace and external
// storage. Each URL scheme maps to one strategy; the table is data-driven
// so tests can swap strategies in.
package filer

import (
	"context"
	"net/url"
	"strings"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Filer is the capability set of one URL scheme.
type Filer interface {
	// Download fetches url to path. DIRECTORY type fetches recursively.
	Download(ctx context.Context, rawURL, path string, typ tes.FileType) error

	// Upload sends path to url and returns the object size in bytes.
	Upload(ctx context.Context, path, rawURL string) (int64, error)
}

// Registry maps URL schemes to strategies.
type Registry struct {
	schemes map[string]Filer
}

// NewRegistry builds the production table: s3, ftp, file and read-only
// http(s).
func NewRegistry(s3conf config.S3) *Registry {
	httpFiler := &HTTPFiler{}
	return &Registry{schemes: map[string]Filer{
		"s3":    &S3Filer{conf: s3conf},
		"ftp":   &FTPFiler{},
		"file":  &FileFiler{},
		"http":  httpFiler,
		"https": httpFiler,
	}}
}

// Register swaps in a strategy for scheme; tests use this to fake remote
// stores.
func (r *Registry) Register(scheme string, f Filer) {
	r.schemes[scheme] = f
}

// ForURL resolves the strategy serving rawURL.
func (r *Registry) ForURL(rawURL string) (Filer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xe.Errorf("invalid url %q", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, xe.Errorf("unsupported url scheme %q", scheme)
	}
	return f, nil
}

// JoinURL appends a relative path to a base URL, collapsing the slash
// between them. Wildcard outputs use this to derive per-match URLs.
func JoinURL(base, rel string) string {
	if rel == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rel, "/")
}
