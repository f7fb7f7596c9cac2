package filer

import (
	"os"
	"path/filepath"

	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// StageContent writes an inline input literal to path. Inline content is
// the one source with no URL, so it bypasses the scheme table; there is no
// upload direction.
func StageContent(content, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xe.Wrap(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return xe.Wrap(err)
	}
	return nil
}
