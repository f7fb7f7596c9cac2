package filer

import (
	"os"
	"path/filepath"
	"strings"

	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// Match is one file matched by a wildcard output pattern.
type Match struct {
	// Path is the matched file on the local filesystem.
	Path string
	// Rel is Path stripped of the output's path prefix; joined onto the
	// output URL it names the upload target.
	Rel string
}

// Expand resolves a POSIX basic pattern (`*`, `?`, `[set]`) against the
// filesystem and strips prefix from every match. Directories among the
// matches are descended into.
func Expand(pattern, prefix string) ([]Match, error) {
	hits, err := filepath.Glob(pattern)
	if err != nil {
		return nil, xe.Errorf("bad pattern %q: %s", pattern, err)
	}

	matches := []Match{}
	for _, hit := range hits {
		info, err := os.Stat(hit)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		if !info.IsDir() {
			matches = append(matches, Match{Path: hit, Rel: stripPrefix(hit, prefix)})
			continue
		}
		err = filepath.Walk(hit, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			matches = append(matches, Match{Path: p, Rel: stripPrefix(p, prefix)})
			return nil
		})
		if err != nil {
			return nil, xe.Wrap(err)
		}
	}
	return matches, nil
}

func stripPrefix(p, prefix string) string {
	rel := strings.TrimPrefix(p, strings.TrimSuffix(prefix, "/"))
	return strings.TrimPrefix(rel, "/")
}
