package tes

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// inputSchemes and outputSchemes are the URL schemes the filers can serve.
// http(s) sources can be read but never written.
var (
	inputSchemes  = map[string]bool{"s3": true, "ftp": true, "file": true, "http": true, "https": true}
	outputSchemes = map[string]bool{"s3": true, "ftp": true, "file": true}
)

// HasWildcard reports whether p contains POSIX basic pattern matching
// metacharacters (`*`, `?`, `[`).
func HasWildcard(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// Validate checks a task document as submitted by a client, before any
// server-populated field is assigned. The returned error message is safe to
// surface in a 400 response.
func Validate(t *Task) error {
	if len(t.Executors) == 0 {
		return fmt.Errorf("task must have at least one executor")
	}

	for i, e := range t.Executors {
		if e.Image == "" {
			return fmt.Errorf("executors[%d]: image is required", i)
		}
		if _, err := name.ParseReference(e.Image); err != nil {
			return fmt.Errorf("executors[%d]: invalid image reference %q: %s", i, e.Image, err)
		}
		if len(e.Command) == 0 {
			return fmt.Errorf("executors[%d]: command is required", i)
		}
		if e.Workdir != "" && !path.IsAbs(e.Workdir) {
			return fmt.Errorf("executors[%d]: workdir must be an absolute path", i)
		}
		for _, p := range []string{e.Stdin, e.Stdout, e.Stderr} {
			if p != "" && !path.IsAbs(p) {
				return fmt.Errorf("executors[%d]: stdin/stdout/stderr must be absolute paths", i)
			}
		}
	}

	for i, in := range t.Inputs {
		if in.Path == "" || !path.IsAbs(in.Path) {
			return fmt.Errorf("inputs[%d]: path must be an absolute path", i)
		}
		switch {
		case in.URL == "" && in.Content == "":
			return fmt.Errorf("inputs[%d]: one of url or content is required", i)
		case in.URL != "" && in.Content != "":
			return fmt.Errorf("inputs[%d]: url and content are mutually exclusive", i)
		case in.Content != "" && in.Type == FileTypeDirectory:
			return fmt.Errorf("inputs[%d]: content cannot be used with type DIRECTORY", i)
		}
		if in.URL != "" {
			scheme, err := urlScheme(in.URL)
			if err != nil {
				return fmt.Errorf("inputs[%d]: %s", i, err)
			}
			if !inputSchemes[scheme] {
				return fmt.Errorf("inputs[%d]: unsupported url scheme %q", i, scheme)
			}
		}
	}

	for i, out := range t.Outputs {
		if out.URL == "" {
			return fmt.Errorf("outputs[%d]: url is required", i)
		}
		scheme, err := urlScheme(out.URL)
		if err != nil {
			return fmt.Errorf("outputs[%d]: %s", i, err)
		}
		if !outputSchemes[scheme] {
			return fmt.Errorf("outputs[%d]: unsupported url scheme %q", i, scheme)
		}
		if out.Path == "" || !path.IsAbs(out.Path) {
			return fmt.Errorf("outputs[%d]: path must be an absolute path", i)
		}
		if HasWildcard(out.Path) {
			if out.PathPrefix == "" {
				return fmt.Errorf("outputs[%d]: path_prefix is required when path contains wildcards", i)
			}
			if !path.IsAbs(out.PathPrefix) {
				return fmt.Errorf("outputs[%d]: path_prefix must be an absolute path", i)
			}
		}
	}

	for i, v := range t.Volumes {
		if !path.IsAbs(v) {
			return fmt.Errorf("volumes[%d]: must be an absolute path", i)
		}
	}

	return nil
}

func urlScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("url %q has no scheme", raw)
	}
	return strings.ToLower(u.Scheme), nil
}
