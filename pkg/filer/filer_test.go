package filer_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/filer"
	"github.com/jaeaeich/poiesis/pkg/tes"
	"github.com/jaeaeich/poiesis/pkg/utils/try"
)

func TestRegistry(t *testing.T) {
	registry := filer.NewRegistry(config.S3{})

	t.Run("known schemes resolve", func(t *testing.T) {
		for _, u := range []string{
			"s3://bucket/key",
			"ftp://host/file",
			"file:///tmp/f",
			"http://host/file",
			"https://host/file",
		} {
			if _, err := registry.ForURL(u); err != nil {
				t.Errorf("ForURL(%s): %s", u, err)
			}
		}
	})

	t.Run("unknown schemes are rejected", func(t *testing.T) {
		if _, err := registry.ForURL("gopher://host/f"); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("a registered fake wins", func(t *testing.T) {
		fake := &filer.FileFiler{}
		registry.Register("s3", fake)
		got := try.To(registry.ForURL("s3://bucket/key")).OrFatal(t)
		if got != filer.Filer(fake) {
			t.Error("fake was not returned")
		}
	})
}

func TestFileFiler(t *testing.T) {
	ctx := context.Background()

	t.Run("file round trip", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "src.txt")
		if err := os.WriteFile(src, []byte("X"), 0o644); err != nil {
			t.Fatal(err)
		}

		f := &filer.FileFiler{}
		dest := filepath.Join(dir, "nested", "dest.txt")
		if err := f.Download(ctx, "file://"+src, dest, tes.FileTypeFile); err != nil {
			t.Fatal(err)
		}
		if got := try.To(os.ReadFile(dest)).OrFatal(t); string(got) != "X" {
			t.Errorf("content = %q", got)
		}

		up := filepath.Join(dir, "up.txt")
		size := try.To(f.Upload(ctx, dest, "file://"+up)).OrFatal(t)
		if size != 1 {
			t.Errorf("size = %d", size)
		}
	})

	t.Run("directory download copies the tree", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "tree")
		if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(src, "a"), []byte("a"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(src, "sub", "b"), []byte("b"), 0o644); err != nil {
			t.Fatal(err)
		}

		f := &filer.FileFiler{}
		dest := filepath.Join(dir, "copy")
		if err := f.Download(ctx, "file://"+src, dest, tes.FileTypeDirectory); err != nil {
			t.Fatal(err)
		}
		for _, rel := range []string{"a", "sub/b"} {
			if _, err := os.Stat(filepath.Join(dest, rel)); err != nil {
				t.Errorf("missing %s: %s", rel, err)
			}
		}
	})
}

func TestStageContent(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "data", "f")

	if err := filer.StageContent("hi", dest); err != nil {
		t.Fatal(err)
	}
	if got := try.To(os.ReadFile(dest)).OrFatal(t); string(got) != "hi" {
		t.Errorf("content = %q", got)
	}
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"out/a.txt", "out/b.txt", "out/c.log", "out/sub/d.txt"} {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(rel), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("star matches by extension", func(t *testing.T) {
		matches := try.To(filer.Expand(filepath.Join(dir, "out", "*.txt"), filepath.Join(dir, "out"))).OrFatal(t)

		rels := []string{}
		for _, m := range matches {
			rels = append(rels, m.Rel)
		}
		sort.Strings(rels)
		if len(rels) != 2 || rels[0] != "a.txt" || rels[1] != "b.txt" {
			t.Errorf("rels = %v", rels)
		}
	})

	t.Run("a directory match is descended into", func(t *testing.T) {
		matches := try.To(filer.Expand(filepath.Join(dir, "out", "su?"), filepath.Join(dir, "out"))).OrFatal(t)

		if len(matches) != 1 || matches[0].Rel != "sub/d.txt" {
			t.Errorf("matches = %+v", matches)
		}
	})

	t.Run("no matches is empty, not an error", func(t *testing.T) {
		matches := try.To(filer.Expand(filepath.Join(dir, "out", "*.bin"), dir)).OrFatal(t)
		if len(matches) != 0 {
			t.Errorf("matches = %+v", matches)
		}
	})
}

func TestJoinURL(t *testing.T) {
	for name, testcase := range map[string]struct {
		base string
		rel  string
		then string
	}{
		"trailing slash collapses":  {"s3://b/out/", "f", "s3://b/out/f"},
		"no slash gains one":        {"s3://b/out", "f", "s3://b/out/f"},
		"leading slash on rel":      {"s3://b/out/", "/sub/f", "s3://b/out/sub/f"},
		"empty rel keeps base":      {"s3://b/out/", "", "s3://b/out/"},
	} {
		t.Run(name, func(t *testing.T) {
			if got := filer.JoinURL(testcase.base, testcase.rel); got != testcase.then {
				t.Errorf("got %s, want %s", got, testcase.then)
			}
		})
	}
}
