package filer

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// S3Filer serves s3:// URLs against an S3-compatible endpoint. The endpoint
// comes from the URL when its host looks like one (has a dot or a port),
// from S3_URL otherwise:
//
//	s3://minio.local:9000/bucket/key
//	s3://bucket/key            (endpoint = S3_URL)
type S3Filer struct {
	conf config.S3
}

var _ Filer = &S3Filer{}

type s3Location struct {
	endpoint string
	secure   bool
	bucket   string
	key      string
}

func (f *S3Filer) resolve(rawURL string) (s3Location, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "s3" {
		return s3Location{}, xe.Errorf("not an s3 url: %q", rawURL)
	}

	loc := s3Location{}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")

	if strings.Contains(u.Host, ".") || strings.Contains(u.Host, ":") {
		// Host names the endpoint; the first path component is the bucket.
		loc.endpoint = u.Host
		if len(parts) == 0 || parts[0] == "" {
			return s3Location{}, xe.Errorf("no bucket in s3 url %q", rawURL)
		}
		loc.bucket = parts[0]
		loc.key = strings.Join(parts[1:], "/")
	} else {
		endpoint := f.conf.URL
		if endpoint == "" {
			return s3Location{}, xe.New("S3_URL is not configured and the s3 url names no endpoint")
		}
		loc.secure = strings.HasPrefix(endpoint, "https://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		endpoint = strings.TrimPrefix(endpoint, "http://")
		loc.endpoint = endpoint
		loc.bucket = u.Host
		loc.key = strings.Join(parts, "/")
	}

	if loc.bucket == "" {
		return s3Location{}, xe.Errorf("no bucket in s3 url %q", rawURL)
	}
	return loc, nil
}

func (f *S3Filer) client(loc s3Location) (*minio.Client, error) {
	if f.conf.AccessKey == "" || f.conf.SecretKey == "" {
		return nil, xe.New("AWS credentials are not set, ask your administrator to set them")
	}
	lookup := minio.BucketLookupAuto
	if f.conf.PathStyleAccess {
		lookup = minio.BucketLookupPath
	}
	return minio.New(loc.endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(f.conf.AccessKey, f.conf.SecretKey, ""),
		Secure:       loc.secure,
		BucketLookup: lookup,
	})
}

func (f *S3Filer) Download(ctx context.Context, rawURL, path string, typ tes.FileType) error {
	loc, err := f.resolve(rawURL)
	if err != nil {
		return err
	}
	client, err := f.client(loc)
	if err != nil {
		return err
	}

	if typ != tes.FileTypeDirectory {
		if err := client.FGetObject(ctx, loc.bucket, loc.key, path, minio.GetObjectOptions{}); err != nil {
			return xe.WrapWithNote("downloading "+rawURL, err)
		}
		return nil
	}

	prefix := loc.key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	found := false
	for object := range client.ListObjects(ctx, loc.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return xe.WrapWithNote("listing "+rawURL, object.Err)
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		local := filepath.Join(path, filepath.FromSlash(rel))
		if err := client.FGetObject(ctx, loc.bucket, object.Key, local, minio.GetObjectOptions{}); err != nil {
			return xe.WrapWithNote("downloading "+object.Key, err)
		}
		found = true
	}
	if !found {
		return xe.Errorf("no objects under %s", rawURL)
	}
	return nil
}

func (f *S3Filer) Upload(ctx context.Context, path, rawURL string) (int64, error) {
	loc, err := f.resolve(rawURL)
	if err != nil {
		return 0, err
	}
	client, err := f.client(loc)
	if err != nil {
		return 0, err
	}

	if _, err := os.Stat(path); err != nil {
		return 0, xe.WrapWithNote("output not found: "+path, err)
	}

	info, err := client.FPutObject(ctx, loc.bucket, loc.key, path, minio.PutObjectOptions{})
	if err != nil {
		return 0, xe.WrapWithNote("uploading to "+rawURL, err)
	}
	return info.Size, nil
}
