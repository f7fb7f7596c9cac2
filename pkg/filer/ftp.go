package filer

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/jlaffaye/ftp"

	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// FTPFiler serves ftp:// URLs. Credentials ride in the URL userinfo;
// without them the session is anonymous.
type FTPFiler struct{}

var _ Filer = &FTPFiler{}

func (f *FTPFiler) connect(ctx context.Context, u *url.URL) (*ftp.ServerConn, error) {
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	conn, err := ftp.Dial(host, ftp.DialWithContext(ctx))
	if err != nil {
		return nil, xe.WrapWithNote("connecting "+host, err)
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, xe.WrapWithNote("ftp login", err)
	}
	return conn, nil
}

func (f *FTPFiler) Download(ctx context.Context, rawURL, dest string, typ tes.FileType) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "ftp" {
		return xe.Errorf("not an ftp url: %q", rawURL)
	}
	conn, err := f.connect(ctx, u)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if typ == tes.FileTypeDirectory {
		return f.downloadTree(conn, u.Path, dest)
	}
	return fetchFTPFile(conn, u.Path, dest)
}

func fetchFTPFile(conn *ftp.ServerConn, remote, dest string) error {
	resp, err := conn.Retr(remote)
	if err != nil {
		return xe.WrapWithNote("fetching "+remote, err)
	}
	defer resp.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return xe.Wrap(err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return xe.Wrap(err)
	}
	defer out.Close()

	if _, err := out.ReadFrom(resp); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (f *FTPFiler) downloadTree(conn *ftp.ServerConn, remote, dest string) error {
	walker := conn.Walk(remote)
	for walker.Next() {
		entry := walker.Stat()
		if entry.Type == ftp.EntryTypeFolder {
			continue
		}
		rel, err := filepath.Rel(remote, walker.Path())
		if err != nil {
			return xe.Wrap(err)
		}
		if err := fetchFTPFile(conn, walker.Path(), filepath.Join(dest, rel)); err != nil {
			return err
		}
	}
	if err := walker.Err(); err != nil {
		return xe.WrapWithNote("walking "+remote, err)
	}
	return nil
}

func (f *FTPFiler) Upload(ctx context.Context, src, rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "ftp" {
		return 0, xe.Errorf("not an ftp url: %q", rawURL)
	}
	conn, err := f.connect(ctx, u)
	if err != nil {
		return 0, err
	}
	defer conn.Quit()

	info, err := os.Stat(src)
	if err != nil {
		return 0, xe.WrapWithNote("output not found: "+src, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, xe.Wrap(err)
	}
	defer in.Close()

	// Parents may not exist on the server yet; best-effort create.
	dir := path.Dir(u.Path)
	if dir != "/" && dir != "." {
		_ = conn.MakeDir(dir)
	}

	if err := conn.Stor(u.Path, in); err != nil {
		return 0, xe.WrapWithNote("storing "+u.Path, err)
	}
	return info.Size(), nil
}
