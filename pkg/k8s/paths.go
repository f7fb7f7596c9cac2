package k8s

import (
	"path"
	"strings"

	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// SplitMountPath splits an absolute path into its first component and the
// remainder, e.g. /data/f1/f2 -> (/data, f1/f2).
//
// The filer mounts the task PVC at FilerPVCPath and stages data under the
// remainder; the executor mounts the same PVC at the first component, so
// the data surfaces at the declared absolute path.
func SplitMountPath(p string) (head string, rest string, err error) {
	if p == "" {
		return "", "", xe.New("path is empty")
	}
	clean := path.Clean(p)
	if !path.IsAbs(clean) {
		return "", "", xe.Errorf("path %q is not absolute", p)
	}

	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if parts[0] == "" {
		return "", "", xe.Errorf("path %q has no components", p)
	}
	return "/" + parts[0], path.Join(parts[1:]...), nil
}

// TransferPath is where the filer reads or writes the data of an absolute
// task path inside its own mount.
func TransferPath(p string) (string, error) {
	_, rest, err := SplitMountPath(p)
	if err != nil {
		return "", err
	}
	return path.Join(FilerPVCPath, rest), nil
}
