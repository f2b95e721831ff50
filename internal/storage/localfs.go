package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var remoteFSTypes = []string{"nfs", "cifs", "smbfs", "smb2", "afpfs", "webdav"}

// CheckLocalFilesystem rejects database paths on network mounts, where
// SQLite locking is unreliable. Platforms without detection are allowed.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, fsTypeOf)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if IsRemoteFS(fsType) {
		return fmt.Errorf("database path %q is on %s; SQLite needs a local disk, set state.path to a local file", path, fsType)
	}
	return nil
}

// IsRemoteFS reports whether fsType names a network filesystem.
func IsRemoteFS(fsType string) bool {
	return slices.Contains(remoteFSTypes, strings.ToLower(strings.TrimSpace(fsType)))
}

var errDetectUnsupported = errors.New("filesystem detection unsupported")

func existingAncestor(path string) (string, error) {
	cur, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(cur)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		cur = parent
	}
}
