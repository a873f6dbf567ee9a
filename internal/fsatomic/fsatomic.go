package fsatomic

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// SaveBytes atomically replaces path with data: write to a temp file in the
// same directory, fsync, rename over the target, fsync the directory. A
// reader never observes a partially written file. If perm is 0, 0600 is used.
func SaveBytes(path string, data []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// Rename may need to replace an existing target; the temp file is created
	// fresh each call so the chmod below keeps perms stable across replaces.
	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return FsyncDir(filepath.Dir(path))
}

// SaveJSON marshals v (indented, trailing newline) and writes it via SaveBytes.
func SaveJSON(path string, v any, perm fs.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return SaveBytes(path, append(b, '\n'), perm)
}

// LoadJSON reads path into v. Missing file yields exists=false with no error;
// an empty file counts as existing but leaves v untouched.
func LoadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// WithLock runs fn while holding an exclusive advisory lock on path+".lock".
// Shell scripts reading the same files do not take this lock; it only
// serializes writers within and across manager processes.
func WithLock(path string, fn func() error) error {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	unlock, err := flockExclusive(path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// FsyncDir syncs directory metadata so a rename survives a crash. No-op on
// Windows, where directories cannot be opened for sync.
func FsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
