// Package util holds small helpers shared across the repository.
package util

import (
	"io"
	"os"
	"path/filepath"

	"github.com/DeadCodeProductions/dead/go/logging"
)

// In returns true if |s| is *in* |a| slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// Dedup returns a copy of the sorted slice with consecutive duplicates
// removed.
func Dedup(a []string) []string {
	ret := make([]string, 0, len(a))
	for i, s := range a {
		if i == 0 || s != a[i-1] {
			ret = append(ret, s)
		}
	}
	return ret
}

// MaxInt returns the larger of the two given ints.
func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close wraps an io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		logging.S().Errorf("Failed to Close(): %v", err)
	}
}

// RemoveAll removes the specified path and logs an error if one is returned.
func RemoveAll(path string) {
	if err := os.RemoveAll(path); err != nil {
		logging.S().Errorf("Failed to RemoveAll(%s): %v", path, err)
	}
}

// WriteFileAtomic writes data to a temporary file in the target's directory
// and renames it into place, so concurrent readers never observe a
// partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	name := tmp.Name()
	tmp = nil
	return os.Rename(name, path)
}
