package workspace

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Swappable so tests can simulate rename failures.
var renameFunc = os.Rename

// WriteFile writes data to path through a temporary file in the same
// directory, so readers never observe a partial file.
func WriteFile(path string, data []byte) error {
	_, err := WriteFrom(path, bytes.NewReader(data))
	return err
}

// WriteFrom streams r into path atomically and returns the bytes written. On
// any error the temporary file is removed and path is left untouched.
func WriteFrom(path string, r io.Reader) (int64, error) {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	// Dot prefix keeps temporaries out of directory listings and manifests.
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := renameFunc(tmpName, path); err != nil {
		return n, err
	}
	return n, nil
}
