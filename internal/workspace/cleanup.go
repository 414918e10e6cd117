package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrOutputMissing is returned by Cleanup when the final container is absent or
// empty; nothing is deleted in that case.
var ErrOutputMissing = errors.New("output container missing or empty")

// CleanupError collects the intermediate files that could not be removed.
type CleanupError struct {
	Errs []error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup: %d problem(s), first: %v", len(e.Errs), e.Errs[0])
}

func (e *CleanupError) Unwrap() []error { return e.Errs }

// Cleanup removes the segment files, the segment directory, the rewritten
// playlist and the manifest. It refuses to touch anything unless OutputReady.
// Every step is attempted even when an earlier one fails.
func (w Workspace) Cleanup() error {
	if !w.OutputReady() {
		return ErrOutputMissing
	}

	var errs []error
	entries, err := os.ReadDir(w.SegmentDir())
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(w.SegmentDir(), e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(w.SegmentDir()); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(w.PlaylistPath()); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := os.Remove(w.ManifestPath()); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return &CleanupError{Errs: errs}
	}
	return nil
}

// Discard removes every intermediate file of the workspace whether or not the
// output exists. The output and audio files are kept.
func (w Workspace) Discard() error {
	var errs []error
	if err := os.RemoveAll(w.SegmentDir()); err != nil {
		errs = append(errs, err)
	}
	for _, p := range []string{w.PlaylistPath(), w.ManifestPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &CleanupError{Errs: errs}
	}
	return nil
}
