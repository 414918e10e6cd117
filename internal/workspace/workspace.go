package workspace

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
)

// File name pieces of a job's on-disk layout. For base "<dir>/<name>":
//
//	<dir>/<name>/         segment directory ({index}.ts and key)
//	<dir>/<name>.m3u8     rewritten media playlist
//	<dir>/<name>.concat   concat manifest
//	<dir>/<name>.mp4      final container
//	<dir>/<name>.aac      optional audio track
const (
	SegmentExt  = ".ts"
	KeyFile     = "key"
	PlaylistExt = ".m3u8"
	ManifestExt = ".concat"
	OutputExt   = ".mp4"
	AudioExt    = ".aac"
)

// Workspace is the on-disk layout of one job. It is owned by that job alone.
type Workspace struct {
	Dir  string
	Name string
}

// New returns the layout for name under dir. dir is made absolute so the concat
// manifest holds absolute paths.
func New(dir, name string) Workspace {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return Workspace{Dir: dir, Name: name}
}

// ID is a stable identifier derived from the output path.
func (w Workspace) ID() string {
	hash := md5.Sum([]byte(w.Base()))
	return hex.EncodeToString(hash[:])
}

func (w Workspace) Base() string         { return filepath.Join(w.Dir, w.Name) }
func (w Workspace) SegmentDir() string   { return w.Base() }
func (w Workspace) PlaylistPath() string { return w.Base() + PlaylistExt }
func (w Workspace) ManifestPath() string { return w.Base() + ManifestExt }
func (w Workspace) OutputPath() string   { return w.Base() + OutputExt }
func (w Workspace) AudioPath() string    { return w.Base() + AudioExt }
func (w Workspace) KeyPath() string      { return filepath.Join(w.SegmentDir(), KeyFile) }

// SegmentName is the file name of segment index inside SegmentDir.
func SegmentName(index int) string {
	return strconv.Itoa(index) + SegmentExt
}

func (w Workspace) SegmentPath(index int) string {
	return filepath.Join(w.SegmentDir(), SegmentName(index))
}

// KeyRef is how the rewritten playlist refers to the local key file.
func (w Workspace) KeyRef() string {
	return "./" + w.Name + "/" + KeyFile
}

// EnsureSegmentDir creates the segment directory if it doesn't exist.
func (w Workspace) EnsureSegmentDir() error {
	return os.MkdirAll(w.SegmentDir(), 0755)
}

// FileExists reports whether path is an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// NonEmptyFile reports whether path is a regular file with content.
func NonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// OutputReady reports whether the final container exists and is non-empty.
func (w Workspace) OutputReady() bool {
	return NonEmptyFile(w.OutputPath())
}

// CountSegments counts resident segment files among the first total indices.
func (w Workspace) CountSegments(total int) int {
	n := 0
	for i := 0; i < total; i++ {
		if FileExists(w.SegmentPath(i)) {
			n++
		}
	}
	return n
}
