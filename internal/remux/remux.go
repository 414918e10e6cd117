package remux

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"hls-downloader/internal/workspace"
)

const DefaultFFmpeg = "ffmpeg"

// stderrTail bounds how much of ffmpeg's log is kept for error messages;
// diagLines is how many of its last lines an error carries.
const (
	stderrTail = 4 << 10
	diagLines  = 8
)

// Attempt identifies which ffmpeg invocation produced the output.
type Attempt int

const (
	Primary Attempt = iota
	Fallback
)

func (a Attempt) String() string {
	if a == Fallback {
		return "fallback"
	}
	return "primary"
}

// RemuxError is returned when both invocations failed to produce an output.
type RemuxError struct {
	Primary  error
	Fallback error
}

func (e *RemuxError) Error() string {
	return fmt.Sprintf("remux failed: concat: %v; playlist: %v", e.Primary, e.Fallback)
}

func (e *RemuxError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// Runner executes an external command with the given output sinks.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Remuxer copies the fetched streams of a workspace into one MP4 without
// re-encoding.
type Remuxer struct {
	FFmpegPath string
	Runner     Runner
	// OnProgress receives the conversion percentage, at most 99 while running.
	OnProgress func(percent int)
}

// ConcatArgs is the primary invocation: concatenate the segment files listed
// in the manifest.
func ConcatArgs(ws workspace.Workspace) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", ws.ManifestPath(),
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-y", ws.OutputPath(),
	}
}

// PlaylistArgs is the fallback invocation: read the rewritten playlist, which
// also covers a locally stored key.
func PlaylistArgs(ws workspace.Workspace) []string {
	return []string{
		"-allowed_extensions", "ALL",
		"-i", ws.PlaylistPath(),
		"-c", "copy",
		"-progress", "pipe:1",
		"-y", ws.OutputPath(),
	}
}

// Remux runs the concat invocation and falls back to the playlist invocation
// when it leaves no output. An attempt counts as successful when ffmpeg exits
// cleanly or when the output exists and is non-empty regardless of exit status.
func (r *Remuxer) Remux(ctx context.Context, ws workspace.Workspace) (Attempt, error) {
	primaryErr := r.run(ctx, ws, ConcatArgs(ws))
	if primaryErr == nil {
		return Primary, nil
	}
	if err := ctx.Err(); err != nil {
		return Primary, err
	}
	log.Printf("remux %s: concat failed (%v), trying playlist input", ws.Name, primaryErr)

	fallbackErr := r.run(ctx, ws, PlaylistArgs(ws))
	if fallbackErr == nil {
		return Fallback, nil
	}
	return Fallback, &RemuxError{Primary: primaryErr, Fallback: fallbackErr}
}

func (r *Remuxer) run(ctx context.Context, ws workspace.Workspace, args []string) error {
	bin := r.FFmpegPath
	if bin == "" {
		bin = DefaultFFmpeg
	}
	runner := r.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	tracker := NewTracker(r.OnProgress)
	stdout, stderr := tracker.Stdout(), tracker.Stderr()
	tail := &tailBuffer{max: stderrTail}

	log.Printf("remux %s: %s %s", ws.Name, bin, strings.Join(args, " "))
	err := runner.Run(ctx, bin, args, stdout, io.MultiWriter(stderr, tail))
	stdout.Flush()
	stderr.Flush()

	info, statErr := os.Stat(ws.OutputPath())
	produced := statErr == nil && info.Size() > 0
	switch {
	case err == nil && produced:
		log.Printf("remux %s: wrote %s", ws.Name, humanize.Bytes(uint64(info.Size())))
		return nil
	case err == nil:
		log.Printf("remux %s: ffmpeg exited cleanly but %s is missing or empty", ws.Name, ws.OutputPath())
		return nil
	case produced:
		log.Printf("remux %s: ffmpeg exited with %v but produced %s, accepting", ws.Name, err, humanize.Bytes(uint64(info.Size())))
		return nil
	}
	if d := lastLines(tail.String(), diagLines); d != "" {
		return fmt.Errorf("%w: %s", err, d)
	}
	return err
}

// lastLines returns up to n trailing non-blank lines of s joined by " | ".
func lastLines(s string, n int) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' })
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			out = append(out, l)
		}
	}
	for a, b := 0, len(out)-1; a < b; a, b = a+1, b-1 {
		out[a], out[b] = out[b], out[a]
	}
	return strings.Join(out, " | ")
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
