package remux

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// maxRunning is the highest percentage reported while ffmpeg is still running.
const maxRunning = 99

var (
	stderrDuration = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)`)
	stderrTime     = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// Tracker turns ffmpeg output into a percentage. The -progress key/value
// stream on stdout is preferred; the human-readable stderr log fills in the
// duration when stdout doesn't carry it.
type Tracker struct {
	mu       sync.Mutex
	duration float64
	current  float64
	last     int
	report   func(percent int)
}

func NewTracker(report func(percent int)) *Tracker {
	return &Tracker{last: -1, report: report}
}

// Stdout returns a writer fed with ffmpeg's -progress output.
func (t *Tracker) Stdout() *LineWriter { return &LineWriter{line: t.stdoutLine} }

// Stderr returns a writer fed with ffmpeg's log output.
func (t *Tracker) Stderr() *LineWriter { return &LineWriter{line: t.stderrLine} }

func (t *Tracker) stdoutLine(line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch key {
	case "duration":
		if d, ok := parseClock(value); ok {
			t.duration = d
		}
	case "out_time_ms", "out_time_us":
		// ffmpeg reports microseconds under both keys.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil {
			t.current = float64(us) / 1e6
		}
	case "out_time":
		if c, ok := parseClock(value); ok {
			t.current = c
		}
	default:
		return
	}
	t.emit()
}

func (t *Tracker) stderrLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.duration == 0 {
		if m := stderrDuration.FindStringSubmatch(line); m != nil {
			t.duration = hms(m[1], m[2], m[3])
		}
	}
	if m := stderrTime.FindStringSubmatch(line); m != nil {
		t.current = hms(m[1], m[2], m[3])
		t.emit()
	}
}

// emit reports the percentage when it changed. Caller holds mu.
func (t *Tracker) emit() {
	p, ok := t.percent()
	if !ok || p == t.last {
		return
	}
	t.last = p
	if t.report != nil {
		t.report(p)
	}
}

func (t *Tracker) percent() (int, bool) {
	if t.duration <= 0 || t.current <= 0 {
		return 0, false
	}
	p := int(t.current / t.duration * 100)
	if p > maxRunning {
		p = maxRunning
	}
	return p, true
}

// Percent returns the last reported value, or -1 before the first report.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// parseClock accepts HH:MM:SS(.frac) or plain seconds.
func parseClock(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) == 3 {
		return hms(parts[0], parts[1], parts[2]), true
	}
	if len(parts) == 1 {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil && f >= 0
	}
	return 0, false
}

func hms(h, m, s string) float64 {
	hours, _ := strconv.Atoi(h)
	minutes, _ := strconv.Atoi(m)
	seconds, _ := strconv.ParseFloat(s, 64)
	return float64(hours)*3600 + float64(minutes)*60 + seconds
}

// LineWriter splits a byte stream on \n and \r and hands each line to line.
// ffmpeg rewrites its stats line with \r, so both count as terminators.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	line func(string)
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			w.line(string(w.buf[:i]))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush delivers a trailing unterminated line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}
