package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hls-downloader/internal/auth"
	"hls-downloader/internal/fetch"
	"hls-downloader/internal/playlist"
	"hls-downloader/internal/remux"
	"hls-downloader/internal/workspace"
)

var (
	// ErrIncomplete means some segments were abandoned; nothing was remuxed.
	ErrIncomplete = errors.New("download incomplete")
	// ErrEmptyPlaylist means the media playlist listed no segments.
	ErrEmptyPlaylist = errors.New("media playlist has no segments")
)

// Credentials is what a job needs from the shared credential provider.
type Credentials interface {
	playlist.Credentials
	Secret() string
}

type Options struct {
	URL      string
	Dir      string
	Name     string
	AudioURL string

	Workers         int
	Retries         int
	KeyRetries      int
	RefreshInterval time.Duration

	Client *http.Client
	Creds  Credentials
	Sink   Sink

	FFmpegPath string
	// Runner overrides how ffmpeg is executed.
	Runner remux.Runner

	// OnResolved is called once the media playlist is known.
	OnResolved func(*playlist.Document)
}

// Snapshot is a point-in-time copy of a job's run state.
type Snapshot struct {
	Success int  `json:"success"`
	Total   int  `json:"total"`
	Stopped bool `json:"stopped"`
	Running bool `json:"running"`
	Done    bool `json:"done"`
}

// Job downloads one playlist into its workspace and remuxes it.
type Job struct {
	opts Options
	ws   workspace.Workspace
	sink Sink

	success atomic.Int64
	total   atomic.Int64
	stopped atomic.Bool
	running atomic.Bool
	done    atomic.Bool

	sig atomic.Pointer[auth.Signature]

	mu        sync.Mutex
	refresher *refresher

	// runMu is held for the whole of a run.
	runMu sync.Mutex
}

func New(opts Options) *Job {
	if opts.Workers <= 0 {
		opts.Workers = fetch.DefaultWorkers
	}
	if opts.Retries < 0 {
		opts.Retries = fetch.DefaultRetries
	}
	if opts.KeyRetries < 0 {
		opts.KeyRetries = playlist.DefaultKeyRetries
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	j := &Job{
		opts: opts,
		ws:   workspace.New(opts.Dir, opts.Name),
		sink: opts.Sink,
	}
	if j.sink == nil {
		j.sink = SinkFuncs{}
	}
	if j.ws.OutputReady() {
		j.done.Store(true)
	}
	return j
}

func (j *Job) Workspace() workspace.Workspace { return j.ws }

func (j *Job) ID() string { return j.ws.ID() }

func (j *Job) State() Snapshot {
	return Snapshot{
		Success: int(j.success.Load()),
		Total:   int(j.total.Load()),
		Stopped: j.stopped.Load(),
		Running: j.running.Load(),
		Done:    j.done.Load(),
	}
}

// Stop asks the job to wind down. Workers finish their current request and
// claim nothing further; a stopped job is never remuxed.
func (j *Job) Stop() {
	j.stopped.Store(true)
	j.running.Store(false)
	j.stopRefresher()
}

func (j *Job) stopRefresher() {
	j.mu.Lock()
	r := j.refresher
	j.refresher = nil
	j.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}

// Start runs the job to completion. It is a no-op while a run is in progress.
// After Stop, a new Start waits for the stopped run's workers to return before
// it begins. Any failure is reported to the sink and returned.
func (j *Job) Start(ctx context.Context) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil
	}
	j.runMu.Lock()
	defer j.runMu.Unlock()
	if !j.running.Load() {
		// Stopped while waiting for the previous run.
		return nil
	}
	j.stopped.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("job %s: panic: %v\n%s", j.ws.Name, r, debug.Stack())
			err = fmt.Errorf("job %s: panic: %v", j.ws.Name, r)
			j.sink.Failed(err)
		}
		j.stopRefresher()
		// After Stop the flag may already belong to a waiting Start.
		if !j.stopped.Load() {
			j.running.Store(false)
		}
	}()

	if j.done.Load() {
		log.Printf("job %s: %s already exists, nothing to do", j.ws.Name, j.ws.OutputPath())
		j.sink.Progress(Event{Phase: PhaseCompleted, Done: 100, Total: 100})
		return nil
	}

	if err := j.run(ctx); err != nil {
		if errors.Is(err, playlist.ErrStopped) {
			log.Printf("job %s: stopped", j.ws.Name)
			return nil
		}
		log.Printf("job %s: %v", j.ws.Name, err)
		j.sink.Failed(err)
		return err
	}
	return nil
}

func (j *Job) run(ctx context.Context) error {
	creds := j.opts.Creds
	rootURL := auth.EncryptPath(j.opts.URL, creds.Secret())

	if _, err := creds.Token(ctx); err != nil {
		return err
	}
	sig := creds.Signature()
	j.sig.Store(&sig)

	resolver := &playlist.Resolver{
		Client:      j.opts.Client,
		Creds:       creds,
		Workspace:   j.ws,
		KeyRetries:  j.opts.KeyRetries,
		OnSignature: func(s auth.Signature) { j.sig.Store(&s) },
		Stopped:     j.stopped.Load,
	}
	doc, err := resolver.Resolve(ctx, rootURL, j.opts.Retries)
	if err != nil {
		return err
	}
	if len(doc.Segments) == 0 {
		return ErrEmptyPlaylist
	}
	total := len(doc.Segments)
	j.total.Store(int64(total))
	j.success.Store(0)
	if j.opts.OnResolved != nil {
		j.opts.OnResolved(doc)
	}

	j.mu.Lock()
	if !j.stopped.Load() {
		j.refresher = startRefresher(j.opts.RefreshInterval, creds.Signature, &j.sig, func() bool {
			return j.stopped.Load() || j.success.Load() >= j.total.Load()
		})
	}
	j.mu.Unlock()

	if err := j.ws.EnsureSegmentDir(); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	pool := &fetch.Pool{
		Client:     j.opts.Client,
		Sign:       j.sign,
		Workers:    j.opts.Workers,
		Retries:    j.opts.Retries,
		Success:    &j.success,
		Stopped:    j.stopped.Load,
		Invalidate: creds.Invalidate,
		OnProgress: func(done, total int) {
			j.sink.Progress(Event{Phase: PhaseDownloading, Done: done, Total: total})
		},
	}
	res := pool.FetchAll(ctx, doc.Segments, j.ws)
	j.stopRefresher()

	if j.stopped.Load() {
		return playlist.ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	if n := int(j.success.Load()); n < total {
		return fmt.Errorf("%w: %d of %d segments, %d abandoned", ErrIncomplete, n, total, len(res.Failed))
	}

	if err := j.remux(ctx); err != nil {
		return err
	}

	if err := j.ws.Cleanup(); err != nil {
		log.Printf("job %s: %v", j.ws.Name, err)
	}
	j.done.Store(true)
	j.sink.Progress(Event{Phase: PhaseCompleted, Done: total, Total: total})

	if j.opts.AudioURL != "" {
		fresh := creds.Signature()
		j.sig.Store(&fresh)
		if err := j.downloadAudio(ctx); err != nil {
			log.Printf("job %s: %v", j.ws.Name, err)
			j.sink.Failed(err)
		}
	}
	return nil
}

func (j *Job) remux(ctx context.Context) error {
	j.sink.Progress(Event{Phase: PhaseConverting, Done: 0, Total: 100})
	r := &remux.Remuxer{
		FFmpegPath: j.opts.FFmpegPath,
		Runner:     j.opts.Runner,
		OnProgress: func(p int) {
			j.sink.Progress(Event{Phase: PhaseConverting, Done: p, Total: 100})
		},
	}
	attempt, err := r.Remux(ctx, j.ws)
	if err != nil {
		return err
	}
	log.Printf("job %s: remuxed via %s invocation", j.ws.Name, attempt)
	return nil
}

// sign signs a segment URL with the current token and signature snapshot.
func (j *Job) sign(ctx context.Context, rawURL string) (string, error) {
	token, err := j.opts.Creds.Token(ctx)
	if err != nil {
		return "", err
	}
	sig := j.sig.Load()
	if sig == nil {
		s := j.opts.Creds.Signature()
		sig = &s
	}
	return auth.SignURL(rawURL, token, *sig), nil
}
