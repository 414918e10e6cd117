package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"hls-downloader/internal/auth"
	"hls-downloader/internal/httpx"
	"hls-downloader/internal/playlist"
	"hls-downloader/internal/workspace"
)

const (
	DefaultWorkers = 32
	DefaultRetries = 99
	DefaultTimeout = 60 * time.Second
)

// SegmentError is logged when a segment exhausted its retry budget.
type SegmentError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d: %d attempt(s) failed: %v", e.Index, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// SignFunc signs a segment URL with the caller's current credential snapshot.
type SignFunc func(ctx context.Context, rawURL string) (string, error)

// Counter is the shared success counter. *atomic.Int64 satisfies it.
type Counter interface {
	Add(delta int64) int64
}

// Result summarises one FetchAll run.
type Result struct {
	Fetched  int
	Resident int
	Bytes    int64
	Failed   []*SegmentError
	// Err is the credential failure that aborted the run, if any.
	Err      error
}

// Pool downloads the segments of one job with a fixed number of workers.
type Pool struct {
	Client  *http.Client
	Sign    SignFunc
	Workers int
	Retries int
	Timeout time.Duration

	// Success is incremented once per segment that is on disk, fetched or resident.
	Success Counter
	// OnProgress receives the new success count and the total.
	OnProgress func(done, total int)
	// Stopped is polled between claims and before each retry.
	Stopped func() bool
	// Invalidate is called when the server rejects the credential.
	Invalidate func()
}

func (p *Pool) stopped() bool {
	return p.Stopped != nil && p.Stopped()
}

// FetchAll returns when every segment was attempted or a stop was observed.
// Workers claim indices from a shared cursor, so no index is fetched twice;
// completion order is irrelevant because files are named by index.
func (p *Pool) FetchAll(ctx context.Context, segments []playlist.Segment, ws workspace.Workspace) Result {
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(segments) {
		workers = len(segments)
	}
	if p.Success == nil {
		p.Success = new(atomic.Int64)
	}

	var (
		cursor  atomic.Int64
		aborted atomic.Bool
		wg      sync.WaitGroup
		mu      sync.Mutex
		res     Result
	)
	total := len(segments)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if p.stopped() || aborted.Load() || ctx.Err() != nil {
					return
				}
				i := int(cursor.Add(1) - 1)
				if i >= total {
					return
				}
				out := p.fetch(ctx, segments[i], ws.SegmentPath(segments[i].Index))

				mu.Lock()
				switch {
				case out.fatal != nil:
					aborted.Store(true)
					if res.Err == nil {
						res.Err = out.fatal
					}
				case out.err != nil:
					res.Failed = append(res.Failed, out.err)
				case out.resident:
					res.Resident++
				case out.counted:
					res.Fetched++
					res.Bytes += out.bytes
				}
				mu.Unlock()

				if out.counted {
					done := int(p.Success.Add(1))
					if p.OnProgress != nil {
						p.OnProgress(done, total)
					}
				}
			}
		}()
	}
	wg.Wait()

	sort.Slice(res.Failed, func(a, b int) bool { return res.Failed[a].Index < res.Failed[b].Index })
	if res.Err != nil {
		log.Printf("segments: aborted: %v", res.Err)
	}
	log.Printf("segments: %d fetched (%s), %d resident, %d failed of %d",
		res.Fetched, humanize.Bytes(uint64(res.Bytes)), res.Resident, len(res.Failed), total)
	return res
}

type outcome struct {
	counted  bool
	resident bool
	bytes    int64
	err      *SegmentError
	// fatal is a credential failure; retrying it cannot succeed.
	fatal    error
}

func (p *Pool) fetch(ctx context.Context, seg playlist.Segment, path string) outcome {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && (p.stopped() || ctx.Err() != nil) {
			return outcome{}
		}
		if workspace.NonEmptyFile(path) {
			return outcome{counted: true, resident: true}
		}
		attempts++
		n, err := p.download(ctx, seg.URL, path)
		if err == nil {
			if p.stopped() {
				// The file is complete; a later run counts it as resident.
				return outcome{}
			}
			return outcome{counted: true, bytes: n}
		}
		_ = os.Remove(path)
		if auth.IsCredential(err) {
			return outcome{fatal: err}
		}
		lastErr = err
	}
	if p.stopped() {
		return outcome{}
	}
	segErr := &SegmentError{Index: seg.Index, Attempts: attempts, Err: lastErr}
	log.Printf("abandoning %v", segErr)
	return outcome{err: segErr}
}

func (p *Pool) download(ctx context.Context, rawURL, path string) (int64, error) {
	signed, err := p.Sign(ctx, rawURL)
	if err != nil {
		return 0, err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && p.Invalidate != nil {
			p.Invalidate()
		}
		return 0, &httpx.StatusError{URL: signed, StatusCode: resp.StatusCode}
	}

	n, err := workspace.WriteFrom(path, resp.Body)
	if err != nil {
		return n, err
	}
	if n == 0 {
		_ = os.Remove(path)
		return 0, errors.New("empty segment body")
	}
	return n, nil
}
