package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hls-downloader/internal/auth"
	"hls-downloader/internal/playlist"
	"hls-downloader/internal/workspace"
)

type server struct {
	*httptest.Server
	mu    sync.Mutex
	hits  map[string]int
	fail  map[string]bool
	delay time.Duration
}

func newServer(t *testing.T) *server {
	s := &server{hits: map[string]int{}, fail: map[string]bool{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		fail := s.fail[r.URL.Path]
		delay := s.delay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if r.URL.Query().Get("sig") != "ok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload" + r.URL.Path))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *server) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.hits {
		n += v
	}
	return n
}

func segments(base string, n int) []playlist.Segment {
	out := make([]playlist.Segment, n)
	for i := range out {
		out[i] = playlist.Segment{URL: fmt.Sprintf("%s/seg/%d.ts", base, i), Index: i}
	}
	return out
}

func newPool(s *server) (*Pool, *atomic.Int64) {
	success := new(atomic.Int64)
	return &Pool{
		Client:  s.Client(),
		Sign:    func(_ context.Context, u string) (string, error) { return u + "?sig=ok", nil },
		Workers: 4,
		Retries: 2,
		Timeout: 5 * time.Second,
		Success: success,
	}, success
}

func TestFetchAll_ResumesResidentSegments(t *testing.T) {
	s := newServer(t)
	ws := workspace.New(t.TempDir(), "v")
	const m, n = 6, 2
	for i := 0; i < n; i++ {
		if err := workspace.WriteFile(ws.SegmentPath(i), []byte("resident")); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	p, success := newPool(s)
	var mu sync.Mutex
	var reports []int
	p.OnProgress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if total != m {
			t.Errorf("total = %d", total)
		}
		reports = append(reports, done)
	}

	res := p.FetchAll(context.Background(), segments(s.URL, m), ws)
	if s.total() != m-n {
		t.Fatalf("network fetches = %d, want %d", s.total(), m-n)
	}
	for i := 0; i < n; i++ {
		if s.count(fmt.Sprintf("/seg/%d.ts", i)) != 0 {
			t.Fatalf("resident segment %d refetched", i)
		}
	}
	if success.Load() != m || res.Fetched != m-n || res.Resident != n || len(res.Failed) != 0 {
		t.Fatalf("success=%d result=%+v", success.Load(), res)
	}
	if len(reports) != m {
		t.Fatalf("progress reports = %v", reports)
	}
	for i := n; i < m; i++ {
		b, err := os.ReadFile(ws.SegmentPath(i))
		if err != nil || string(b) != fmt.Sprintf("payload/seg/%d.ts", i) {
			t.Fatalf("segment %d = %q, %v", i, b, err)
		}
	}
}

func TestFetchAll_EachIndexFetchedOnce(t *testing.T) {
	s := newServer(t)
	ws := workspace.New(t.TempDir(), "v")
	p, success := newPool(s)
	p.Workers = 16

	const m = 200
	p.FetchAll(context.Background(), segments(s.URL, m), ws)
	if success.Load() != m {
		t.Fatalf("success = %d", success.Load())
	}
	for i := 0; i < m; i++ {
		if c := s.count(fmt.Sprintf("/seg/%d.ts", i)); c != 1 {
			t.Fatalf("segment %d fetched %d times", i, c)
		}
	}
}

func TestFetchAll_RetryExhaustion(t *testing.T) {
	s := newServer(t)
	s.fail["/seg/1.ts"] = true
	ws := workspace.New(t.TempDir(), "v")
	p, success := newPool(s)

	res := p.FetchAll(context.Background(), segments(s.URL, 3), ws)
	if c := s.count("/seg/1.ts"); c != 3 {
		t.Fatalf("attempts on failing segment = %d, want 1+2", c)
	}
	if success.Load() != 2 {
		t.Fatalf("success = %d, want 2", success.Load())
	}
	if len(res.Failed) != 1 || res.Failed[0].Index != 1 || res.Failed[0].Attempts != 3 {
		t.Fatalf("failed = %+v", res.Failed)
	}
	if workspace.FileExists(ws.SegmentPath(1)) {
		t.Fatalf("failed segment left a file")
	}
}

func TestFetchAll_InvalidatesOnRejection(t *testing.T) {
	s := newServer(t)
	ws := workspace.New(t.TempDir(), "v")
	p, _ := newPool(s)
	p.Retries = 1
	p.Sign = func(_ context.Context, u string) (string, error) { return u + "?sig=stale", nil }
	var invalidated atomic.Int32
	p.Invalidate = func() { invalidated.Add(1) }

	res := p.FetchAll(context.Background(), segments(s.URL, 1), ws)
	if len(res.Failed) != 1 || invalidated.Load() != 2 {
		t.Fatalf("failed=%d invalidated=%d", len(res.Failed), invalidated.Load())
	}
	if !strings.Contains(res.Failed[0].Error(), "403") || strings.Contains(res.Failed[0].Error(), "sig=") {
		t.Fatalf("unexpected error text: %v", res.Failed[0])
	}
}

func TestFetchAll_StopHaltsClaims(t *testing.T) {
	s := newServer(t)
	ws := workspace.New(t.TempDir(), "v")
	p, success := newPool(s)
	p.Workers = 1

	var stop atomic.Bool
	p.Stopped = stop.Load
	p.OnProgress = func(done, total int) {
		if done == 2 {
			stop.Store(true)
		}
	}

	res := p.FetchAll(context.Background(), segments(s.URL, 10), ws)
	if success.Load() != 2 || s.total() != 2 {
		t.Fatalf("success=%d requests=%d, want 2 and 2", success.Load(), s.total())
	}
	if len(res.Failed) != 0 {
		t.Fatalf("stop reported as failure: %+v", res.Failed)
	}
}

func TestFetchAll_CredentialErrorAborts(t *testing.T) {
	s := newServer(t)
	ws := workspace.New(t.TempDir(), "v")
	p, success := newPool(s)
	p.Workers = 1
	p.Retries = 99
	var signs atomic.Int32
	p.Sign = func(context.Context, string) (string, error) {
		signs.Add(1)
		return "", &auth.CredentialError{Err: errors.New("no token")}
	}

	res := p.FetchAll(context.Background(), segments(s.URL, 3), ws)
	if signs.Load() != 1 {
		t.Fatalf("sign calls = %d, want 1", signs.Load())
	}
	if !auth.IsCredential(res.Err) {
		t.Fatalf("result error = %v", res.Err)
	}
	if success.Load() != 0 || s.total() != 0 || len(res.Failed) != 0 {
		t.Fatalf("success=%d requests=%d failed=%d", success.Load(), s.total(), len(res.Failed))
	}
}
