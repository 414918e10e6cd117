package playlist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-downloader/internal/auth"
	"hls-downloader/internal/httpx"
	"hls-downloader/internal/workspace"
)

type fakeCreds struct {
	mu          sync.Mutex
	invalidated int
	tokenErr    error
}

func (f *fakeCreds) Token(context.Context) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "tok", nil
}

func (f *fakeCreds) Signature() auth.Signature {
	return auth.Sign("secret", time.Unix(1700000000, 0))
}

func (f *fakeCreds) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

// hits records request paths served by a test server.
type hits struct {
	mu    sync.Mutex
	paths []string
}

func (h *hits) add(p string) {
	h.mu.Lock()
	h.paths = append(h.paths, p)
	h.mu.Unlock()
}

func (h *hits) count(p string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, x := range h.paths {
		if x == p {
			n++
		}
	}
	return n
}

func newResolver(t *testing.T, srv *httptest.Server) (*Resolver, workspace.Workspace) {
	t.Helper()
	ws := workspace.New(t.TempDir(), "lecture")
	return &Resolver{
		Client:     srv.Client(),
		Creds:      &fakeCreds{},
		Workspace:  ws,
		Timeout:    5 * time.Second,
		KeyRetries: 2,
	}, ws
}

const mediaBody = "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\n0.ts\n#EXTINF:10,\n/abs/1.ts\n#EXTINF:10,\n2.ts\n#EXT-X-ENDLIST\n"

func TestResolve_FollowsOnlyFirstVariant(t *testing.T) {
	h := &hits{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.add(r.URL.Path)
		if r.URL.Query().Get("Xvideo_Token") != "tok" || r.URL.Query().Get("Platform") != auth.Platform {
			t.Errorf("unsigned request: %s", r.URL)
		}
		switch r.URL.Path {
		case "/v/master.m3u8":
			w.Write([]byte("#EXTM3U\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=100\nA/index.m3u8\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=900\nB/index.m3u8\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=500\nC/index.m3u8\n"))
		case "/v/A/index.m3u8":
			w.Write([]byte(mediaBody))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r, ws := newResolver(t, srv)
	var sigs int
	r.OnSignature = func(auth.Signature) { sigs++ }

	doc, err := r.Resolve(context.Background(), srv.URL+"/v/master.m3u8", 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h.count("/v/B/index.m3u8") != 0 || h.count("/v/C/index.m3u8") != 0 {
		t.Fatalf("non-first variant fetched: %v", h.paths)
	}
	if h.count("/v/A/index.m3u8") != 1 {
		t.Fatalf("first variant not fetched once: %v", h.paths)
	}
	if sigs != 2 {
		t.Fatalf("expected a signature snapshot per request, got %d", sigs)
	}

	if doc.Kind != Media || len(doc.Segments) != 3 {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Segments[0].URL != srv.URL+"/v/A/0.ts" || doc.Segments[1].URL != srv.URL+"/abs/1.ts" {
		t.Fatalf("segments resolved against the wrong base: %+v", doc.Segments)
	}

	pl, err := os.ReadFile(ws.PlaylistPath())
	if err != nil {
		t.Fatalf("playlist not written: %v", err)
	}
	if string(pl) != doc.Rewritten || !strings.Contains(string(pl), "\n1.ts\n") {
		t.Fatalf("unexpected playlist:\n%s", pl)
	}
	man, err := os.ReadFile(ws.ManifestPath())
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	if string(man) != Manifest(ws, 3) {
		t.Fatalf("unexpected manifest:\n%s", man)
	}
}

func TestResolve_RetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(mediaBody))
	}))
	defer srv.Close()

	r, _ := newResolver(t, srv)
	doc, err := r.Resolve(context.Background(), srv.URL+"/index.m3u8", 2)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(doc.Segments) != 3 || calls != 3 {
		t.Fatalf("segments=%d calls=%d", len(doc.Segments), calls)
	}
}

func TestResolve_ExhaustionAndInvalidate(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	r, _ := newResolver(t, srv)
	creds := r.Creds.(*fakeCreds)

	_, err := r.Resolve(context.Background(), srv.URL+"/index.m3u8", 2)
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResolveError, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if re.Attempts != 3 || calls != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", re.Attempts, calls)
	}
	if strings.Contains(err.Error(), "Xvideo_Token") {
		t.Fatalf("error leaks token: %v", err)
	}
	if creds.invalidated != 3 {
		t.Fatalf("token not invalidated on rejection: %d", creds.invalidated)
	}
}

func TestResolve_CredentialErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	defer srv.Close()

	r, _ := newResolver(t, srv)
	r.Creds = &fakeCreds{tokenErr: &auth.CredentialError{Err: errors.New("no token")}}
	_, err := r.Resolve(context.Background(), srv.URL+"/index.m3u8", 5)
	if !auth.IsCredential(err) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
}

func TestResolve_StoppedBeforeAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	defer srv.Close()

	r, _ := newResolver(t, srv)
	r.Stopped = func() bool { return true }
	if _, err := r.Resolve(context.Background(), srv.URL+"/index.m3u8", 5); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestResolve_KeyFetchedOnceAndReused(t *testing.T) {
	h := &hits{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.add(r.URL.Path)
		switch r.URL.Path {
		case "/v/index.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/k1\"\n#EXTINF:10,\n0.ts\n#EXT-X-ENDLIST\n"))
		case "/keys/k1":
			w.Write([]byte("0123456789abcdef"))
		}
	}))
	defer srv.Close()

	r, ws := newResolver(t, srv)
	for i := 0; i < 2; i++ {
		doc, err := r.Resolve(context.Background(), srv.URL+"/v/index.m3u8", 0)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if doc.Key == nil || !doc.Key.Local || doc.Key.URL != srv.URL+"/keys/k1" {
			t.Fatalf("key = %+v", doc.Key)
		}
		if !strings.Contains(doc.Rewritten, `URI="./lecture/key"`) {
			t.Fatalf("key directive not rewritten:\n%s", doc.Rewritten)
		}
	}
	if h.count("/keys/k1") != 1 {
		t.Fatalf("key fetched %d times, want 1", h.count("/keys/k1"))
	}
	b, err := os.ReadFile(ws.KeyPath())
	if err != nil || string(b) != "0123456789abcdef" {
		t.Fatalf("key file = %q, %v", b, err)
	}
}

func TestResolve_KeyFailureKeepsDirective(t *testing.T) {
	h := &hits{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.add(r.URL.Path)
		if r.URL.Path == "/v/index.m3u8" {
			w.Write([]byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k1\"\n#EXTINF:10,\n0.ts\n"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, ws := newResolver(t, srv)
	doc, err := r.Resolve(context.Background(), srv.URL+"/v/index.m3u8", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h.count("/v/k1") != 3 {
		t.Fatalf("key attempts = %d, want 3", h.count("/v/k1"))
	}
	if doc.Key == nil || doc.Key.Local {
		t.Fatalf("key = %+v", doc.Key)
	}
	if !strings.Contains(doc.Rewritten, `URI="k1"`) {
		t.Fatalf("original directive not kept:\n%s", doc.Rewritten)
	}
	if workspace.FileExists(ws.KeyPath()) {
		t.Fatalf("partial key file left behind")
	}
}

func TestResolve_RoutedTransportKeepsHostname(t *testing.T) {
	var mu sync.Mutex
	var hosts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hosts = append(hosts, r.Host)
		mu.Unlock()
		switch r.URL.Path {
		case "/a/index.m3u8":
			w.Write([]byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/k\"\n#EXTINF:10,\n/seg/0.ts\n#EXT-X-ENDLIST\n"))
		case "/keys/k":
			w.Write([]byte("0123456789abcdef"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host := httpx.VideoHost + ":" + u.Port()
	r, _ := newResolver(t, srv)
	r.Client = &http.Client{Transport: &httpx.Transport{
		Routes: map[string]string{httpx.VideoHost: u.Hostname()},
	}}

	doc, err := r.Resolve(context.Background(), "http://"+host+"/a/index.m3u8", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := "http://" + host + "/seg/0.ts"; doc.Segments[0].URL != want {
		t.Fatalf("segment 0 = %q, want %q", doc.Segments[0].URL, want)
	}
	if doc.Key == nil || doc.Key.URL != "http://"+host+"/keys/k" || !doc.Key.Local {
		t.Fatalf("key = %+v", doc.Key)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, h := range hosts {
		if h != host {
			t.Fatalf("request sent with Host %q, want %q", h, host)
		}
	}
}
