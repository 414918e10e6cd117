package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hls-downloader/internal/auth"
	"hls-downloader/internal/httpx"
	"hls-downloader/internal/workspace"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultKeyRetries = 5

	// maxDepth bounds master -> master chains.
	maxDepth = 4
	// maxBody bounds a playlist or key body.
	maxBody = 16 << 20
)

// ErrStopped is returned when the owning job was stopped mid-resolve.
var ErrStopped = errors.New("stopped")

// ResolveError is returned once the retry budget for a playlist is spent.
type ResolveError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %d attempt(s) failed: %v", e.URL, e.Attempts, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Credentials supplies the token and signatures used to sign playlist URLs.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Signature() auth.Signature
	Invalidate()
}

// Resolver turns a playlist URL into a media Document, following the first
// variant of master playlists, and stores the rewritten playlist, the concat
// manifest and the key inside the job's workspace.
type Resolver struct {
	Client    *http.Client
	Creds     Credentials
	Workspace workspace.Workspace

	Timeout    time.Duration
	KeyRetries int

	// OnSignature receives the signature used for each attempt, so the caller
	// can share the snapshot with its other requests.
	OnSignature func(auth.Signature)
	// Stopped is polled before every attempt.
	Stopped func() bool
}

func (r *Resolver) stopped() bool {
	return r.Stopped != nil && r.Stopped()
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// Resolve fetches rawURL with up to 1+retries attempts. A master playlist is
// resolved through its first variant with the same budget.
func (r *Resolver) Resolve(ctx context.Context, rawURL string, retries int) (*Document, error) {
	target := rawURL
	for depth := 0; depth < maxDepth; depth++ {
		doc, err := r.resolveWithRetry(ctx, target, retries)
		if err != nil {
			return nil, err
		}
		if doc.Kind == Media {
			return doc, nil
		}
		log.Printf("master playlist %s: following first of %d variant(s)", redact(target), len(doc.Variants))
		target = doc.Variants[0]
	}
	return nil, &ResolveError{URL: redact(rawURL), Attempts: maxDepth, Err: errors.New("too many nested master playlists")}
}

func (r *Resolver) resolveWithRetry(ctx context.Context, rawURL string, retries int) (*Document, error) {
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if r.stopped() {
			return nil, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++
		doc, err := r.fetch(ctx, rawURL)
		if err == nil {
			return doc, nil
		}
		if auth.IsCredential(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("resolve %s (attempt %d/%d): %v", redact(rawURL), attempt+1, retries+1, err)
	}
	return nil, &ResolveError{URL: redact(rawURL), Attempts: attempts, Err: lastErr}
}

// fetch is a single attempt: sign, GET, classify and, for media, rewrite and
// persist.
func (r *Resolver) fetch(ctx context.Context, rawURL string) (*Document, error) {
	token, err := r.Creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	sig := r.Creds.Signature()
	if r.OnSignature != nil {
		r.OnSignature(sig)
	}

	body, final, err := r.get(ctx, auth.SignURL(rawURL, token, sig))
	if err != nil {
		if httpx.IsStatus(err, http.StatusUnauthorized) || httpx.IsStatus(err, http.StatusForbidden) {
			r.Creds.Invalidate()
		}
		return nil, err
	}

	base := BaseOf(rawURL, final)
	kind, variants := Classify(body)
	if kind == Master {
		if len(variants) == 0 {
			return nil, errors.New("master playlist has no variants")
		}
		doc := &Document{Kind: Master, URL: rawURL}
		for _, v := range variants {
			doc.Variants = append(doc.Variants, base.Resolve(v))
		}
		return doc, nil
	}

	doc := RewriteMedia(body, base, func(line, keyURL string) (string, bool) {
		return r.resolveKey(ctx, line, keyURL)
	})
	doc.URL = rawURL
	if err := r.persist(doc); err != nil {
		return nil, err
	}
	log.Printf("media playlist %s: %d segment(s)", redact(rawURL), len(doc.Segments))
	return doc, nil
}

func (r *Resolver) persist(doc *Document) error {
	if err := workspace.WriteFile(r.Workspace.PlaylistPath(), []byte(doc.Rewritten)); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	if err := workspace.WriteFile(r.Workspace.ManifestPath(), []byte(Manifest(r.Workspace, len(doc.Segments)))); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// get issues a bounded GET and returns the body and the final request URL.
func (r *Resolver) get(ctx context.Context, signedURL string) ([]byte, *url.URL, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, &httpx.StatusError{URL: signedURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, err
	}
	return body, resp.Request.URL, nil
}

// redact drops the query, which carries the token once signed.
func redact(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}
