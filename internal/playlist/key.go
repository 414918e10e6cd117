package playlist

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"hls-downloader/internal/httpx"
	"hls-downloader/internal/workspace"
)

// resolveKey stores the key at keyURL as the workspace key file and returns
// line with its URI pointing at the local copy. An existing key file is
// reused. After KeyRetries failed retries it gives up and the caller keeps
// the original directive; playback of an encrypted stream then fails later.
func (r *Resolver) resolveKey(ctx context.Context, line, keyURL string) (string, bool) {
	rewritten := ReplaceKeyURI(line, r.Workspace.KeyRef())
	local := r.Workspace.KeyPath()
	if workspace.FileExists(local) {
		return rewritten, true
	}

	retries := r.KeyRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; attempt <= retries; attempt++ {
		if r.stopped() || ctx.Err() != nil {
			break
		}
		err := r.fetchKey(ctx, keyURL, local)
		if err == nil {
			return rewritten, true
		}
		_ = os.Remove(local)
		log.Printf("fetch key %s (attempt %d/%d): %v", redact(keyURL), attempt+1, retries+1, err)
	}
	log.Printf("encrypted stream: key %s unavailable, keeping original directive", redact(keyURL))
	return "", false
}

func (r *Resolver) fetchKey(ctx context.Context, keyURL, local string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &httpx.StatusError{URL: keyURL, StatusCode: resp.StatusCode}
	}

	n, err := workspace.WriteFrom(local, io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("empty key")
	}
	return nil
}
