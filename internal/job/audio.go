package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"hls-downloader/internal/httpx"
	"hls-downloader/internal/workspace"
)

const (
	audioRetries = 3
	audioTimeout = 10 * time.Minute
)

// downloadAudio stores the separate audio track next to the video. An existing
// non-empty file is kept.
func (j *Job) downloadAudio(ctx context.Context) error {
	path := j.ws.AudioPath()
	if workspace.NonEmptyFile(path) {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= audioRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := j.fetchAudio(ctx, path)
		if err == nil {
			log.Printf("job %s: audio saved (%s)", j.ws.Name, humanize.Bytes(uint64(n)))
			return nil
		}
		_ = os.Remove(path)
		lastErr = err
		log.Printf("job %s: audio attempt %d/%d: %v", j.ws.Name, attempt+1, audioRetries+1, err)
	}
	return fmt.Errorf("download audio: %w", lastErr)
}

func (j *Job) fetchAudio(ctx context.Context, path string) (int64, error) {
	signed, err := j.sign(ctx, j.opts.AudioURL)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, audioTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return 0, err
	}
	resp, err := j.opts.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			j.opts.Creds.Invalidate()
		}
		return 0, &httpx.StatusError{URL: signed, StatusCode: resp.StatusCode}
	}
	n, err := workspace.WriteFrom(path, resp.Body)
	if err != nil {
		return n, err
	}
	if n == 0 {
		_ = os.Remove(path)
		return 0, errors.New("empty audio body")
	}
	return n, nil
}
