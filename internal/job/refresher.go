package job

import (
	"sync"
	"sync/atomic"
	"time"

	"hls-downloader/internal/auth"
)

const DefaultRefreshInterval = 10 * time.Second

// refresher replaces the job's signature snapshot on a fixed cadence, since
// the backend only honours a signature for a short window.
type refresher struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// startRefresher stores sign() into target every interval until Stop is called
// or finished reports true.
func startRefresher(interval time.Duration, sign func() auth.Signature, target *atomic.Pointer[auth.Signature], finished func() bool) *refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	r := &refresher{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if finished() {
					return
				}
				sig := sign()
				target.Store(&sig)
			}
		}
	}()
	return r
}

// Stop halts the refresher and waits for its goroutine. Safe to call twice.
func (r *refresher) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
