package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hls-downloader/internal/playlist"
	"hls-downloader/internal/remux"
	"hls-downloader/internal/workspace"
)

var (
	ErrDuplicate = errors.New("job with the same output is already running")
	ErrRunning   = errors.New("job is running, stop it first")
)

// Request describes a job to add.
type Request struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Dir      string `json:"dir,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

// Defaults are applied to every job the manager starts.
type Defaults struct {
	Dir             string
	Workers         int
	Retries         int
	KeyRetries      int
	RefreshInterval time.Duration
	FFmpegPath      string
	Runner          remux.Runner
}

// Update is published to subscribers for every job event.
type Update struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Event  *Event `json:"event,omitempty"`
	Error  string `json:"error,omitempty"`
	// Final marks the last update of a run.
	Final bool `json:"final,omitempty"`
}

const subscriberBuffer = 64

// Manager owns the running jobs of the process, persists their metadata and
// fans their events out to subscribers.
type Manager struct {
	mu       sync.Mutex
	repo     *Repository
	client   *http.Client
	creds    Credentials
	defaults Defaults

	jobs    map[string]*entry
	subs    map[int]chan Update
	nextSub int
	wg      sync.WaitGroup
}

type entry struct {
	job  *Job
	meta JobMetadata
	// finished is closed once the run goroutine has returned.
	finished chan struct{}
}

// busy reports whether a run is launching or has not returned yet. A stopped
// job stays busy until its workers have drained.
func (e *entry) busy() bool {
	if e.finished == nil {
		return true
	}
	select {
	case <-e.finished:
		return false
	default:
		return true
	}
}

func NewManager(repo *Repository, client *http.Client, creds Credentials, defaults Defaults) (*Manager, error) {
	n, err := repo.MarkInterrupted()
	if err != nil {
		return nil, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n > 0 {
		log.Printf("marked %d interrupted job(s) as stopped", n)
	}
	return &Manager{
		repo:     repo,
		client:   client,
		creds:    creds,
		defaults: defaults,
		jobs:     make(map[string]*entry),
		subs:     make(map[int]chan Update),
	}, nil
}

// Add validates req, registers a job keyed by its output path and starts it.
func (m *Manager) Add(req Request) (*JobMetadata, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid name %q", req.Name)
	}
	dir := req.Dir
	if dir == "" {
		dir = m.defaults.Dir
	}

	id := workspace.New(dir, name).ID()
	m.mu.Lock()
	if e, ok := m.jobs[id]; ok && e.busy() {
		m.mu.Unlock()
		return nil, ErrDuplicate
	}
	now := time.Now()
	meta := JobMetadata{
		ID:          id,
		URL:         req.URL,
		Name:        name,
		Dir:         dir,
		AudioURL:    req.AudioURL,
		Status:      StatusPending,
		CreatedTime: now,
		UpdatedTime: now,
	}
	if old, err := m.repo.Get(id); err == nil {
		meta.CreatedTime = old.CreatedTime
	}
	e := &entry{meta: meta}
	m.jobs[id] = e
	m.mu.Unlock()

	return m.launch(e)
}

// Start resumes a stopped or failed job from its persisted metadata.
func (m *Manager) Start(id string) (*JobMetadata, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if ok && e.busy() {
		m.mu.Unlock()
		return nil, ErrDuplicate
	}
	if !ok {
		meta, err := m.repo.Get(id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		e = &entry{meta: *meta}
		m.jobs[id] = e
	}
	e.finished = nil
	m.mu.Unlock()
	return m.launch(e)
}

func (m *Manager) launch(e *entry) (*JobMetadata, error) {
	id := e.meta.ID
	finished := make(chan struct{})
	runID, err := uuid.NewV7()
	if err != nil {
		m.abandon(e, finished)
		return nil, err
	}

	j := New(Options{
		URL:             e.meta.URL,
		Dir:             e.meta.Dir,
		Name:            e.meta.Name,
		AudioURL:        e.meta.AudioURL,
		Workers:         m.defaults.Workers,
		Retries:         m.defaults.Retries,
		KeyRetries:      m.defaults.KeyRetries,
		RefreshInterval: m.defaults.RefreshInterval,
		Client:          m.client,
		Creds:           m.creds,
		FFmpegPath:      m.defaults.FFmpegPath,
		Runner:          m.defaults.Runner,
		Sink:            &managerSink{m: m, id: id},
		OnResolved: func(doc *playlist.Document) {
			segs := make([]SegmentRecord, len(doc.Segments))
			for i, s := range doc.Segments {
				segs[i] = SegmentRecord{Index: s.Index, URL: s.URL}
			}
			if err := m.repo.SaveSegments(id, segs); err != nil {
				log.Printf("job %s: save segments: %v", id, err)
			}
		},
	})

	m.mu.Lock()
	e.job = j
	e.finished = finished
	e.meta.RunID = runID.String()
	e.meta.Status = StatusPending
	e.meta.Error = ""
	e.meta.UpdatedTime = time.Now()
	meta := e.meta
	m.mu.Unlock()

	if err := m.repo.Save(meta); err != nil {
		m.abandon(e, finished)
		return nil, fmt.Errorf("save job: %w", err)
	}
	log.Printf("job %s (%s): run %s started", meta.Name, id, meta.RunID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := j.Start(context.Background())
		u, ok := m.finish(id, j, err)
		close(finished)
		if ok {
			m.publish(u)
		}
	}()
	return &meta, nil
}

// abandon releases an entry whose run never started.
func (m *Manager) abandon(e *entry, finished chan struct{}) {
	close(finished)
	m.mu.Lock()
	e.finished = finished
	m.mu.Unlock()
}

// finish records the terminal state of a run and returns the final update.
func (m *Manager) finish(id string, j *Job, err error) (Update, bool) {
	st := j.State()
	status := StatusCompleted
	errText := ""
	switch {
	case err != nil:
		status, errText = StatusFailed, err.Error()
	case st.Stopped, !st.Done:
		status = StatusStopped
	}

	m.mu.Lock()
	e, ok := m.jobs[id]
	current := ok && e.job == j
	var percent int
	if current {
		e.meta.Status = status
		e.meta.Error = errText
		e.meta.DoneSegments = st.Success
		e.meta.TotalSegments = st.Total
		if status == StatusCompleted {
			e.meta.Percent = 100
		}
		percent = e.meta.Percent
	}
	m.mu.Unlock()
	if !current {
		return Update{}, false
	}

	if err := m.repo.UpdateProgress(id, st.Success, st.Total, percent); err != nil {
		log.Printf("job %s: save progress: %v", id, err)
	}
	if err := m.repo.UpdateStatus(id, status, errText); err != nil {
		log.Printf("job %s: save status: %v", id, err)
	}
	return Update{ID: id, Status: status, Error: errText, Final: true}, true
}

// Stop stops a running job. Stopping an idle job only updates its status.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	var j *Job
	e, ok := m.jobs[id]
	if ok {
		j = e.job
	}
	m.mu.Unlock()
	if !ok {
		if _, err := m.repo.Get(id); err != nil {
			return err
		}
		return m.repo.UpdateStatus(id, StatusStopped, "")
	}
	if j != nil {
		j.Stop()
	}
	return nil
}

// Delete forgets a job and removes its intermediate files. The output is kept.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if ok && e.busy() {
		m.mu.Unlock()
		return ErrRunning
	}
	delete(m.jobs, id)
	m.mu.Unlock()

	meta, err := m.repo.Get(id)
	if err != nil {
		return err
	}
	if err := workspace.New(meta.Dir, meta.Name).Discard(); err != nil {
		return fmt.Errorf("remove files: %w", err)
	}
	if err := m.repo.Delete(id); err != nil {
		return fmt.Errorf("delete from db: %w", err)
	}
	return nil
}

// List returns persisted jobs with live progress for the ones in memory.
func (m *Manager) List() ([]JobMetadata, error) {
	jobs, err := m.repo.List()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range jobs {
		if e, ok := m.jobs[jobs[i].ID]; ok {
			jobs[i] = e.meta
		}
	}
	return jobs, nil
}

// Get returns one job with its resolved segments.
func (m *Manager) Get(id string) (*JobMetadata, []SegmentRecord, error) {
	meta, err := m.repo.Get(id)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	if e, ok := m.jobs[id]; ok {
		*meta = e.meta
	}
	m.mu.Unlock()
	segs, err := m.repo.Segments(id)
	if err != nil {
		return nil, nil, err
	}
	return meta, segs, nil
}

// Subscribe returns a channel of updates and a function that cancels the
// subscription. Slow subscribers miss updates rather than stall jobs.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Close stops every running job and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.jobs {
		if e.job != nil {
			e.job.Stop()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// managerSink records job events in the manager and forwards them.
type managerSink struct {
	m  *Manager
	id string
}

func (s *managerSink) Progress(ev Event) {
	m := s.m
	m.mu.Lock()
	e, ok := m.jobs[s.id]
	var changed bool
	var meta JobMetadata
	if ok {
		status := phaseStatus(ev.Phase)
		changed = e.meta.Status != status
		e.meta.Status = status
		switch ev.Phase {
		case PhaseDownloading:
			e.meta.DoneSegments, e.meta.TotalSegments = ev.Done, ev.Total
		case PhaseConverting:
			e.meta.Percent = ev.Done
		case PhaseCompleted:
			e.meta.Percent = 100
		}
		e.meta.UpdatedTime = time.Now()
		meta = e.meta
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if changed {
		if err := m.repo.UpdateStatus(s.id, meta.Status, ""); err != nil {
			log.Printf("job %s: save status: %v", s.id, err)
		}
	}
	ev2 := ev
	m.publish(Update{ID: s.id, Status: meta.Status, Event: &ev2})
}

func (s *managerSink) Failed(err error) {
	s.m.publish(Update{ID: s.id, Status: StatusFailed, Error: err.Error()})
}

func phaseStatus(p Phase) Status {
	switch p {
	case PhaseConverting:
		return StatusConverting
	case PhaseCompleted:
		return StatusCompleted
	default:
		return StatusDownloading
	}
}
