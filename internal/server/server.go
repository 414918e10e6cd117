package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"hls-downloader/internal/api"
	"hls-downloader/internal/httpx"
	"hls-downloader/internal/job"
)

// Jobs is the job registry the server drives.
type Jobs interface {
	Add(req job.Request) (*job.JobMetadata, error)
	Start(id string) (*job.JobMetadata, error)
	Stop(id string) error
	Delete(id string) error
	List() ([]job.JobMetadata, error)
	Get(id string) (*job.JobMetadata, []job.SegmentRecord, error)
	Subscribe() (<-chan job.Update, func())
}

// Courses is the metadata API.
type Courses interface {
	CourseInfo(ctx context.Context, courseID string) (*api.CourseInfo, error)
	AudioURL(ctx context.Context, videoID string) (string, error)
}

// Credentials holds the user's bearer credential.
type Credentials interface {
	SetBearer(token string)
	ClearBearer()
	HasBearer() bool
}

type Server struct {
	addr    string
	jobs    Jobs
	courses Courses
	creds   Credentials
}

func New(addr string, jobs Jobs, courses Courses, creds Credentials) *Server {
	return &Server{addr: addr, jobs: jobs, courses: courses, creds: creds}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/jobs", s.handleList)
	mux.HandleFunc("POST /api/jobs", s.handleAdd)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGet)
	mux.HandleFunc("POST /api/jobs/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/jobs/{id}/stop", s.handleStop)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/courses/{id}", s.handleCourse)
	mux.HandleFunc("POST /api/courses/{id}/download", s.handleCourseDownload)

	mux.HandleFunc("GET /api/auth", s.handleAuthStatus)
	mux.HandleFunc("PUT /api/auth", s.handleSetAuth)
	mux.HandleFunc("DELETE /api/auth", s.handleClearAuth)
	return mux
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("Control API listening on http://localhost%s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var apiErr *httpx.APIError
	switch {
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrDuplicate), errors.Is(err, job.ErrRunning):
		status = http.StatusConflict
	case errors.Is(err, api.ErrNoSessions), errors.Is(err, httpx.ErrNoData), errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.JobMetadata{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	meta, err := s.jobs.Add(req)
	if err != nil {
		if errors.Is(err, job.ErrDuplicate) {
			writeError(w, err)
			return
		}
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, meta)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	meta, segs, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if segs == nil {
		segs = []job.SegmentRecord{}
	}
	writeJSON(w, http.StatusOK, struct {
		*job.JobMetadata
		Segments []job.SegmentRecord `json:"segments"`
	}{meta, segs})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	meta, err := s.jobs.Start(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, meta)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Stop(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams job updates as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, cancel := s.jobs.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// courseID accepts a bare ID or a course page URL passed escaped.
func courseID(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.PathValue("id"))
	if raw == "" {
		return "", false
	}
	if id, ok := api.ExtractCourseID(raw); ok {
		return id, true
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return raw, true
}

func (s *Server) handleCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := courseID(r)
	if !ok {
		badRequest(w, "invalid course id")
		return
	}
	info, err := s.courses.CourseInfo(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type downloadRequest struct {
	Source   api.Source `json:"source"`
	Sessions []int      `json:"sessions"`
	Audio    bool       `json:"audio"`
	Dir      string     `json:"dir,omitempty"`
}

// handleCourseDownload adds one job per selected session, named
// "<course>_<session>".
func (s *Server) handleCourseDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := courseID(r)
	if !ok {
		badRequest(w, "invalid course id")
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	if req.Source == "" {
		req.Source = api.SourceCamera
	}
	if req.Source != api.SourceCamera && req.Source != api.SourceScreen {
		badRequest(w, "source must be camera or screen")
		return
	}

	info, err := s.courses.CourseInfo(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	type result struct {
		Session int              `json:"session"`
		Job     *job.JobMetadata `json:"job,omitempty"`
		Error   string           `json:"error,omitempty"`
	}
	results := make([]result, 0, len(req.Sessions))
	for _, idx := range req.Sessions {
		res := result{Session: idx}
		if idx < 0 || idx >= len(info.Sessions) {
			res.Error = "no such session"
			results = append(results, res)
			continue
		}
		sess := info.Sessions[idx]
		src := sess.URL(req.Source)
		if src == "" {
			res.Error = "session has no " + string(req.Source) + " recording"
			results = append(results, res)
			continue
		}
		jr := job.Request{
			URL:  src,
			Name: sanitizeName(info.Name + "_" + api.FormatSessionName(sess.Title)),
			Dir:  req.Dir,
		}
		if req.Audio && sess.VideoID() != "" {
			audio, err := s.courses.AudioURL(r.Context(), sess.VideoID())
			if err != nil {
				log.Printf("audio url of session %s: %v", sess.ID, err)
			}
			jr.AudioURL = audio
		}
		meta, err := s.jobs.Add(jr)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Job = meta
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusAccepted, results)
}

// sanitizeName replaces characters that are unsafe in file names.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": s.creds.HasBearer()})
}

func (s *Server) handleSetAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Token) == "" {
		badRequest(w, "token is required")
		return
	}
	s.creds.SetBearer(body.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAuth(w http.ResponseWriter, r *http.Request) {
	s.creds.ClearBearer()
	w.WriteHeader(http.StatusNoContent)
}
