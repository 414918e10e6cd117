package job

import (
	"time"
)

// Status is the persisted lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusConverting  Status = "converting"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
)

// Active reports whether a job in this state may still be running.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusConverting
}

type JobMetadata struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	URL           string    `json:"url"`
	Name          string    `json:"name"`
	Dir           string    `json:"dir"`
	AudioURL      string    `json:"audio_url,omitempty"`
	TotalSegments int       `json:"total_segments"`
	DoneSegments  int       `json:"done_segments"`
	Percent       int       `json:"percent"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedTime   time.Time `json:"created_time"`
	UpdatedTime   time.Time `json:"updated_time"`
}

// SegmentRecord is one resolved segment of a job.
type SegmentRecord struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}
