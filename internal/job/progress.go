package job

// Phase is the stage a progress event belongs to.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseConverting  Phase = "converting"
	PhaseCompleted   Phase = "completed"
)

// Event reports Done out of Total for a phase. While converting, Total is 100
// and Done is a percentage.
type Event struct {
	Phase Phase `json:"phase"`
	Done  int   `json:"done"`
	Total int   `json:"total"`
}

// Sink receives a job's progress and its terminal failure. Calls come from
// worker goroutines and must not block.
type Sink interface {
	Progress(Event)
	Failed(error)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are ignored.
type SinkFuncs struct {
	OnProgress func(Event)
	OnFailed   func(error)
}

func (s SinkFuncs) Progress(ev Event) {
	if s.OnProgress != nil {
		s.OnProgress(ev)
	}
}

func (s SinkFuncs) Failed(err error) {
	if s.OnFailed != nil {
		s.OnFailed(err)
	}
}
