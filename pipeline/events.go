package pipeline

import (
	"sync"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/config"
)

type EventType string

const (
	// step numbering matches what the web client renders
	EventPlanning     EventType = "step1"
	EventPlanComplete EventType = "step1_complete"
	EventClip         EventType = "step2_clip"
	EventMerging      EventType = "step3"
	EventVoice        EventType = "step4"
	EventFinalizing   EventType = "step5"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// Event is one progress update on an ad job. CurrentClip counts from 1, the
// way the web client displays it. Terminal events (complete or error) close
// the queue behind them.
type Event struct {
	Type        EventType         `json:"type"`
	Step        int               `json:"step,omitempty"`
	JobID       string            `json:"job_id"`
	Status      clients.JobStatus `json:"status,omitempty"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message,omitempty"`
	CurrentClip int               `json:"current_clip,omitempty"`
	TotalClips  int               `json:"total_clips,omitempty"`
	FinalURL    string            `json:"final_video_url,omitempty"`
	ErrorType   string            `json:"error_type,omitempty"`
	Timestamp   int64             `json:"timestamp"`
}

func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// stepNumber maps an event onto the client-facing pipeline step. Terminal
// events carry no step.
func stepNumber(t EventType) int {
	switch t {
	case EventPlanning, EventPlanComplete:
		return 1
	case EventClip:
		return 2
	case EventMerging:
		return 3
	case EventVoice:
		return 4
	case EventFinalizing:
		return 5
	}
	return 0
}

// The queue holds this many undelivered events before dropping the oldest.
// A slow or absent SSE consumer must never block the pipeline.
const eventQueueSize = 64

type EventQueue struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewEventQueue() *EventQueue {
	return &EventQueue{ch: make(chan Event, eventQueueSize)}
}

// Push enqueues without ever blocking. When the buffer is full the oldest
// event is discarded; the consumer converges on the latest state either way.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = config.Clock.GetTimestampUTC()
	}
	if ev.Step == 0 {
		ev.Step = stepNumber(ev.Type)
	}
	for {
		select {
		case q.ch <- ev:
			if ev.Terminal() {
				q.closed = true
				close(q.ch)
			}
			return
		default:
			select {
			case <-q.ch:
			default:
			}
		}
	}
}

// Events is the consumer side. The channel closes after a terminal event.
func (q *EventQueue) Events() <-chan Event {
	return q.ch
}
