package queue

import "time"

// EventType names a job lifecycle transition.
type EventType string

const (
	EventQueued    EventType = "job:queued"
	EventStarted   EventType = "job:started"
	EventCompleted EventType = "job:completed"
	EventFailed    EventType = "job:failed"
)

// Event carries a job snapshot taken at the moment of the transition.
type Event struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
	At   time.Time `json:"at"`
}

// Subscribe registers fn for every subsequent event. Subscribers run
// sequentially on the emitting goroutine and must not block.
func (q *Queue) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	q.subs = append(q.subs, fn)
}

func (q *Queue) emit(kind EventType, job Job) {
	q.subsMu.RLock()
	subs := make([]func(Event), len(q.subs))
	copy(subs, q.subs)
	q.subsMu.RUnlock()

	ev := Event{Type: kind, Job: job, At: q.now()}
	for _, fn := range subs {
		fn(ev)
	}
}
