package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// Event is emitted once per processed task attempt.
type Event struct {
	// TS is the UTC time the worker finished with the task.
	TS time.Time
	// WorkerID identifies the emitting worker process.
	WorkerID    string
	Fingerprint crawler.Fingerprint
	// Site is the sanitized host used as a metrics label.
	Site    string
	State   crawler.TaskState
	Attempt int
	Record  crawler.CrawlRecord
}

// FromDocument builds the event for a persisted result document.
func FromDocument(workerID, site string, doc crawler.ResultDocument) Event {
	ts := doc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		TS:          ts,
		WorkerID:    workerID,
		Fingerprint: doc.Fingerprint,
		Site:        site,
		State:       doc.State,
		Attempt:     doc.AttemptCount,
		Record:      crawler.RecordFromDocument(doc),
	}
}

// Terminal reports whether the event closes out its URL.
func (e Event) Terminal() bool {
	return e.State != crawler.TaskPending
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if e.Record.URL == "" {
		return errors.New("record url is required")
	}
	switch e.State {
	case crawler.TaskPending, crawler.TaskDone, crawler.TaskDeadLettered, crawler.TaskSkipped:
	default:
		return fmt.Errorf("unknown state %q", e.State)
	}
	return nil
}

// StatusClass groups HTTP status codes for metrics labels.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "none"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
