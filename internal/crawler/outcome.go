package crawler

import "net/http"

// Outcome is the worker's verdict on a fetch result.
type Outcome string

// Fetch outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetryable Outcome = "retryable"
	OutcomePermanent Outcome = "permanent"
)

// TaskState is the terminal or intermediate state of a task in the worker state machine.
type TaskState string

// Task states.
const (
	TaskPending      TaskState = "pending"
	TaskDone         TaskState = "done"
	TaskDeadLettered TaskState = "dead_lettered"
	TaskSkipped      TaskState = "skipped"
)

// Classify maps a fetch result to an outcome. 5xx, 429, timeouts, connection
// and read errors are retryable. Any other non-2xx status and oversize bodies
// are permanent.
func Classify(res FetchResult) Outcome {
	if res.Success() {
		return OutcomeSucceeded
	}
	if res.Err == nil {
		return classifyStatus(res.StatusCode)
	}
	switch res.Err.Kind {
	case KindTimeout, KindConnection, KindRead:
		return OutcomeRetryable
	case KindContentTooLarge:
		return OutcomePermanent
	case KindHTTPStatus:
		return classifyStatus(res.Err.StatusCode)
	default:
		return OutcomePermanent
	}
}

func classifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSucceeded
	case code == http.StatusTooManyRequests, code >= 500:
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}

// ClassOf returns the error class recorded for a non-successful outcome.
func ClassOf(outcome Outcome) ErrorClass {
	switch outcome {
	case OutcomeRetryable:
		return ClassNetworkTransient
	case OutcomePermanent:
		return ClassNetworkPermanent
	default:
		return ""
	}
}
