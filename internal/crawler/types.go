package crawler

import (
	"net/http"
	"time"
)

// Fingerprint is the hex encoded SHA-256 digest of a canonical URL.
type Fingerprint string

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return string(f)
}

// Short returns an abbreviated fingerprint for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// CrawlTask is a unit of work flowing through the frontier.
type CrawlTask struct {
	URL            string      `json:"url"`
	Depth          int         `json:"depth"`
	DiscoveredFrom Fingerprint `json:"discovered_from,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	// NotBefore delays delivery of a requeued task until its claim backoff has elapsed.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// ClaimState is the lifecycle state of a claim record.
type ClaimState string

// Claim states persisted by claim stores.
const (
	ClaimUnclaimed ClaimState = "unclaimed"
	ClaimClaimed   ClaimState = "claimed"
	ClaimCompleted ClaimState = "completed"
	ClaimFailed    ClaimState = "failed"
)

// ClaimRecord is the dedup/ownership ledger entry for one fingerprint.
type ClaimRecord struct {
	Fingerprint    Fingerprint `json:"fingerprint"`
	URL            string      `json:"url"`
	State          ClaimState  `json:"state"`
	OwnerID        string      `json:"owner_id,omitempty"`
	AttemptCount   int         `json:"attempt_count"`
	Terminal       bool        `json:"terminal"`
	Note           string      `json:"note,omitempty"`
	ClaimedAt      time.Time   `json:"claimed_at"`
	CompletedAt    time.Time   `json:"completed_at"`
	NextEligibleAt time.Time   `json:"next_eligible_at"`
}

// EligibleAt reports whether the record may be claimed at now. A claimed
// record whose lease has run out is eligible again.
func (r ClaimRecord) EligibleAt(now time.Time, lease time.Duration) bool {
	switch r.State {
	case ClaimUnclaimed, "":
		return true
	case ClaimClaimed:
		return lease > 0 && !now.Before(r.ClaimedAt.Add(lease))
	case ClaimFailed:
		return !r.Terminal && !now.Before(r.NextEligibleAt)
	default:
		return false
	}
}

// ClaimOutcome is the result of a claim attempt.
type ClaimOutcome string

// Claim attempt outcomes.
const (
	ClaimAcquired         ClaimOutcome = "claimed"
	ClaimAlreadyClaimed   ClaimOutcome = "already_claimed"
	ClaimAlreadyCompleted ClaimOutcome = "already_completed"
	// ClaimNotEligible is returned for failed records still inside their backoff window.
	ClaimNotEligible ClaimOutcome = "not_eligible"
)

// ReleaseRequest ends an outstanding claim.
type ReleaseRequest struct {
	Fingerprint Fingerprint
	OwnerID     string
	// State is ClaimCompleted, ClaimFailed, or ClaimUnclaimed to hand the URL
	// back without counting an attempt.
	State ClaimState
	// Permanent marks a failure that must not be retried.
	Permanent bool
	Note      string
}

// FetchResult is the outcome of one fetch attempt. A fetch never returns a Go
// error; failures are reported through Err.
type FetchResult struct {
	URL            string        `json:"url"`
	FinalURL       string        `json:"final_url"`
	StatusCode     int           `json:"status_code"`
	Content        []byte        `json:"-"`
	Headers        http.Header   `json:"headers,omitempty"`
	ContentType    string        `json:"content_type"`
	Encoding       string        `json:"encoding"`
	Duration       time.Duration `json:"fetch_duration"`
	DeclaredLength int64         `json:"declared_length"`
	Truncated      bool          `json:"truncated"`
	Err            *FetchError   `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Success reports whether the fetch finished without error and with a 2xx status.
func (r FetchResult) Success() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Size returns the number of body bytes held in the result.
func (r FetchResult) Size() int {
	return len(r.Content)
}

// ResultDocument is what the worker persists per terminal or retried attempt.
type ResultDocument struct {
	Fingerprint  Fingerprint `json:"fingerprint"`
	URL          string      `json:"url"`
	FinalURL     string      `json:"final_url,omitempty"`
	Depth        int         `json:"depth"`
	State        TaskState   `json:"state"`
	StatusCode   int         `json:"status_code"`
	Success      bool        `json:"success"`
	ErrorClass   ErrorClass  `json:"error_class,omitempty"`
	Error        string      `json:"error,omitempty"`
	Note         string      `json:"note,omitempty"`
	ContentType  string      `json:"content_type,omitempty"`
	Encoding     string      `json:"encoding,omitempty"`
	Size         int         `json:"size"`
	Truncated    bool        `json:"truncated"`
	FetchTime    float64     `json:"fetch_time"`
	AttemptCount int         `json:"attempt_count"`
	BlobURI      string      `json:"blob_uri,omitempty"`
	LinksFound   int         `json:"links_found"`
	Timestamp    time.Time   `json:"timestamp"`
}

// CrawlRecord is the per-URL record handed to downstream consumers.
type CrawlRecord struct {
	URL      string         `json:"url"`
	Depth    int            `json:"depth"`
	Crawled  bool           `json:"crawled"`
	Metadata RecordMetadata `json:"metadata"`
}

// RecordMetadata carries fetch facts inside a CrawlRecord.
type RecordMetadata struct {
	StatusCode  int       `json:"status_code"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int       `json:"size"`
	FetchTime   float64   `json:"fetch_time"`
	FinalURL    string    `json:"final_url,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RecordFromDocument derives the downstream record from a persisted result.
func RecordFromDocument(doc ResultDocument) CrawlRecord {
	errText := doc.Error
	if errText == "" && doc.ErrorClass != "" {
		errText = string(doc.ErrorClass)
	}
	return CrawlRecord{
		URL:     doc.URL,
		Depth:   doc.Depth,
		Crawled: doc.StatusCode != 0,
		Metadata: RecordMetadata{
			StatusCode:  doc.StatusCode,
			Success:     doc.Success,
			Error:       errText,
			ContentType: doc.ContentType,
			Size:        doc.Size,
			FetchTime:   doc.FetchTime,
			FinalURL:    doc.FinalURL,
			Timestamp:   doc.Timestamp,
		},
	}
}
