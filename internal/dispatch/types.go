package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"wablast/internal/recipient"
)

// Job is one bulk send. Body never changes once the job is built.
type Job struct {
	ID         string                `json:"id"`
	Recipients []recipient.Recipient `json:"recipients"`
	Body       string                `json:"-"`
	// BlockSize and BlockDelay override the engine defaults when set.
	BlockSize  int           `json:"block_size,omitempty"`
	BlockDelay time.Duration `json:"block_delay,omitempty"`
	// NoBlockDelay sends blocks back to back whatever the engine default.
	NoBlockDelay bool `json:"no_block_delay,omitempty"`
}

// NewJob assigns a fresh job ID.
func NewJob(recipients []recipient.Recipient, body string) Job {
	return Job{ID: uuid.NewString(), Recipients: recipients, Body: body}
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Category is the closed set of per-recipient failure kinds.
type Category string

const (
	CategorySessionUnavailable Category = "session_unavailable"
	CategoryInvalidNumber      Category = "invalid_or_unregistered_number"
	CategoryMalformedNumber    Category = "malformed_number_format"
	CategoryBlocked            Category = "blocked_or_unavailable"
	CategoryUnknown            Category = "unknown"
)

// Description is the operator-facing text for c.
func (c Category) Description() string {
	switch c {
	case CategorySessionUnavailable:
		return "session not connected"
	case CategoryInvalidNumber:
		return "invalid number or not registered on WhatsApp"
	case CategoryMalformedNumber:
		return "incorrect number format"
	case CategoryBlocked:
		return "number blocked or unavailable"
	default:
		return "invalid number or no WhatsApp account"
	}
}

// Outcome is the result of the single send attempt made for one recipient.
type Outcome struct {
	Recipient recipient.Recipient `json:"recipient"`
	Status    Status              `json:"status"`
	Category  Category            `json:"category,omitempty"`
	// Detail is the first line of the raw error. Logs and history only.
	Detail string `json:"detail,omitempty"`
}

func (o Outcome) Delivered() bool { return o.Status == StatusDelivered }

// JobStatus holds progress counters for a queued or running job.
type JobStatus struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Running   bool      `json:"running"`
	Finished  bool      `json:"finished"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	DoneAt    time.Time `json:"done_at,omitempty"`
}

// Session is what the engine needs from the session keeper.
type Session interface {
	IsReady() bool
	Send(ctx context.Context, address, body string) error
}

// lossNotifier is implemented by sessions that can signal connection loss.
type lossNotifier interface {
	Lost() <-chan struct{}
}

// ReportStore persists finished reports.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
	GetReport(ctx context.Context, id string) (Report, bool, error)
}

// Observer receives dispatch metrics.
type Observer interface {
	ObserveOutcome(status, category string)
	ObserveJob(took time.Duration, outcomes int)
	ObserveQueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveOutcome(string, string) {}
func (nopObserver) ObserveJob(time.Duration, int) {}
func (nopObserver) ObserveQueueDepth(int)         {}

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrStopped     = errors.New("dispatch service not running")
	ErrUnknownJob  = errors.New("unknown dispatch job")
	ErrNotFinished = errors.New("dispatch job not finished")
)
