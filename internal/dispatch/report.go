package dispatch

import (
	"strings"
	"time"
)

// Report is the complete record of a finished job.
type Report struct {
	JobID      string    `json:"job_id"`
	Blocks     int       `json:"blocks"`
	Lines      []string  `json:"lines"`
	Outcomes   []Outcome `json:"outcomes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r Report) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Delivered() {
			n++
		}
	}
	return n
}

func (r Report) Failed() int { return len(r.Outcomes) - r.Delivered() }

// Text renders the line log, one line per entry.
func (r Report) Text() string {
	if len(r.Lines) == 0 {
		return ""
	}
	return strings.Join(r.Lines, "\n") + "\n"
}

// Summary is the counters-only view of a report.
type Summary struct {
	JobID      string    `json:"job_id"`
	Blocks     int       `json:"blocks"`
	Total      int       `json:"total"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r Report) Summary() Summary {
	d := r.Delivered()
	return Summary{
		JobID:      r.JobID,
		Blocks:     r.Blocks,
		Total:      len(r.Outcomes),
		Delivered:  d,
		Failed:     len(r.Outcomes) - d,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// ByCategory counts failures per category.
func (r Report) ByCategory() map[Category]int {
	out := map[Category]int{}
	for _, o := range r.Outcomes {
		if !o.Delivered() {
			out[o.Category]++
		}
	}
	return out
}
