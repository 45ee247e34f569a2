package domain

import "time"

// Feed is a named collection of entries, addressed by its external id
type Feed struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Link is a typed link of a published document
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// Entry represents a cached content item belonging to a feed
type Entry struct {
	ID          int64     `json:"id"`
	FeedID      int64     `json:"feed_id"`
	Title       string    `json:"title"`
	Alternate   string    `json:"alternate,omitempty"`
	Self        string    `json:"self,omitempty"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type,omitempty"`
	Text        string    `json:"text"`
	Updated     time.Time `json:"updated"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tokens is the term-frequency vector of an entry
type Tokens map[string]int

// Total returns the sum of all frequencies
func (t Tokens) Total() int {
	total := 0
	for _, f := range t {
		total += f
	}
	return total
}

// Merge adds the frequencies of other into t
func (t Tokens) Merge(other Tokens) {
	for term, f := range other {
		t[term] += f
	}
}

// Tag represents a classification label trained from example entries
type Tag struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Bias      float64   `json:"bias"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Example is a training example of a tag
type Example struct {
	EntryID  int64 `json:"entry_id" yaml:"entry"`
	Positive bool  `json:"positive" yaml:"positive"`
}

// TrainingCorpus holds the token vectors of a tag's cached examples
type TrainingCorpus struct {
	Tag      Tag
	Positive map[int64]Tokens
	Negative map[int64]Tokens
}

// Tagging is the outcome of classifying one entry against one tag
type Tagging struct {
	EntryID  int64   `json:"entry_id"`
	TagID    int64   `json:"tag_id"`
	Matched  bool    `json:"matched"`
	Strength float64 `json:"strength"`
}

// JobStatus is the lifecycle state of a classification job
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen
func (s JobStatus) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is a point-in-time view of a classification job
type Job struct {
	ID         string     `json:"id"`
	TagID      int64      `json:"tag_id"`
	Status     JobStatus  `json:"status"`
	Progress   int        `json:"progress"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the job has been running, or ran
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}
