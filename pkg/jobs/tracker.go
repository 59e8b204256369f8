// Package jobs tracks the status of asynchronous sync runs. Entries expire
// after a configurable TTL so abandoned job ids do not accumulate.
package jobs

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ajitpratap0/crmsync/pkg/errors"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1024
)

// Status is the externally visible state of a job
type Status struct {
	JobID    string `json:"jobId"`
	Finished bool   `json:"finished"`
	Error    bool   `json:"error"`
}

// Tracker stores job statuses in an expiring LRU cache. It is safe for
// concurrent use.
type Tracker struct {
	cache *expirable.LRU[string, Status]
}

// NewTracker creates a tracker. Non-positive arguments fall back to the defaults.
func NewTracker(ttl time.Duration, maxEntries int) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Tracker{cache: expirable.NewLRU[string, Status](maxEntries, nil, ttl)}
}

// Create registers a new unfinished job and returns its id
func (t *Tracker) Create() string {
	id := uuid.NewString()
	t.cache.Add(id, Status{JobID: id})
	return id
}

// Set replaces the status of id
func (t *Tracker) Set(id string, status Status) {
	status.JobID = id
	t.cache.Add(id, status)
}

// Finish marks id as finished
func (t *Tracker) Finish(id string, failed bool) {
	t.Set(id, Status{Finished: true, Error: failed})
}

// Get returns the status of id or a not_found error
func (t *Tracker) Get(id string) (Status, error) {
	status, ok := t.cache.Get(id)
	if !ok {
		return Status{}, errors.New(errors.ErrorTypeNotFound, "job not found").WithDetail("job_id", id)
	}
	return status, nil
}

// Len returns the number of live entries
func (t *Tracker) Len() int {
	return t.cache.Len()
}
