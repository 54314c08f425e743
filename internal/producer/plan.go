// Copyright 2025 James Ross
package producer

import (
	"encoding/json"
	"os"

	"github.com/flyingrobots/jono/internal/jonoerr"
)

// JobPlan is a builder collecting the fields needed to submit a job.
// Payload is required; the rest default cleanly.
type JobPlan struct {
	payload     json.RawMessage
	maxAttempts int
	priority    int64
	runAt       int64
	origin      string
}

// NewJobPlan starts a plan with the given JSON payload.
func NewJobPlan(payload json.RawMessage) *JobPlan {
	return &JobPlan{
		payload:     payload,
		maxAttempts: defaultMaxAttempts,
		priority:    0,
		runAt:       0,
		origin:      defaultOrigin(),
	}
}

// defaultMaxAttempts is the builder's default when WithMaxAttempts is
// not called, the top of the 1-3 range, so a plan gets two retries
// without an explicit opt-in.
const defaultMaxAttempts = 3

// WithMaxAttempts overrides the default of 3.
func (p *JobPlan) WithMaxAttempts(n int) *JobPlan {
	p.maxAttempts = n
	return p
}

// WithPriority sets the numeric priority (lower sorts first).
func (p *JobPlan) WithPriority(priority int64) *JobPlan {
	p.priority = priority
	return p
}

// WithRunAt schedules the job for future execution (epoch ms). A value
// of zero or less means "run now".
func (p *JobPlan) WithRunAt(epochMs int64) *JobPlan {
	p.runAt = epochMs
	return p
}

// WithOrigin overrides the default hostname-derived origin.
func (p *JobPlan) WithOrigin(origin string) *JobPlan {
	p.origin = origin
	return p
}

// validate checks the plan is submittable, failing with InvalidJob.
func (p *JobPlan) validate() error {
	if len(p.payload) == 0 {
		return jonoerr.InvalidJob("plan has no payload")
	}
	if !json.Valid(p.payload) {
		return jonoerr.InvalidJob("payload is not valid JSON")
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	return nil
}

func defaultOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
