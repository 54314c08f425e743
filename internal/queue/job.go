// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"strconv"

	"github.com/flyingrobots/jono/internal/jonoerr"
)

// AttemptRecord is one entry of a job's failure history.
type AttemptRecord struct {
	Timestamp int64  `json:"ts"`
	Error     string `json:"error"`
}

// JobRecord is the full on-disk shape of a job's metadata hash.
type JobRecord struct {
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	MaxAttempts     int             `json:"max_attempts"`
	InitialPriority int64           `json:"initial_priority"`
	CreatedAt       int64           `json:"created_at"`
	StartedAt       *int64          `json:"started_at,omitempty"`
	CompletedAt     *int64          `json:"completed_at,omitempty"`
	Status          Status          `json:"status"`
	AttemptHistory  []AttemptRecord `json:"attempt_history"`
	Outcome         json.RawMessage `json:"outcome,omitempty"`
	Origin          string          `json:"origin"`
}

// Workload is the subset of a JobRecord handed to a worker.
type Workload struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Reapload is the subset of a JobRecord handed to a reaper.
type Reapload struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Outcome json.RawMessage `json:"outcome"`
}

// hash field names, wire-exact per the metadata hash layout.
const (
	fieldID              = "id"
	fieldPayload         = "payload"
	fieldMaxAttempts     = "max_attempts"
	fieldInitialPriority = "initial_priority"
	fieldCreatedAt       = "created_at"
	fieldStartedAt       = "started_at"
	fieldCompletedAt     = "completed_at"
	fieldStatus          = "status"
	fieldAttemptHistory  = "attempt_history"
	fieldOutcome         = "outcome"
	fieldOrigin          = "origin"
)

// Encode produces the field-value pairs for a single atomic HSET. Callers
// must write the whole result in one pipeline so partial writes are
// never observed (invariant: metadata exists iff discoverable).
func (j JobRecord) Encode() (map[string]interface{}, error) {
	history := j.AttemptHistory
	if history == nil {
		history = []AttemptRecord{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, jonoerr.Serialization("encode attempt_history", err)
	}
	outcome := j.Outcome
	if outcome == nil {
		outcome = json.RawMessage("null")
	}

	fields := map[string]interface{}{
		fieldID:              j.ID,
		fieldPayload:         string(j.Payload),
		fieldMaxAttempts:     strconv.Itoa(j.MaxAttempts),
		fieldInitialPriority: strconv.FormatInt(j.InitialPriority, 10),
		fieldCreatedAt:       strconv.FormatInt(j.CreatedAt, 10),
		fieldStatus:          string(j.Status),
		fieldAttemptHistory:  string(historyJSON),
		fieldOutcome:         string(outcome),
		fieldOrigin:          j.Origin,
	}
	if j.StartedAt != nil {
		fields[fieldStartedAt] = strconv.FormatInt(*j.StartedAt, 10)
	}
	if j.CompletedAt != nil {
		fields[fieldCompletedAt] = strconv.FormatInt(*j.CompletedAt, 10)
	}
	return fields, nil
}

// Decode parses a metadata hash (as returned by HGETALL) into a
// JobRecord. It fails with InvalidJob when a required field is missing
// or malformed, and Serialization when JSON parsing fails.
func Decode(hash map[string]string) (JobRecord, error) {
	if len(hash) == 0 {
		return JobRecord{}, jonoerr.InvalidJob("empty metadata hash")
	}

	id, ok := hash[fieldID]
	if !ok || id == "" {
		return JobRecord{}, jonoerr.InvalidJob("missing field: id")
	}

	maxAttemptsStr, ok := hash[fieldMaxAttempts]
	if !ok {
		return JobRecord{}, jonoerr.InvalidJob("missing field: max_attempts")
	}
	maxAttempts, err := strconv.Atoi(maxAttemptsStr)
	if err != nil {
		return JobRecord{}, jonoerr.InvalidJob("malformed field: max_attempts")
	}

	priorityStr, ok := hash[fieldInitialPriority]
	if !ok {
		return JobRecord{}, jonoerr.InvalidJob("missing field: initial_priority")
	}
	priority, err := strconv.ParseInt(priorityStr, 10, 64)
	if err != nil {
		return JobRecord{}, jonoerr.InvalidJob("malformed field: initial_priority")
	}

	createdStr, ok := hash[fieldCreatedAt]
	if !ok {
		return JobRecord{}, jonoerr.InvalidJob("missing field: created_at")
	}
	created, err := strconv.ParseInt(createdStr, 10, 64)
	if err != nil {
		return JobRecord{}, jonoerr.InvalidJob("malformed field: created_at")
	}

	rec := JobRecord{
		ID:              id,
		Payload:         json.RawMessage(hash[fieldPayload]),
		MaxAttempts:     maxAttempts,
		InitialPriority: priority,
		CreatedAt:       created,
		Status:          Status(hash[fieldStatus]),
		Origin:          hash[fieldOrigin],
	}

	if v, ok := hash[fieldStartedAt]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return JobRecord{}, jonoerr.InvalidJob("malformed field: started_at")
		}
		rec.StartedAt = &n
	}
	if v, ok := hash[fieldCompletedAt]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return JobRecord{}, jonoerr.InvalidJob("malformed field: completed_at")
		}
		rec.CompletedAt = &n
	}

	if v, ok := hash[fieldAttemptHistory]; ok && v != "" {
		var hist []AttemptRecord
		if err := json.Unmarshal([]byte(v), &hist); err != nil {
			return JobRecord{}, jonoerr.Serialization("decode attempt_history", err)
		}
		rec.AttemptHistory = hist
	} else {
		rec.AttemptHistory = []AttemptRecord{}
	}

	if v, ok := hash[fieldOutcome]; ok && v != "" && v != "null" {
		rec.Outcome = json.RawMessage(v)
	}

	return rec, nil
}

// ToWorkload narrows a JobRecord to the view a worker receives.
func (j JobRecord) ToWorkload() Workload {
	return Workload{ID: j.ID, Payload: j.Payload}
}

// ToReapload narrows a JobRecord to the view a reaper receives.
func (j JobRecord) ToReapload() Reapload {
	return Reapload{ID: j.ID, Payload: j.Payload, Outcome: j.Outcome}
}
