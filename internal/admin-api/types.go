// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
)

// ErrorResponse is the JSON body returned for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SubmitRequest is the body of POST /api/v1/topics/{topic}/jobs.
type SubmitRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Priority    int64           `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAtMs     int64           `json:"run_at_ms,omitempty"`
}

// SubmitResponse is the body returned on a successful submit.
type SubmitResponse struct {
	ID string `json:"id"`
}

// AbortResponse reports whether an abort request actually changed the
// job's state.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// StatsResponse mirrors admin.StatsResult over the wire.
type StatsResponse struct {
	Topic     string `json:"topic"`
	Postponed int64  `json:"postponed"`
	Queued    int64  `json:"queued"`
	Running   int64  `json:"running"`
	Aborted   int64  `json:"aborted"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// PeekResponse lists the ids currently occupying one state set.
type PeekResponse struct {
	Topic  string   `json:"topic"`
	Status string   `json:"status"`
	IDs    []string `json:"ids"`
}

// PurgeResponse reports how many jobs a purge removed.
type PurgeResponse struct {
	Topic   string `json:"topic"`
	Removed int    `json:"removed"`
}

// StatusResponse is the body returned by GET .../jobs/{id}.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
