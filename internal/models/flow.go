package models

import "time"

// FlowStatus is the terminal status of a proxied request.
type FlowStatus string

const (
	FlowCompleted FlowStatus = "completed"
	FlowFailed    FlowStatus = "failed"
	FlowCancelled FlowStatus = "cancelled"
)

// FlowRecord summarises one client request. Exactly one record is emitted per
// request, on success, failure, or cancellation. Request bodies are never
// carried here.
type FlowRecord struct {
	ID            string     `json:"id" db:"id"`
	Protocol      string     `json:"protocol" db:"protocol"`
	ClientModel   string     `json:"client_model" db:"client_model"`
	UpstreamModel string     `json:"upstream_model" db:"upstream_model"`
	AccountID     string     `json:"account_id,omitempty" db:"account_id"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    time.Time  `json:"finished_at" db:"finished_at"`
	Status        FlowStatus `json:"status" db:"status"`
	TokensIn      int64      `json:"tokens_in" db:"tokens_in"`
	TokensOut     int64      `json:"tokens_out" db:"tokens_out"`
	ErrorKind     string     `json:"error_kind,omitempty" db:"error_kind"`
}

// Duration returns the wall-clock time the request took.
func (r *FlowRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
