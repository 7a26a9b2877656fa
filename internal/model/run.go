package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusDegraded RunStatus = "degraded"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one invocation of the pipeline.
type Run struct {
	ID        string     `json:"id"`
	Asset     string     `json:"asset"`
	Datasets  []string   `json:"datasets"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult is the persisted summary of a finished run.
type RunResult struct {
	Polygons int                `json:"polygons"`
	Rows     int                `json:"rows"`
	Degraded bool               `json:"degraded"`
	Totals   map[string]float64 `json:"totals,omitempty"`
	Join     *JoinSummary       `json:"join,omitempty"`
	Outputs  []string           `json:"outputs,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// JoinSummary records how well the source tables overlapped.
type JoinSummary struct {
	Key       string         `json:"key"`
	Base      int            `json:"base"`
	Matched   int            `json:"matched"`
	Unmatched map[string]int `json:"unmatched,omitempty"`
	Mismatch  bool           `json:"mismatch"`
}

// AttemptRecord is one candidate source tried for a dataset.
type AttemptRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Dataset    string    `json:"dataset"`
	Source     string    `json:"source"`
	Position   int       `json:"position"`
	Succeeded  bool      `json:"succeeded"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Rows       int       `json:"rows"`
	Dropped    int       `json:"dropped"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
