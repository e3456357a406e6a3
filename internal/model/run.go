package model

import "time"

// RunStatus represents the current state of a collection run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusLoading     RunStatus = "loading"
	RunStatusCollecting  RunStatus = "collecting"
	RunStatusWriting     RunStatus = "writing"
	RunStatusComplete    RunStatus = "complete"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// RunParams records the knobs a run was started with.
type RunParams struct {
	Command       string   `json:"command"`
	Loader        string   `json:"loader,omitempty"`
	TopN          int      `json:"top_n,omitempty"`
	MinPopulation int64    `json:"min_population,omitempty"`
	MaxWorkers    int      `json:"max_workers,omitempty"`
	Indicators    []string `json:"indicators,omitempty"`
	Required      []string `json:"required,omitempty"`
	GapFill       string   `json:"gap_fill,omitempty"`
	Output        string   `json:"output"`
	Format        string   `json:"format"`
}

// Run is one invocation of a collection command.
type Run struct {
	ID        string     `json:"id"`
	Params    RunParams  `json:"params"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult summarizes a finished (or interrupted) run.
type RunResult struct {
	Entities     int    `json:"entities"`
	Collected    int    `json:"collected"`
	Written      int    `json:"written"`
	FilteredOut  int    `json:"filtered_out"`
	Abandoned    int    `json:"abandoned"`
	Snapshots    int    `json:"snapshots"`
	FieldsFound  int    `json:"fields_found"`
	FieldsAbsent int    `json:"fields_absent"`
	Estimated    int    `json:"estimated"`
	Output       string `json:"output"`
	Backup       string `json:"backup,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
	Error        string `json:"error,omitempty"`
}
