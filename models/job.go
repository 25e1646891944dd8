package models

import "time"

// PipelineState is the state of one redaction request
type PipelineState string

const (
	StateUploaded  PipelineState = "uploaded"
	StateExtracted PipelineState = "extracted"
	StateRedacted  PipelineState = "redacted"
	StateRendered  PipelineState = "rendered"
	StateArchived  PipelineState = "archived"
	StateFailed    PipelineState = "failed"
)

var nextState = map[PipelineState]PipelineState{
	StateUploaded:  StateExtracted,
	StateExtracted: StateRedacted,
	StateRedacted:  StateRendered,
	StateRendered:  StateArchived,
}

// IsTerminal reports whether no further transition is possible
func (s PipelineState) IsTerminal() bool {
	return s == StateArchived || s == StateFailed
}

// CanTransition reports whether moving from s to to is allowed. Transitions are
// strictly sequential; Failed is reachable from any non-terminal state.
func (s PipelineState) CanTransition(to PipelineState) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return nextState[s] == to
}

// Job is the persisted record of one redaction request. It never carries
// document or entity text.
type Job struct {
	ID           string         `bson:"_id" json:"job_id"`
	Filename     string         `bson:"filename" json:"filename"`
	Format       Format         `bson:"format" json:"format"`
	State        PipelineState  `bson:"state" json:"state"`
	Error        string         `bson:"error,omitempty" json:"error,omitempty"`
	ChunkCount   int            `bson:"chunk_count" json:"chunk_count"`
	EntityCounts map[string]int `bson:"entity_counts,omitempty" json:"entity_counts,omitempty"`
	ArtifactName string         `bson:"artifact_name,omitempty" json:"artifact_name,omitempty"`
	Async        bool           `bson:"async" json:"async"`
	CreatedAt    time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at" json:"updated_at"`
}

// JobDetail carries the optional fields updated alongside a state transition
type JobDetail struct {
	Error        string
	ChunkCount   int
	EntityCounts map[string]int
	ArtifactName string
}
