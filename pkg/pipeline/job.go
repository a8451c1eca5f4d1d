// Package pipeline provides the database-backed job queue driving the Smart
// Upload stages: enqueueing, claiming, heartbeats, retries, and the worker
// pool that executes stage handlers.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire job names. These are the queue's public contract; renaming one strands
// queued jobs.
const (
	JobExtractText     = "smartupload.extractText"
	JobExtractMetadata = "smartupload.llmExtractMetadata"
	JobClassifyAndPlan = "smartupload.classifyAndPlanSplit"
	JobSplitPDF        = "smartupload.splitPdf"
	JobSecondPass      = "smartupload.secondPass"
	JobIngest          = "smartupload.ingest"
	JobCleanup         = "smartupload.cleanup"
)

// StageJobNames are the names processed by the main worker set, in pipeline
// order. Cleanup runs on its own workers.
var StageJobNames = []string{
	JobExtractText, JobExtractMetadata, JobClassifyAndPlan,
	JobSplitPDF, JobSecondPass, JobIngest,
}

// JobStatus is the queue-level state of a job row.
type JobStatus string

// Job status constants.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusDead       JobStatus = "dead"
)

// Job is one queued unit of stage work.
type Job struct {
	ID          int64
	Name        string
	Payload     json.RawMessage
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	LastError   *string
	RunAt       time.Time
	PodID       *string
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// ItemPayload is the payload of every stage job except cleanup.
type ItemPayload struct {
	BatchID string `json:"batch_id"`
	ItemID  string `json:"item_id"`
}

// CleanupPayload is the payload of a cleanup job. Reason distinguishes
// cancellation from terminal failure. TempKeys carries blobs written but not
// yet recorded on the item row, e.g. a split interrupted mid-upload.
type CleanupPayload struct {
	BatchID  string   `json:"batch_id"`
	ItemID   string   `json:"item_id"`
	Reason   string   `json:"reason"`
	TempKeys []string `json:"temp_keys,omitempty"`
}

// Cleanup reasons.
const (
	CleanupReasonCancelled = "cancelled"
	CleanupReasonFailed    = "failed"
)

// DecodePayload decodes a job's payload into the type its name implies.
func DecodePayload(job *Job) (any, error) {
	switch job.Name {
	case JobExtractText, JobExtractMetadata, JobClassifyAndPlan,
		JobSplitPDF, JobSecondPass, JobIngest:
		var p ItemPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("bad payload for %s job %d: %w", job.Name, job.ID, err)
		}
		return p, nil
	case JobCleanup:
		var p CleanupPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("bad payload for %s job %d: %w", job.Name, job.ID, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job name %q (job %d)", job.Name, job.ID)
	}
}

// ItemID extracts the item id common to both payload shapes, for cancel
// registration. Empty when the payload is malformed.
func (j *Job) ItemID() string {
	var p struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return ""
	}
	return p.ItemID
}
