package batches

import (
	"time"

	"github.com/yomitori/yomitori/internal/storage"
)

// Stage represents the lifecycle stage of a batch run.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageRunning   Stage = "running"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// FileStage is the per-file pipeline state. Rejected, Failed, and Completed
// are terminal.
type FileStage string

const (
	FileUploaded    FileStage = "uploaded"
	FileNormalizing FileStage = "normalizing"
	FileRejected    FileStage = "rejected"
	FileNormalized  FileStage = "normalized"
	FileExtracting  FileStage = "extracting"
	FileFailed      FileStage = "failed"
	FileCompleted   FileStage = "completed"
)

// FileOutcome is the terminal state of one file in a batch, in upload order.
// Error carries the user-visible message for rejected/failed files.
type FileOutcome struct {
	Filename string    `json:"filename"`
	Stage    FileStage `json:"stage"`
	Error    string    `json:"error,omitempty"`
}

// Batch describes one extraction run over a set of uploaded files.
type Batch struct {
	ID           string
	Mode         string // prompt mode label
	Stage        Stage
	Files        []FileOutcome // per-file report, upload order
	ErrorMessage *string       // batch-level error, if any
	Succeeded    int
	Failed       int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Store defines persistence for batches and their lifecycle.
type Store interface {
	CreateBatch(b *Batch) error
	UpdateStage(id string, stage Stage, startedAt *time.Time) error
	SaveReport(id string, files []FileOutcome, succeeded, failed int, completedAt time.Time) error
	SaveError(id string, errMsg string, completedAt time.Time) error
	GetBatch(id string) (*Batch, error)
	Close() error
}

// WorkItem contains a copy of the batch data needed for processing and a
// cleanup func for the temp upload files.
type WorkItem struct {
	Batch   Batch
	Files   []storage.UploadedFile
	Cleanup func() error
}
