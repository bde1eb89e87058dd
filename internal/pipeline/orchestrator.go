// Package pipeline runs uploaded images through normalization and text
// extraction, recording per-file outcomes and final results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/yomitori/yomitori/internal/batches"
	"github.com/yomitori/yomitori/internal/catalog"
	"github.com/yomitori/yomitori/internal/llm"
	"github.com/yomitori/yomitori/internal/metrics"
	"github.com/yomitori/yomitori/internal/normalize"
	"github.com/yomitori/yomitori/internal/results"
	"github.com/yomitori/yomitori/internal/storage"
)

// Shown instead of credential details. Operators get the specifics in the log.
const missingCredentialMessage = "extraction service is not configured; contact the administrator"

// Orchestrator processes one batch at a time: resolve the prompt mode, then
// normalize and extract each file in upload order.
type Orchestrator struct {
	log            *slog.Logger
	modes          *catalog.Catalog
	client         llm.Client
	results        results.Store
	batches        batches.Store
	metrics        *metrics.Metrics
	normalizeOpts  normalize.Options
	extractTimeout time.Duration
}

var _ batches.Processor = (*Orchestrator)(nil)

// New creates an Orchestrator. metrics may be nil.
func New(
	logger *slog.Logger,
	modes *catalog.Catalog,
	client llm.Client,
	resultStore results.Store,
	batchStore batches.Store,
	m *metrics.Metrics,
	normalizeOpts normalize.Options,
	extractTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		log:            logger,
		modes:          modes,
		client:         client,
		results:        resultStore,
		batches:        batchStore,
		metrics:        m,
		normalizeOpts:  normalizeOpts,
		extractTimeout: extractTimeout,
	}
}

// Process runs the whole batch. A failure of one file never aborts the batch;
// only an unknown prompt mode or context cancellation does.
func (o *Orchestrator) Process(ctx context.Context, item batches.WorkItem) error {
	log := o.log.With("batch_id", item.Batch.ID)

	instruction, err := o.modes.Resolve(item.Batch.Mode)
	if err != nil {
		log.Error("unresolvable prompt mode", "mode", item.Batch.Mode, "err", err)
		now := time.Now().UTC()
		if serr := o.batches.SaveError(item.Batch.ID, fmt.Sprintf("unknown prompt mode %q", item.Batch.Mode), now); serr != nil {
			log.Error("failed to record batch error", "err", serr)
		}
		return err
	}

	// Each run replaces the whole result set; only the latest batch's
	// extractions are ever listed or downloadable.
	if err := o.results.Clear(); err != nil {
		log.Error("failed to reset result set", "err", err)
		now := time.Now().UTC()
		if serr := o.batches.SaveError(item.Batch.ID, "could not reset result set", now); serr != nil {
			log.Error("failed to record batch error", "err", serr)
		}
		return err
	}

	started := time.Now().UTC()
	if err := o.batches.UpdateStage(item.Batch.ID, batches.StageRunning, &started); err != nil {
		log.Error("failed to mark batch running", "err", err)
	}

	outcomes := make([]batches.FileOutcome, 0, len(item.Files))
	succeeded, failed := 0, 0

	for i, f := range item.Files {
		// Cancellation is honored between files, never mid-file.
		if ctxErr := ctx.Err(); ctxErr != nil {
			for _, rest := range item.Files[i:] {
				outcomes = append(outcomes, batches.FileOutcome{
					Filename: rest.Filename,
					Stage:    batches.FileFailed,
					Error:    "processing canceled",
				})
				failed++
			}
			o.finish(log, item.Batch.ID, outcomes, succeeded, failed)
			return ctxErr
		}

		outcome := o.processFile(ctx, log, item.Batch.Mode, instruction, f)
		if outcome.Stage == batches.FileCompleted {
			succeeded++
		} else {
			failed++
		}
		outcomes = append(outcomes, outcome)
	}

	o.finish(log, item.Batch.ID, outcomes, succeeded, failed)
	return nil
}

func (o *Orchestrator) finish(log *slog.Logger, id string, outcomes []batches.FileOutcome, succeeded, failed int) {
	if err := o.batches.SaveReport(id, outcomes, succeeded, failed, time.Now().UTC()); err != nil {
		log.Error("failed to save batch report", "err", err)
	}
	if o.metrics != nil {
		o.metrics.BatchProcessed()
	}
	log.Info("batch finished", "succeeded", succeeded, "failed", failed)
}

func (o *Orchestrator) processFile(ctx context.Context, log *slog.Logger, modeLabel, instruction string, f storage.UploadedFile) batches.FileOutcome {
	fileLog := log.With("filename", f.Filename)

	raw, err := os.ReadFile(f.Path)
	if err != nil {
		fileLog.Error("failed to read uploaded file", "err", err)
		o.countFile(metrics.OutcomeFailed)
		return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileFailed, Error: "could not read uploaded file"}
	}

	img, err := normalize.Normalize(raw, f.DeclaredSize, o.normalizeOpts)
	if err != nil {
		var rej *normalize.Rejection
		if errors.As(err, &rej) {
			fileLog.Info("file rejected", "kind", rej.Kind, "reason", rej.Message)
			o.countFile(metrics.OutcomeRejected)
			return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileRejected, Error: rej.Message}
		}
		fileLog.Error("normalization failed", "err", err)
		o.countFile(metrics.OutcomeFailed)
		return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileFailed, Error: "could not process image"}
	}

	jpeg, err := img.EncodeJPEG()
	if err != nil {
		fileLog.Error("jpeg encoding failed", "err", err)
		o.countFile(metrics.OutcomeFailed)
		return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileFailed, Error: "could not encode image"}
	}

	extractCtx, cancel := context.WithTimeout(ctx, o.extractTimeout)
	defer cancel()

	start := time.Now()
	text, err := o.client.Extract(extractCtx, instruction, jpeg)
	if o.metrics != nil {
		o.metrics.ObserveExtraction(time.Since(start).Seconds())
	}
	if err != nil {
		msg := err.Error()
		switch llm.KindOf(err) {
		case llm.KindMissingCredential:
			fileLog.Error("extraction credential missing", "err", err)
			msg = missingCredentialMessage
		case llm.KindTimeout:
			fileLog.Warn("extraction timed out", "timeout", o.extractTimeout)
			msg = "extraction timed out"
		default:
			fileLog.Error("extraction failed", "err", err)
		}
		o.countFile(metrics.OutcomeFailed)
		return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileFailed, Error: msg}
	}

	entry := &results.Entry{
		Filename:  f.Filename,
		Text:      text,
		Image:     jpeg,
		Width:     img.Width,
		Height:    img.Height,
		Mode:      modeLabel,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.results.Put(entry); err != nil {
		fileLog.Error("failed to store result", "err", err)
		o.countFile(metrics.OutcomeFailed)
		return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileFailed, Error: "could not store result"}
	}

	fileLog.Info("file completed", "width", img.Width, "height", img.Height, "text_len", len(text))
	o.countFile(metrics.OutcomeCompleted)
	return batches.FileOutcome{Filename: f.Filename, Stage: batches.FileCompleted}
}

func (o *Orchestrator) countFile(outcome string) {
	if o.metrics != nil {
		o.metrics.FileOutcome(outcome)
	}
}
