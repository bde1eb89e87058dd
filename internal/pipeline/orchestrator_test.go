package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yomitori/yomitori/internal/batches"
	"github.com/yomitori/yomitori/internal/catalog"
	"github.com/yomitori/yomitori/internal/llm"
	"github.com/yomitori/yomitori/internal/normalize"
	"github.com/yomitori/yomitori/internal/results"
	"github.com/yomitori/yomitori/internal/storage"
)

const standardMode = "標準（テキストのみ）"

type fakeClient struct {
	fn func(ctx context.Context, instruction string, imageJPEG []byte) (string, error)
}

func (c *fakeClient) Extract(ctx context.Context, instruction string, imageJPEG []byte) (string, error) {
	return c.fn(ctx, instruction, imageJPEG)
}

func writePNG(t *testing.T, dir, name string, w, h int) storage.UploadedFile {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	return storage.UploadedFile{
		Path:         path,
		Filename:     name,
		DeclaredSize: info.Size(),
		MimeType:     "image/png",
	}
}

func newOrchestrator(t *testing.T, client llm.Client) (*Orchestrator, results.Store, batches.Store) {
	t.Helper()
	resultStore, err := results.NewSQLiteStore()
	if err != nil {
		t.Fatalf("results store: %v", err)
	}
	t.Cleanup(func() { _ = resultStore.Close() })

	batchStore, err := batches.NewSQLiteStore()
	if err != nil {
		t.Fatalf("batch store: %v", err)
	}
	t.Cleanup(func() { _ = batchStore.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(logger, catalog.Default(), client, resultStore, batchStore, nil,
		normalize.Options{MaxBytes: 5 << 20, MaxDimension: 1024}, time.Second)
	return o, resultStore, batchStore
}

func createBatch(t *testing.T, store batches.Store, id, mode string) batches.Batch {
	t.Helper()
	b := batches.Batch{ID: id, Mode: mode, Stage: batches.StageQueued}
	if err := store.CreateBatch(&b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

func TestOrchestrator_HappyPath(t *testing.T) {
	client := &fakeClient{fn: func(_ context.Context, instruction string, _ []byte) (string, error) {
		if !strings.Contains(instruction, "テキスト") {
			t.Errorf("unexpected instruction: %q", instruction)
		}
		return "recognized text", nil
	}}
	o, resultStore, batchStore := newOrchestrator(t, client)

	tmp := t.TempDir()
	files := []storage.UploadedFile{
		writePNG(t, tmp, "a.png", 100, 80),
		writePNG(t, tmp, "b.png", 60, 40),
	}
	b := createBatch(t, batchStore, "b1", standardMode)

	if err := o.Process(context.Background(), batches.WorkItem{Batch: b, Files: files}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := batchStore.GetBatch("b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Stage != batches.StageCompleted {
		t.Fatalf("stage = %q", got.Stage)
	}
	if got.Succeeded != 2 || got.Failed != 0 {
		t.Fatalf("counts = %d/%d", got.Succeeded, got.Failed)
	}

	entries, err := resultStore.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("results = %d", len(entries))
	}
	if entries[0].Filename != "a.png" || entries[1].Filename != "b.png" {
		t.Fatalf("order = %q, %q", entries[0].Filename, entries[1].Filename)
	}
	if entries[0].Text != "recognized text" {
		t.Fatalf("text = %q", entries[0].Text)
	}
	if entries[0].Mode != standardMode {
		t.Fatalf("mode = %q", entries[0].Mode)
	}
	if len(entries[0].Image) == 0 {
		t.Fatal("result preview image missing")
	}
}

func TestOrchestrator_UnknownModeFailsBatch(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, string, []byte) (string, error) {
		t.Fatal("extraction should not be attempted")
		return "", nil
	}}
	o, _, batchStore := newOrchestrator(t, client)

	b := createBatch(t, batchStore, "b1", "no such mode")
	files := []storage.UploadedFile{writePNG(t, t.TempDir(), "a.png", 10, 10)}

	if err := o.Process(context.Background(), batches.WorkItem{Batch: b, Files: files}); err == nil {
		t.Fatal("expected error for unknown mode")
	}

	got, err := batchStore.GetBatch("b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Stage != batches.StageFailed {
		t.Fatalf("stage = %q", got.Stage)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "no such mode") {
		t.Fatalf("error message = %v", got.ErrorMessage)
	}
}

func TestOrchestrator_RejectionDoesNotAbortBatch(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, string, []byte) (string, error) {
		return "ok", nil
	}}
	o, resultStore, batchStore := newOrchestrator(t, client)

	tmp := t.TempDir()
	big := writePNG(t, tmp, "big.png", 20, 20)
	big.DeclaredSize = 10 << 20 // above the 5 MiB gate
	good := writePNG(t, tmp, "good.png", 20, 20)

	b := createBatch(t, batchStore, "b1", standardMode)
	if err := o.Process(context.Background(), batches.WorkItem{Batch: b, Files: []storage.UploadedFile{big, good}}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := batchStore.GetBatch("b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Succeeded != 1 || got.Failed != 1 {
		t.Fatalf("counts = %d/%d", got.Succeeded, got.Failed)
	}
	if got.Files[0].Stage != batches.FileRejected {
		t.Fatalf("first file stage = %q", got.Files[0].Stage)
	}
	if !strings.Contains(got.Files[0].Error, "exceeds") {
		t.Fatalf("rejection message = %q", got.Files[0].Error)
	}
	if got.Files[1].Stage != batches.FileCompleted {
		t.Fatalf("second file stage = %q", got.Files[1].Stage)
	}

	n, err := resultStore.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("results = %d", n)
	}
}

func TestOrchestrator_MissingCredentialHidesDetail(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, string, []byte) (string, error) {
		return "", llm.NewError(llm.KindMissingCredential, "GEMINI_API_KEY not set and secrets.yaml missing")
	}}
	o, _, batchStore := newOrchestrator(t, client)

	b := createBatch(t, batchStore, "b1", standardMode)
	files := []storage.UploadedFile{writePNG(t, t.TempDir(), "a.png", 10, 10)}
	if err := o.Process(context.Background(), batches.WorkItem{Batch: b, Files: files}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := batchStore.GetBatch("b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Files[0].Stage != batches.FileFailed {
		t.Fatalf("stage = %q", got.Files[0].Stage)
	}
	if strings.Contains(got.Files[0].Error, "GEMINI_API_KEY") {
		t.Fatalf("credential detail leaked: %q", got.Files[0].Error)
	}
	if !strings.Contains(got.Files[0].Error, "not configured") {
		t.Fatalf("unexpected message: %q", got.Files[0].Error)
	}
}

func TestOrchestrator_CancellationBetweenFiles(t *testing.T) {
	client := &fakeClient{fn: func(context.Context, string, []byte) (string, error) {
		return "ok", nil
	}}
	o, _, batchStore := newOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmp := t.TempDir()
	files := []storage.UploadedFile{
		writePNG(t, tmp, "a.png", 10, 10),
		writePNG(t, tmp, "b.png", 10, 10),
	}
	b := createBatch(t, batchStore, "b1", standardMode)

	if err := o.Process(ctx, batches.WorkItem{Batch: b, Files: files}); err == nil {
		t.Fatal("expected context error")
	}

	got, err := batchStore.GetBatch("b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Failed != 2 {
		t.Fatalf("failed = %d", got.Failed)
	}
	for _, f := range got.Files {
		if f.Error != "processing canceled" {
			t.Fatalf("error = %q", f.Error)
		}
	}
}

func TestOrchestrator_NewRunReplacesResults(t *testing.T) {
	calls := 0
	client := &fakeClient{fn: func(context.Context, string, []byte) (string, error) {
		calls++
		if calls <= 2 {
			return "first pass", nil
		}
		return "second pass", nil
	}}
	o, resultStore, batchStore := newOrchestrator(t, client)

	tmp := t.TempDir()
	a := writePNG(t, tmp, "a.png", 10, 10)
	z := writePNG(t, tmp, "z.png", 10, 10)
	b := writePNG(t, tmp, "b.png", 10, 10)

	b1 := createBatch(t, batchStore, "b1", standardMode)
	if err := o.Process(context.Background(), batches.WorkItem{Batch: b1, Files: []storage.UploadedFile{a, z}}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n, _ := resultStore.Count(); n != 2 {
		t.Fatalf("results after first run = %d", n)
	}

	b2 := createBatch(t, batchStore, "b2", standardMode)
	if err := o.Process(context.Background(), batches.WorkItem{Batch: b2, Files: []storage.UploadedFile{b}}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	entries, err := resultStore.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("results after second run = %d, want only the latest batch", len(entries))
	}
	if entries[0].Filename != "b.png" {
		t.Fatalf("filename = %q", entries[0].Filename)
	}
	if entries[0].Text != "second pass" {
		t.Fatalf("text = %q", entries[0].Text)
	}
}
