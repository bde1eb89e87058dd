package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/yomitori/yomitori/internal/common"
)

// UploadedFile is one raw upload spilled to a temp file, keeping the
// client-declared byte size and original filename for the pipeline.
type UploadedFile struct {
	Path         string
	Filename     string
	DeclaredSize int64
	MimeType     string
}

// Uploader handles storing temporary uploads on disk.
type Uploader struct {
	baseDir string
}

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// SaveMultipartImage validates and stores one uploaded image (png/jpg) to
// disk. It returns the stored file and a cleanup function the caller must
// eventually invoke. Oversized files are stored as-is: the size gate belongs
// to the normalization pipeline so it can report a per-file rejection.
func (u *Uploader) SaveMultipartImage(fileHeader *multipart.FileHeader) (UploadedFile, func() error, error) {
	if fileHeader == nil {
		return UploadedFile{}, nil, fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
	}
	if !isAllowedImageMime(mimeType) {
		return UploadedFile{}, nil, fmt.Errorf("unsupported content type: %s", mimeType)
	}

	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return UploadedFile{}, nil, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return UploadedFile{}, nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	ext := pickExtension(mimeType, fileHeader.Filename)
	dstPath := filepath.Join(u.baseDir, randomHex(16)+ext)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return UploadedFile{}, nil, fmt.Errorf("create tmp file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	written, err := io.Copy(dst, src)
	if err != nil {
		_ = os.Remove(dstPath)
		return UploadedFile{}, nil, fmt.Errorf("copy upload: %w", err)
	}

	cleanup := func() error {
		return os.Remove(dstPath)
	}
	return UploadedFile{
		Path:         dstPath,
		Filename:     filepath.Base(fileHeader.Filename),
		DeclaredSize: written,
		MimeType:     mimeType,
	}, cleanup, nil
}

// SaveBatch stores every file of one batch upload and returns a single
// cleanup covering all of them. On error, already-stored files are removed.
func (u *Uploader) SaveBatch(fileHeaders []*multipart.FileHeader) ([]UploadedFile, func() error, error) {
	files := make([]UploadedFile, 0, len(fileHeaders))
	cleanups := make([]func() error, 0, len(fileHeaders))

	cleanupAll := func() error {
		var first error
		for _, c := range cleanups {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, fh := range fileHeaders {
		f, cleanup, err := u.SaveMultipartImage(fh)
		if err != nil {
			_ = cleanupAll()
			return nil, nil, fmt.Errorf("save %q: %w", fh.Filename, err)
		}
		files = append(files, f)
		cleanups = append(cleanups, cleanup)
	}
	return files, cleanupAll, nil
}

func isAllowedImageMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	_, ok := allowedImageMimes[mt]
	return ok
}

func pickExtension(mimeType, original string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if ext, ok := allowedImageMimes[mt]; ok {
		return ext
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		return ".bin"
	}
	return ext
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
