// Package uploads attaches ground-truth documents to rows through presigned
// storage URLs.
package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"trainline/internal/domain"
	"trainline/internal/rows"
	"trainline/internal/session"
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file too large")
)

// DefaultExtensions are the accepted ground-truth document types.
var DefaultExtensions = []string{".docx", ".pdf"}

var contentTypes = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".txt":  "text/plain",
}

type Storage interface {
	Presign(ctx context.Context, filename, contentType string) (domain.UploadTarget, error)
	Upload(ctx context.Context, uploadURL, contentType string, body io.Reader) error
}

// RowEditor is satisfied by the session store.
type RowEditor interface {
	UpdateRow(ctx context.Context, sessionID, rowID, field string, value any) error
}

type Uploader struct {
	Storage           Storage
	Rows              RowEditor
	AllowedExtensions []string
	MaxBytes          int64
	Log               *slog.Logger
}

func (u *Uploader) logger() *slog.Logger {
	if u.Log != nil {
		return u.Log
	}
	return slog.Default()
}

func (u *Uploader) allowed(ext string) bool {
	exts := u.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	for _, e := range exts {
		if strings.EqualFold(strings.TrimSpace(e), ext) {
			return true
		}
	}
	return false
}

// ContentType picks the upload content type from the bytes, falling back to
// the extension when detection is inconclusive. Content that is clearly some
// other kind of file is rejected.
func ContentType(filename string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	want := contentTypes[ext]
	detected := mimetype.Detect(content)
	if want == "" {
		return detected.String(), nil
	}
	if detected.Is(want) {
		return want, nil
	}
	for _, generic := range []string{"application/octet-stream", "application/zip"} {
		if detected.Is(generic) {
			return want, nil
		}
	}
	return "", fmt.Errorf("%w: %s looks like %s", ErrUnsupportedFile, filename, detected.String())
}

// Attach uploads content as the ground truth of a row. The row shows the
// file as uploading at once; on success it carries the storage key, on
// failure the attachment is cleared and the error returned. Rejected files
// leave the row untouched.
func (u *Uploader) Attach(ctx context.Context, sessionID, rowID, filename string, content []byte) (domain.DocxRef, error) {
	name := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(name))
	if !u.allowed(ext) {
		return domain.DocxRef{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, name)
	}
	if u.MaxBytes > 0 && int64(len(content)) > u.MaxBytes {
		return domain.DocxRef{}, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, name, len(content))
	}
	contentType, err := ContentType(name, content)
	if err != nil {
		return domain.DocxRef{}, err
	}

	ref := domain.DocxRef{Name: name, Size: int64(len(content)), Uploading: true}
	if err := u.setDocx(ctx, sessionID, rowID, &ref); err != nil {
		return domain.DocxRef{}, err
	}

	target, err := u.Storage.Presign(ctx, name, contentType)
	if err == nil {
		err = u.Storage.Upload(ctx, target.UploadURL, contentType, bytes.NewReader(content))
	}
	if err != nil {
		if clearErr := u.setDocx(ctx, sessionID, rowID, nil); clearErr != nil {
			u.logger().Warn("clear failed upload", "row", rowID, "error", clearErr)
		}
		return domain.DocxRef{}, fmt.Errorf("upload %s: %w", name, err)
	}

	ref.Uploading = false
	ref.S3Key = target.S3Key
	if err := u.setDocx(ctx, sessionID, rowID, &ref); err != nil {
		return ref, err
	}
	u.logger().Info("ground truth attached", "session", sessionID, "row", rowID, "file", name, "key", ref.S3Key)
	return ref, nil
}

// setDocx updates the row; unsaved-change warnings are logged and swallowed.
func (u *Uploader) setDocx(ctx context.Context, sessionID, rowID string, ref *domain.DocxRef) error {
	err := u.Rows.UpdateRow(ctx, sessionID, rowID, rows.FieldDocx, ref)
	if err == nil {
		return nil
	}
	if session.IsStale(err) {
		u.logger().Warn("attachment not saved to backend", "row", rowID, "error", err)
		return nil
	}
	return err
}
