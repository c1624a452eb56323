package uploads

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainline/internal/domain"
	"trainline/internal/session"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n")

type fakeStorage struct {
	presignErr  error
	uploadErr   error
	contentType string
	uploaded    []byte
}

func (f *fakeStorage) Presign(ctx context.Context, filename, contentType string) (domain.UploadTarget, error) {
	f.contentType = contentType
	if f.presignErr != nil {
		return domain.UploadTarget{}, f.presignErr
	}
	return domain.UploadTarget{UploadURL: "https://bucket/put", S3Key: "uploads/" + filename}, nil
}

func (f *fakeStorage) Upload(ctx context.Context, uploadURL, contentType string, body io.Reader) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	b, err := io.ReadAll(body)
	f.uploaded = b
	return err
}

type docxLog struct {
	states []*domain.DocxRef
	err    error
}

func (d *docxLog) UpdateRow(ctx context.Context, sessionID, rowID, field string, value any) error {
	ref, _ := value.(*domain.DocxRef)
	if ref != nil {
		cp := *ref
		ref = &cp
	}
	d.states = append(d.states, ref)
	return d.err
}

func TestAttachSuccess(t *testing.T) {
	storage := &fakeStorage{}
	rows := &docxLog{}
	u := &Uploader{Storage: storage, Rows: rows}

	ref, err := u.Attach(context.Background(), "s1", "r1", "/tmp/acta.pdf", pdfBytes)
	require.NoError(t, err)
	assert.Equal(t, "uploads/acta.pdf", ref.S3Key)
	assert.Equal(t, "application/pdf", storage.contentType)
	assert.Equal(t, pdfBytes, storage.uploaded)

	require.Len(t, rows.states, 2)
	assert.True(t, rows.states[0].Uploading)
	assert.Equal(t, int64(len(pdfBytes)), rows.states[0].Size)
	assert.False(t, rows.states[1].Uploading)
	assert.Equal(t, "acta.pdf", rows.states[1].Name)
}

func TestAttachFailureClearsDocx(t *testing.T) {
	storage := &fakeStorage{uploadErr: errors.New("403")}
	rows := &docxLog{}
	u := &Uploader{Storage: storage, Rows: rows}

	_, err := u.Attach(context.Background(), "s1", "r1", "acta.pdf", pdfBytes)
	require.Error(t, err)
	require.Len(t, rows.states, 2)
	assert.True(t, rows.states[0].Uploading)
	assert.Nil(t, rows.states[1])
}

func TestAttachRejectsBeforeAnyChange(t *testing.T) {
	rows := &docxLog{}
	u := &Uploader{Storage: &fakeStorage{}, Rows: rows, MaxBytes: 16}

	_, err := u.Attach(context.Background(), "s1", "r1", "notes.txt", []byte("hi"))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = u.Attach(context.Background(), "s1", "r1", "fake.pdf", []byte("\x89PNG\r\n\x1a\n0000"))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = u.Attach(context.Background(), "s1", "r1", "big.pdf", pdfBytes)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	assert.Empty(t, rows.states)
}

func TestAttachToleratesUnsavedRows(t *testing.T) {
	rows := &docxLog{err: &session.StaleWarning{SessionID: "s1", Op: "update row", Err: errors.New("503")}}
	u := &Uploader{Storage: &fakeStorage{}, Rows: rows}
	ref, err := u.Attach(context.Background(), "s1", "r1", "ACTA.PDF", pdfBytes)
	require.NoError(t, err)
	assert.Equal(t, "uploads/ACTA.PDF", ref.S3Key)
}

func TestContentTypeFallsBackForZip(t *testing.T) {
	ct, err := ContentType("acta.docx", append([]byte("PK\x03\x04"), make([]byte, 64)...))
	require.NoError(t, err)
	assert.Equal(t, contentTypes[".docx"], ct)
}
