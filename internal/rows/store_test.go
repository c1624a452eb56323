package rows

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainline/internal/domain"
)

func patch(t *testing.T, fields map[string]any) domain.RowPatch {
	t.Helper()
	p := domain.RowPatch{}
	for k, v := range fields {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		p[k] = b
	}
	return p
}

func seeded() *Store {
	return New([]domain.TrainingRow{
		{ID: "a", YtURL: "https://youtu.be/a", Status: domain.RowIdle},
		{ID: "b", ActaName: "acta_b.docx", Status: domain.RowReady, Progress: 100},
		{ID: "c", Status: domain.RowIdle},
	})
}

func TestUpdateIsIdempotent(t *testing.T) {
	once := seeded()
	twice := seeded()

	changed, err := once.Update("a", FieldActaName, "acta_a.docx")
	require.NoError(t, err)
	assert.True(t, changed)

	for i := 0; i < 2; i++ {
		_, err := twice.Update("a", FieldActaName, "acta_a.docx")
		require.NoError(t, err)
	}
	changed, err = twice.Update("a", FieldActaName, "acta_a.docx")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestUpdateTouchesOneField(t *testing.T) {
	s := seeded()
	before := s.Snapshot()
	_, err := s.Update("b", FieldStatus, domain.RowTraining)
	require.NoError(t, err)
	after := s.Snapshot()

	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[2], after[2])
	want := before[1]
	want.Status = domain.RowTraining
	assert.Equal(t, want, after[1])
}

func TestUpdateDocxAndErrors(t *testing.T) {
	s := seeded()
	_, err := s.Update("c", FieldDocx, &domain.DocxRef{Name: "acta.docx", Size: 42, Uploading: true})
	require.NoError(t, err)
	row, ok := s.Get("c")
	require.True(t, ok)
	require.NotNil(t, row.Docx)
	assert.True(t, row.Docx.Uploading)

	_, err = s.Update("c", FieldDocx, nil)
	require.NoError(t, err)
	row, _ = s.Get("c")
	assert.Nil(t, row.Docx)

	_, err = s.Update("missing", FieldYtURL, "x")
	assert.ErrorIs(t, err, ErrRowNotFound)
	_, err = s.Update("a", "colour", "x")
	assert.ErrorIs(t, err, ErrUnknownField)
	_, err = s.Update("a", FieldID, "z")
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = s.Update("a", FieldProgress, 250)
	require.NoError(t, err)
	row, _ = s.Get("a")
	assert.Equal(t, 100, row.Progress)
}

func TestPatchIsAllOrNothing(t *testing.T) {
	s := seeded()
	before := s.Snapshot()
	_, err := s.Patch("a", map[string]json.RawMessage{
		FieldActaName: json.RawMessage(`"acta.docx"`),
		FieldProgress: json.RawMessage(`"lots"`),
	})
	require.Error(t, err)
	assert.Equal(t, before, s.Snapshot())

	changed, err := s.Patch("a", map[string]json.RawMessage{
		FieldActaName: json.RawMessage(`"acta.docx"`),
		FieldStatus:   json.RawMessage(`"ready"`),
	})
	require.NoError(t, err)
	assert.True(t, changed)
	row, _ := s.Get("a")
	assert.Equal(t, "acta.docx", row.ActaName)
	assert.Equal(t, domain.RowReady, row.Status)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New([]domain.TrainingRow{{ID: "a", Docx: &domain.DocxRef{Name: "x"}}})
	snap := s.Snapshot()
	snap[0].Docx.Name = "mutated"
	snap[0].YtURL = "mutated"
	row, _ := s.Get("a")
	assert.Equal(t, "x", row.Docx.Name)
	assert.Empty(t, row.YtURL)
}

func TestDeleteAndAdd(t *testing.T) {
	s := seeded()
	assert.False(t, s.Delete("missing"))
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Delete("b"))
	assert.Equal(t, []string{"a", "c"}, ids(s.Snapshot()))

	s.NewID = func() string { return "new" }
	row := s.Add()
	assert.Equal(t, "new", row.ID)
	assert.Equal(t, domain.RowIdle, row.Status)
	assert.Equal(t, []string{"a", "c", "new"}, ids(s.Snapshot()))
}

func TestAppendKeepsExistingRows(t *testing.T) {
	s := seeded()
	n := 0
	s.NewID = func() string { n++; return fmt.Sprintf("gen-%d", n) }
	added := s.Append(
		domain.TrainingRow{ID: "d", YtURL: "https://youtu.be/d"},
		domain.TrainingRow{ID: "a", YtURL: "dup"},
		domain.TrainingRow{YtURL: "no id"},
	)
	require.Len(t, added, 3)
	assert.Equal(t, []string{"a", "b", "c", "d", "gen-1", "gen-2"}, ids(s.Snapshot()))
	assert.Equal(t, domain.RowIdle, added[0].Status)
	first, _ := s.Get("a")
	assert.Equal(t, "https://youtu.be/a", first.YtURL)
}

func TestMergeShallowPerField(t *testing.T) {
	s := seeded()
	n := s.Merge([]domain.RowPatch{
		patch(t, map[string]any{"id": "a", "status": "transcribing", "progress": 40}),
		patch(t, map[string]any{"id": "zzz", "status": "done"}),
		patch(t, map[string]any{"id": "c", "error": "boom"}),
	})
	assert.Equal(t, 1, n)
	rows := s.Snapshot()
	assert.Equal(t, domain.RowTranscribing, rows[0].Status)
	assert.Equal(t, 40, rows[0].Progress)
	assert.Equal(t, "https://youtu.be/a", rows[0].YtURL)
	assert.Equal(t, seeded().Snapshot()[1:], rows[1:])
}

func TestMergeLaterPatchWins(t *testing.T) {
	a := patch(t, map[string]any{"id": "a", "status": "downloading", "progress": 10, "actaName": "from-a"})
	b := patch(t, map[string]any{"id": "a", "status": "ready", "progress": 100})

	ab := seeded()
	ab.Merge([]domain.RowPatch{a})
	ab.Merge([]domain.RowPatch{b})
	row, _ := ab.Get("a")
	assert.Equal(t, domain.RowReady, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.Equal(t, "from-a", row.ActaName)

	// Disjoint field sets commute.
	c := patch(t, map[string]any{"id": "a", "ytUrl": "https://youtu.be/new"})
	x, y := seeded(), seeded()
	x.Merge([]domain.RowPatch{a, c})
	y.Merge([]domain.RowPatch{c, a})
	assert.Equal(t, x.Snapshot(), y.Snapshot())
}

func TestMergeAcceptsBackwardAndUnknownStatus(t *testing.T) {
	s := New([]domain.TrainingRow{{ID: "a", Status: domain.RowDone}})
	s.Merge([]domain.RowPatch{patch(t, map[string]any{"id": "a", "status": "idle"})})
	row, _ := s.Get("a")
	assert.Equal(t, domain.RowIdle, row.Status)

	s.Merge([]domain.RowPatch{patch(t, map[string]any{"id": "a", "status": "error"})})
	row, _ = s.Get("a")
	assert.Equal(t, domain.RowStatus("error"), row.Status)
}

func TestConcurrentMutations(t *testing.T) {
	s := seeded()
	half := patch(t, map[string]any{"id": "b", "progress": 50})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update("a", FieldProgress, i)
		}(i)
		go func() {
			defer wg.Done()
			s.Merge([]domain.RowPatch{half})
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, s.Len())
}

func ids(rows []domain.TrainingRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}
