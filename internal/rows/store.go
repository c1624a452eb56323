// Package rows holds the ordered row collection of one training session.
//
// Row status is advisory: any status may be overwritten by the next merge and
// no transition table is enforced. Backward moves are only logged.
package rows

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"trainline/internal/domain"
)

var (
	ErrRowNotFound  = errors.New("row not found")
	ErrUnknownField = errors.New("unknown row field")
)

// Field names as they appear on the wire.
const (
	FieldID       = "id"
	FieldYtURL    = "ytUrl"
	FieldActaName = "actaName"
	FieldDocx     = "docx"
	FieldStatus   = "status"
	FieldProgress = "progress"
)

// Fields lists the editable fields.
var Fields = []string{FieldYtURL, FieldActaName, FieldDocx, FieldStatus, FieldProgress}

// Store is safe for concurrent use. Readers get copies, never the backing
// slice.
type Store struct {
	mu    sync.RWMutex
	rows  []domain.TrainingRow
	NewID func() string
	Log   *slog.Logger
}

// New returns a store seeded with a copy of rows.
func New(rows []domain.TrainingRow) *Store {
	return &Store{rows: cloneRows(rows)}
}

func (s *Store) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Snapshot returns a copy of the rows in order.
func (s *Store) Snapshot() []domain.TrainingRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRows(s.rows)
}

// Replace swaps the whole row set, used when loading a session.
func (s *Store) Replace(rows []domain.TrainingRow) {
	s.mu.Lock()
	s.rows = cloneRows(rows)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) Get(id string) (domain.TrainingRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return domain.TrainingRow{}, false
	}
	return cloneRow(s.rows[i]), true
}

func (s *Store) Stats() domain.RowStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.StatsOf(s.rows)
}

// Add appends an empty idle row and returns it.
func (s *Store) Add() domain.TrainingRow {
	row := domain.TrainingRow{ID: s.newID(), Status: domain.RowIdle}
	s.mu.Lock()
	s.rows = append(s.rows, row)
	s.mu.Unlock()
	return row
}

// Append adds rows at the end, keeping existing rows and ids. Rows without an
// id, or whose id is already taken, get a fresh one.
func (s *Store) Append(rows ...domain.TrainingRow) []domain.TrainingRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]domain.TrainingRow, 0, len(rows))
	for _, r := range rows {
		r = cloneRow(r)
		if r.ID == "" || s.indexOf(r.ID) >= 0 {
			r.ID = s.newID()
		}
		if r.Status == "" {
			r.Status = domain.RowIdle
		}
		s.rows = append(s.rows, r)
		added = append(added, r)
	}
	return added
}

// Update replaces one field of one row. It reports whether the row changed,
// so applying the same value twice is a no-op the second time.
func (s *Store) Update(id, field string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", field, err)
	}
	return s.UpdateRaw(id, field, raw)
}

// UpdateRaw is Update with an already encoded JSON value.
func (s *Store) UpdateRaw(id, field string, raw json.RawMessage) (bool, error) {
	return s.Patch(id, map[string]json.RawMessage{field: raw})
}

// Patch replaces several fields of one row at once. Either every field is
// applied or, on the first bad field or value, none is.
func (s *Store) Patch(id string, fields map[string]json.RawMessage) (bool, error) {
	if _, ok := fields[FieldID]; ok {
		return false, fmt.Errorf("%w: id is immutable", ErrUnknownField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false, ErrRowNotFound
	}
	next := cloneRow(s.rows[i])
	for field, raw := range fields {
		if err := applyField(&next, field, raw); err != nil {
			return false, err
		}
	}
	if rowsEqual(s.rows[i], next) {
		return false, nil
	}
	s.noteRegression(s.rows[i], next)
	s.rows[i] = next
	return true, nil
}

// Delete removes the row with id. Absent ids are a no-op.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.rows = append(s.rows[:i], s.rows[i+1:]...)
	return true
}

// Merge applies partial updates over the rows they name. Incoming values win
// per field, absent fields are preserved, unknown ids and unknown fields are
// ignored. Patches are applied in order, so a later patch wins on overlapping
// fields. It returns the number of rows that changed.
func (s *Store) Merge(patches []domain.RowPatch) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := map[string]struct{}{}
	for _, p := range patches {
		id := p.ID()
		i := s.indexOf(id)
		if i < 0 {
			continue
		}
		next := cloneRow(s.rows[i])
		for field, raw := range p {
			if field == FieldID {
				continue
			}
			if err := applyField(&next, field, raw); err != nil {
				if !errors.Is(err, ErrUnknownField) {
					s.logger().Warn("merge: skipping field", "row", id, "field", field, "error", err)
				}
				continue
			}
		}
		if rowsEqual(s.rows[i], next) {
			continue
		}
		s.noteRegression(s.rows[i], next)
		s.rows[i] = next
		changed[id] = struct{}{}
	}
	return len(changed)
}

func (s *Store) noteRegression(prev, next domain.TrainingRow) {
	if prev.Status.Regresses(next.Status) {
		s.logger().Debug("row status moved backwards", "row", prev.ID, "from", prev.Status, "to", next.Status)
	}
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.rows {
		if s.rows[i].ID == id {
			return i
		}
	}
	return -1
}

func applyField(r *domain.TrainingRow, field string, raw json.RawMessage) error {
	null := isNull(raw)
	switch field {
	case FieldYtURL:
		var v string
		if !null {
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("ytUrl: %w", err)
			}
		}
		r.YtURL = v
	case FieldActaName:
		var v string
		if !null {
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("actaName: %w", err)
			}
		}
		r.ActaName = v
	case FieldDocx:
		var v *domain.DocxRef
		if !null {
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("docx: %w", err)
			}
		}
		r.Docx = v
	case FieldStatus:
		if null {
			return nil
		}
		var v domain.RowStatus
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("status: %w", err)
		}
		r.Status = v
	case FieldProgress:
		if null {
			return nil
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("progress: %w", err)
		}
		r.Progress = clampProgress(v)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}

func clampProgress(v float64) int {
	p := int(math.Round(v))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func cloneRow(r domain.TrainingRow) domain.TrainingRow {
	if r.Docx != nil {
		d := *r.Docx
		r.Docx = &d
	}
	return r
}

func cloneRows(in []domain.TrainingRow) []domain.TrainingRow {
	out := make([]domain.TrainingRow, len(in))
	for i, r := range in {
		out[i] = cloneRow(r)
	}
	return out
}

func rowsEqual(a, b domain.TrainingRow) bool {
	if a.ID != b.ID || a.YtURL != b.YtURL || a.ActaName != b.ActaName || a.Status != b.Status || a.Progress != b.Progress {
		return false
	}
	if a.Docx == nil || b.Docx == nil {
		return a.Docx == nil && b.Docx == nil
	}
	return *a.Docx == *b.Docx
}
