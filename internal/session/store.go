// Package session owns the training sessions of one tenant and keeps their
// rows in sync with the learning backend.
//
// Session creation and deletion wait for the backend and leave local state
// untouched when it fails. Row edits are applied locally first and then saved
// best-effort: a failed save keeps the edit, marks the session dirty and
// returns a *StaleWarning. Dirty sessions are pushed again by SyncDirty.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"trainline/internal/domain"
	"trainline/internal/importer"
	"trainline/internal/metrics"
	"trainline/internal/rows"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoActiveSession = errors.New("no active session")
)

// Remote is the learning backend.
type Remote interface {
	ListSessions(ctx context.Context) ([]domain.TrainingSession, error)
	CreateSession(ctx context.Context, name string) (domain.TrainingSession, error)
	DeleteSession(ctx context.Context, id string) error
	UpdateSessionRows(ctx context.Context, id string, rows []domain.TrainingRow) error
}

// Snapshotter keeps the last known local view so a later process can resume,
// including sessions whose rows never reached the backend.
type Snapshotter interface {
	SaveSession(ctx context.Context, rec domain.SessionRecord) error
	RemoveSession(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string) error
	LocalSessions(ctx context.Context) ([]domain.SessionRecord, error)
}

// Recorder receives audit events. Failures are the recorder's business.
type Recorder interface {
	Record(ctx context.Context, evtType, sessionID, entityKind, entityID string, payload map[string]any)
}

// StaleWarning reports an operation that took effect locally but could not
// be saved. It is a warning, not a failure.
type StaleWarning struct {
	SessionID string
	Op        string
	Err       error
}

func (w *StaleWarning) Error() string {
	return fmt.Sprintf("session %s: %s applied locally but not saved: %v", w.SessionID, w.Op, w.Err)
}

func (w *StaleWarning) Unwrap() error { return w.Err }

// IsStale reports whether err is (or wraps) a *StaleWarning.
func IsStale(err error) bool {
	var w *StaleWarning
	return errors.As(err, &w)
}

type entry struct {
	meta      domain.TrainingSession
	rows      *rows.Store
	dirty     bool
	updatedAt string
}

type Store struct {
	Remote  Remote
	Local   Snapshotter
	Events  Recorder
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time

	// SyncDirty tuning.
	MaxRetries      uint
	InitialBackoff  time.Duration
	SyncParallelism int

	mu       sync.RWMutex
	order    []string
	sessions map[string]*entry
	active   string
}

func New(remote Remote) *Store {
	return &Store{Remote: remote, sessions: map[string]*entry{}}
}

func (s *Store) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Load fetches the session list. Sessions left dirty by an earlier process
// keep their local rows. When the backend is unreachable the local snapshot
// is used and a *StaleWarning is returned.
func (s *Store) Load(ctx context.Context) error {
	var local []domain.SessionRecord
	if s.Local != nil {
		var err error
		local, err = s.Local.LocalSessions(ctx)
		if err != nil {
			s.logger().Warn("read local sessions", "error", err)
			local = nil
		}
	}
	remote, err := s.Remote.ListSessions(ctx)
	if err != nil {
		if len(local) == 0 {
			return fmt.Errorf("load sessions: %w", err)
		}
		s.install(local)
		return &StaleWarning{Op: "load", Err: err}
	}

	byID := make(map[string]domain.SessionRecord, len(local))
	for _, rec := range local {
		byID[rec.Session.ID] = rec
	}
	records := make([]domain.SessionRecord, 0, len(remote))
	seen := map[string]bool{}
	for _, rs := range remote {
		rec := domain.SessionRecord{Session: rs}
		if l, ok := byID[rs.ID]; ok {
			rec.Active = l.Active
			if l.Dirty {
				rec.Session.Rows = l.Session.Rows
				rec.Dirty = true
			}
		}
		seen[rs.ID] = true
		records = append(records, rec)
	}
	s.install(records)

	if s.Local != nil {
		for _, rec := range local {
			if !seen[rec.Session.ID] {
				if err := s.Local.RemoveSession(ctx, rec.Session.ID); err != nil {
					s.logger().Warn("drop local session", "session", rec.Session.ID, "error", err)
				}
			}
		}
		for _, id := range s.ids() {
			s.snapshot(ctx, id)
		}
	}
	return nil
}

func (s *Store) install(records []domain.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.sessions = make(map[string]*entry, len(records))
	s.active = ""
	for _, rec := range records {
		if rec.Session.ID == "" {
			continue
		}
		if _, dup := s.sessions[rec.Session.ID]; dup {
			continue
		}
		s.sessions[rec.Session.ID] = s.newEntry(rec)
		s.order = append(s.order, rec.Session.ID)
		if rec.Active {
			s.active = rec.Session.ID
		}
	}
}

func (s *Store) newEntry(rec domain.SessionRecord) *entry {
	meta := rec.Session
	rs := rows.New(meta.Rows)
	rs.Log = s.Log
	meta.Rows = nil
	return &entry{meta: meta, rows: rs, dirty: rec.Dirty, updatedAt: rec.UpdatedAt}
}

func (s *Store) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// List returns every session with a copy of its rows, in display order.
func (s *Store) List() []domain.TrainingSession {
	recs := s.Records()
	out := make([]domain.TrainingSession, len(recs))
	for i, r := range recs {
		out[i] = r.Session
	}
	return out
}

// Records is List with the local flags.
func (s *Store) Records() []domain.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionRecord, 0, len(s.order))
	for i, id := range s.order {
		out = append(out, s.recordLocked(id, i))
	}
	return out
}

func (s *Store) recordLocked(id string, pos int) domain.SessionRecord {
	e := s.sessions[id]
	sess := e.meta
	sess.Rows = e.rows.Snapshot()
	return domain.SessionRecord{
		Session:   sess,
		Position:  pos,
		Active:    id == s.active,
		Dirty:     e.dirty,
		UpdatedAt: e.updatedAt,
	}
}

func (s *Store) Get(id string) (domain.TrainingSession, error) {
	rec, err := s.Record(id)
	return rec.Session, err
}

func (s *Store) Record(id string) (domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[id]; !ok {
		return domain.SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	pos := 0
	for i, sid := range s.order {
		if sid == id {
			pos = i
			break
		}
	}
	return s.recordLocked(id, pos), nil
}

// Rows exposes the row store of a session for the planner and poller.
func (s *Store) Rows(id string) (*rows.Store, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.rows, nil
}

// Select makes id the active session. An empty id clears the selection.
func (s *Store) Select(ctx context.Context, id string) error {
	s.mu.Lock()
	if id != "" {
		if _, ok := s.sessions[id]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
	}
	s.active = id
	s.mu.Unlock()
	if s.Local != nil {
		if err := s.Local.SetActive(ctx, id); err != nil {
			s.logger().Warn("persist active session", "session", id, "error", err)
		}
	}
	return nil
}

// Active returns the selected session.
func (s *Store) Active() (domain.TrainingSession, error) {
	s.mu.RLock()
	id := s.active
	s.mu.RUnlock()
	if id == "" {
		return domain.TrainingSession{}, ErrNoActiveSession
	}
	return s.Get(id)
}

// Create asks the backend for a new session, then adds it first in the list
// and selects it. An empty name gets a timestamped default.
func (s *Store) Create(ctx context.Context, name string) (domain.TrainingSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Training Session " + s.now().Format("2006-01-02 15:04:05")
	}
	created, err := s.Remote.CreateSession(ctx, name)
	if err != nil {
		return domain.TrainingSession{}, fmt.Errorf("create session: %w", err)
	}
	if created.ID == "" {
		return domain.TrainingSession{}, errors.New("create session: backend returned no id")
	}
	if created.Name == "" {
		created.Name = name
	}
	rec := domain.SessionRecord{Session: created, UpdatedAt: s.stamp()}
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = map[string]*entry{}
	}
	if _, dup := s.sessions[created.ID]; !dup {
		s.order = append([]string{created.ID}, s.order...)
	}
	s.sessions[created.ID] = s.newEntry(rec)
	s.mu.Unlock()

	for _, id := range s.ids() {
		s.snapshot(ctx, id)
	}
	if err := s.Select(ctx, created.ID); err != nil {
		return domain.TrainingSession{}, err
	}
	s.record(ctx, "session.create", created.ID, "session", created.ID, map[string]any{"name": created.Name})
	return s.Get(created.ID)
}

// Delete removes a session on the backend, then locally. Deleting the active
// session clears the selection.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}
	if err := s.Remote.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.mu.Lock()
	delete(s.sessions, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	wasActive := s.active == id
	if wasActive {
		s.active = ""
	}
	s.mu.Unlock()

	if s.Local != nil {
		if err := s.Local.RemoveSession(ctx, id); err != nil {
			s.logger().Warn("drop local session", "session", id, "error", err)
		}
		if wasActive {
			if err := s.Local.SetActive(ctx, ""); err != nil {
				s.logger().Warn("clear active session", "error", err)
			}
		}
	}
	s.record(ctx, "session.delete", id, "session", id, nil)
	return nil
}

// AddRow appends an empty idle row.
func (s *Store) AddRow(ctx context.Context, sessionID string) (domain.TrainingRow, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return domain.TrainingRow{}, err
	}
	row := e.rows.Add()
	s.record(ctx, "rows.add", sessionID, "row", row.ID, nil)
	return row, s.persist(ctx, sessionID, "add row")
}

// UpdateRow sets one field of one row.
func (s *Store) UpdateRow(ctx context.Context, sessionID, rowID, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	return s.EditRow(ctx, sessionID, rowID, map[string]json.RawMessage{field: raw})
}

// EditRow sets several fields of one row atomically. Unchanged rows are not
// saved again.
func (s *Store) EditRow(ctx context.Context, sessionID, rowID string, fields map[string]json.RawMessage) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	changed, err := e.rows.Patch(rowID, fields)
	if err != nil || !changed {
		return err
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	s.record(ctx, "rows.update", sessionID, "row", rowID, map[string]any{"fields": names})
	return s.persist(ctx, sessionID, "update row")
}

// DeleteRow removes a row. Unknown ids are a no-op.
func (s *Store) DeleteRow(ctx context.Context, sessionID, rowID string) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	if !e.rows.Delete(rowID) {
		return nil
	}
	s.record(ctx, "rows.delete", sessionID, "row", rowID, nil)
	return s.persist(ctx, sessionID, "delete row")
}

// Import parses delimited text and appends the rows. Malformed text changes
// nothing.
func (s *Store) Import(ctx context.Context, sessionID, text string) (importer.Result, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return importer.Result{}, err
	}
	res, err := importer.Parse(text)
	if err != nil {
		return res, err
	}
	res.Rows = e.rows.Append(res.Rows...)
	s.Metrics.Imported(string(res.Schema), len(res.Rows))
	s.record(ctx, "rows.import", sessionID, "session", sessionID, map[string]any{
		"schema":  string(res.Schema),
		"rows":    len(res.Rows),
		"dropped": res.Dropped,
	})
	if len(res.Rows) == 0 {
		return res, nil
	}
	return res, s.persist(ctx, sessionID, "import")
}

// MergeRows applies backend row patches. The backend already has them, so
// only the local snapshot is refreshed.
func (s *Store) MergeRows(ctx context.Context, sessionID string, patches []domain.RowPatch) (int, error) {
	e, err := s.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	n := e.rows.Merge(patches)
	if n > 0 {
		s.touch(e)
		s.snapshot(ctx, sessionID)
	}
	return n, nil
}

// Persist saves the full row set of a session and fails on error. The session
// stays dirty until a save succeeds.
func (s *Store) Persist(ctx context.Context, sessionID string) error {
	e, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	s.touch(e)
	if err := s.Remote.UpdateSessionRows(ctx, sessionID, e.rows.Snapshot()); err != nil {
		s.setDirty(e, true)
		s.Metrics.RowSyncFailed()
		s.snapshot(ctx, sessionID)
		s.record(ctx, "rows.sync_failed", sessionID, "session", sessionID, map[string]any{"error": err.Error()})
		return fmt.Errorf("save rows: %w", err)
	}
	s.setDirty(e, false)
	s.snapshot(ctx, sessionID)
	return nil
}

func (s *Store) persist(ctx context.Context, sessionID, op string) error {
	if err := s.Persist(ctx, sessionID); err != nil {
		s.logger().Warn("changes not saved to backend", "session", sessionID, "op", op, "error", err)
		return &StaleWarning{SessionID: sessionID, Op: op, Err: err}
	}
	return nil
}

// Dirty lists sessions whose last save failed.
func (s *Store) Dirty() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		if s.sessions[id].dirty {
			out = append(out, id)
		}
	}
	return out
}

// SyncDirty pushes every dirty session again with exponential backoff. It
// returns how many were saved and the joined errors of the rest.
func (s *Store) SyncDirty(ctx context.Context) (int, error) {
	dirty := s.Dirty()
	if len(dirty) == 0 {
		return 0, nil
	}
	var (
		synced int64
		mu     sync.Mutex
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism())
	for _, id := range dirty {
		g.Go(func() error {
			_, err := backoff.Retry(gctx, func() (struct{}, error) {
				return struct{}{}, s.pushRows(gctx, id)
			}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(s.maxTries()))
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			atomic.AddInt64(&synced, 1)
			return nil
		})
	}
	_ = g.Wait()
	return int(synced), errors.Join(errs...)
}

func (s *Store) pushRows(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return backoff.Permanent(err)
	}
	if err := s.Remote.UpdateSessionRows(ctx, id, e.rows.Snapshot()); err != nil {
		s.logger().Debug("sync attempt failed", "session", id, "error", err)
		return err
	}
	s.setDirty(e, false)
	s.snapshot(ctx, id)
	return nil
}

func (s *Store) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.InitialBackoff > 0 {
		b.InitialInterval = s.InitialBackoff
	}
	return b
}

func (s *Store) maxTries() uint {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return 5
}

func (s *Store) parallelism() int {
	if s.SyncParallelism > 0 {
		return s.SyncParallelism
	}
	return 4
}

func (s *Store) setDirty(e *entry, dirty bool) {
	s.mu.Lock()
	e.dirty = dirty
	s.mu.Unlock()
}

func (s *Store) touch(e *entry) {
	s.mu.Lock()
	e.updatedAt = s.stamp()
	s.mu.Unlock()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Store) snapshot(ctx context.Context, id string) {
	if s.Local == nil {
		return
	}
	rec, err := s.Record(id)
	if err != nil {
		return
	}
	if err := s.Local.SaveSession(ctx, rec); err != nil {
		s.logger().Warn("save local snapshot", "session", id, "error", err)
	}
}

func (s *Store) record(ctx context.Context, evtType, sessionID, kind, entityID string, payload map[string]any) {
	if s.Events == nil {
		return
	}
	s.Events.Record(ctx, evtType, sessionID, kind, entityID, payload)
}
