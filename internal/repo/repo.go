package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trainline/internal/domain"
)

// Repo is the local workspace store: the last known view of every session
// plus the jobs and events recorded by this client.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// SaveSession replaces the stored view of one session and its rows.
func (r Repo) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s := rec.Session
	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions(id,name,status,created_at,position,active,dirty,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, created_at=excluded.created_at,
  position=excluded.position, dirty=excluded.dirty, updated_at=excluded.updated_at`,
		s.ID, s.Name, nullable(s.Status), nullable(s.CreatedAt), rec.Position, boolInt(rec.Active), boolInt(rec.Dirty), nullable(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_rows WHERE session_id=?`, s.ID); err != nil {
		return err
	}
	for i, row := range s.Rows {
		docx, err := encodeDocx(row.Docx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO session_rows(session_id,position,id,yt_url,acta_name,docx_json,status,progress) VALUES (?,?,?,?,?,?,?,?)`,
			s.ID, i, row.ID, row.YtURL, row.ActaName, docx, string(row.Status), row.Progress)
		if err != nil {
			return fmt.Errorf("save row %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) RemoveSession(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

// SetActive marks id as the selected session; an empty id clears it.
func (r Repo) SetActive(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET active=0 WHERE active=1`); err != nil {
		return err
	}
	if id != "" {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET active=1 WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return tx.Commit()
}

// LocalSessions returns every stored session with its rows, in display order.
func (r Repo) LocalSessions(ctx context.Context) ([]domain.SessionRecord, error) {
	rs, err := r.DB.QueryContext(ctx, `
SELECT id,name,COALESCE(status,''),COALESCE(created_at,''),position,active,dirty,COALESCE(updated_at,'')
FROM sessions ORDER BY position ASC, updated_at DESC`)
	if err != nil {
		return nil, err
	}
	var recs []domain.SessionRecord
	for rs.Next() {
		var rec domain.SessionRecord
		var active, dirty int
		s := &rec.Session
		if err := rs.Scan(&s.ID, &s.Name, &s.Status, &s.CreatedAt, &rec.Position, &active, &dirty, &rec.UpdatedAt); err != nil {
			rs.Close()
			return nil, err
		}
		rec.Active = active == 1
		rec.Dirty = dirty == 1
		recs = append(recs, rec)
	}
	if err := rs.Close(); err != nil {
		return nil, err
	}
	for i := range recs {
		rows, err := r.sessionRows(ctx, recs[i].Session.ID)
		if err != nil {
			return nil, err
		}
		recs[i].Session.Rows = rows
	}
	return recs, nil
}

// GetSession returns one stored session.
func (r Repo) GetSession(ctx context.Context, id string) (domain.SessionRecord, error) {
	recs, err := r.LocalSessions(ctx)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	for _, rec := range recs {
		if rec.Session.ID == id {
			return rec, nil
		}
	}
	return domain.SessionRecord{}, ErrNotFound
}

func (r Repo) sessionRows(ctx context.Context, sessionID string) ([]domain.TrainingRow, error) {
	rs, err := r.DB.QueryContext(ctx, `
SELECT id,yt_url,acta_name,docx_json,status,progress FROM session_rows WHERE session_id=? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := []domain.TrainingRow{}
	for rs.Next() {
		var row domain.TrainingRow
		var docx sql.NullString
		var status string
		if err := rs.Scan(&row.ID, &row.YtURL, &row.ActaName, &docx, &status, &row.Progress); err != nil {
			return nil, err
		}
		row.Status = domain.RowStatus(status)
		if docx.Valid && docx.String != "" {
			var ref domain.DocxRef
			if err := json.Unmarshal([]byte(docx.String), &ref); err != nil {
				return nil, fmt.Errorf("row %s docx: %w", row.ID, err)
			}
			row.Docx = &ref
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func encodeDocx(ref *domain.DocxRef) (any, error) {
	if ref == nil {
		return nil, nil
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
