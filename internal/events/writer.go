package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Writer appends audit events to the workspace database.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	Log *slog.Logger
}

type EventPayload map[string]any

// Append inserts one event, inside tx when given.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(sessionID), entityKind, nullable(entityID), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

// Record appends an event outside any transaction. Failures are only logged.
func (w Writer) Record(ctx context.Context, evtType, sessionID, entityKind, entityID string, payload map[string]any) {
	if w.DB == nil {
		return
	}
	if err := w.Append(context.WithoutCancel(ctx), nil, evtType, sessionID, entityKind, entityID, payload); err != nil {
		log := w.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("record event", "type", evtType, "error", err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
