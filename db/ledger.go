package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// StageRecord is one finished pipeline stage of one session.
type StageRecord struct {
	RoomID    string    `json:"room_id"`
	Session   string    `json:"session"`
	Stage     string    `json:"stage"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Published []string  `json:"published,omitempty"`
	Started   time.Time `json:"started_at"`
	Finished  time.Time `json:"finished_at"`
}

// Ledger keeps stage history for the status endpoints. It is advisory: the
// filesystem markers stay authoritative for resume and cleanup decisions.
type Ledger struct {
	DB *sql.DB
}

// Record appends rec.
func (l *Ledger) Record(ctx context.Context, rec StageRecord) error {
	_, err := l.DB.ExecContext(ctx,
		`INSERT INTO session_stages(room_id, session, stage, outcome, error, published, started_at, finished_at)
		 VALUES($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8)`,
		rec.RoomID, rec.Session, rec.Stage, rec.Outcome, rec.Error, strings.Join(rec.Published, ","), rec.Started, rec.Finished)
	return err
}

// Recent returns up to limit records of a room, newest first.
func (l *Ledger) Recent(ctx context.Context, roomID string, limit int) ([]StageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT room_id, session, stage, outcome, COALESCE(error,''), COALESCE(published,''), started_at, finished_at
		 FROM session_stages WHERE room_id=$1 ORDER BY finished_at DESC, id DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		var published string
		if err := rows.Scan(&rec.RoomID, &rec.Session, &rec.Stage, &rec.Outcome, &rec.Error, &published, &rec.Started, &rec.Finished); err != nil {
			return nil, err
		}
		if published != "" {
			rec.Published = strings.Split(published, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
