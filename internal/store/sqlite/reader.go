package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketview/internal/model"
)

// Reader provides read-only access to the journal.
type Reader struct {
	db *sql.DB
}

// SessionEvent is one journaled session transition.
type SessionEvent struct {
	Token      uint64          `json:"token"`
	Instrument string          `json:"instrument"`
	Timeframe  model.Timeframe `json:"timeframe"`
	State      string          `json:"state"`
	At         time.Time       `json:"at"`
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadBars returns the journaled bars after afterTS, oldest first.
func (r *Reader) ReadBars(instrument string, tf model.Timeframe, after time.Time) ([]model.ClosedBar, error) {
	rows, err := r.db.Query(`
		SELECT ts, session, open, high, low, close, volume
		FROM closed_bars
		WHERE instrument = ? AND timeframe = ? AND ts > ?
		ORDER BY ts ASC
	`, instrument, tf.String(), after.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query closed_bars: %w", err)
	}
	defer rows.Close()

	var bars []model.ClosedBar
	for rows.Next() {
		c := model.ClosedBar{Instrument: instrument, Timeframe: tf}
		var ts, session int64
		if err := rows.Scan(&ts, &session, &c.Bar.Open, &c.Bar.High, &c.Bar.Low, &c.Bar.Close, &c.Bar.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan closed_bars: %w", err)
		}
		c.Bar.Time = time.Unix(ts, 0).UTC()
		c.Session = uint64(session)
		bars = append(bars, c)
	}
	return bars, rows.Err()
}

// ReadSessions returns the newest limit session events, newest first.
func (r *Reader) ReadSessions(limit int) ([]SessionEvent, error) {
	rows, err := r.db.Query(`
		SELECT token, instrument, timeframe, state, at
		FROM session_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query session_events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var (
			e         SessionEvent
			token, at int64
			tf        string
		)
		if err := rows.Scan(&token, &e.Instrument, &tf, &e.State, &at); err != nil {
			return nil, fmt.Errorf("sqlite scan session_events: %w", err)
		}
		e.Token = uint64(token)
		e.Timeframe = model.Timeframe(tf)
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
