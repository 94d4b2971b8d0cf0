package event

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// cdrSchema creates the call detail record table. Kept inline since this is
// the only table the engine owns; the full admin database lives elsewhere.
const cdrSchema = `CREATE TABLE IF NOT EXISTS cdrs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	caller_id_name TEXT NOT NULL DEFAULT '',
	caller_id_num TEXT NOT NULL DEFAULT '',
	callee TEXT NOT NULL DEFAULT '',
	trunk TEXT NOT NULL DEFAULT '',
	start_time DATETIME NOT NULL,
	answer_time DATETIME,
	end_time DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	billable_ms INTEGER NOT NULL DEFAULT 0,
	disposition TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_cdrs_call_id ON cdrs(call_id);
CREATE INDEX IF NOT EXISTS idx_cdrs_start_time ON cdrs(start_time);`

// CDRWriter persists final call records to a local SQLite database. It only
// reacts to call.ended and call.failed events; everything else passes through.
// Write failures are logged and swallowed; persistence failure is never fatal
// to a call.
type CDRWriter struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCDRWriter opens (or creates) the CDR database under dataDir with WAL
// mode enabled.
func NewCDRWriter(dataDir string, logger *slog.Logger) (*CDRWriter, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "telaris.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cdr database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cdr database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(cdrSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cdr schema: %w", err)
	}

	logger.Info("cdr database opened", "path", dbPath)
	return &CDRWriter{db: db, logger: logger.With("subsystem", "cdr")}, nil
}

// Close releases the database connection.
func (w *CDRWriter) Close() error {
	return w.db.Close()
}

// Record implements Sink. Only terminal call events produce a row.
func (w *CDRWriter) Record(ev Event) {
	if ev.Type != TypeCallEnded && ev.Type != TypeCallFailed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var answer, end any
	if !ev.AnswerTime.IsZero() {
		answer = ev.AnswerTime
	}
	if !ev.EndTime.IsZero() {
		end = ev.EndTime
	}

	_, err := w.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, session_id, direction, caller_id_name,
		 caller_id_num, callee, trunk, start_time, answer_time, end_time,
		 duration_ms, billable_ms, disposition)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CallID, ev.SessionID, ev.Direction, ev.CallerName, ev.CallerNum,
		ev.CalledNum, ev.TrunkName, ev.StartTime, answer, end,
		ev.Duration.Milliseconds(), ev.BillableDur.Milliseconds(), ev.Disposition,
	)
	if err != nil {
		w.logger.Warn("failed to write cdr, call record lost",
			"call_id", ev.CallID,
			"error", err,
		)
	}
}

// CountByDirection returns CDR counts grouped by call direction, used by the
// metrics collector.
func (w *CDRWriter) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM cdrs GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning cdr count: %w", err)
		}
		counts[dir] = n
	}
	return counts, rows.Err()
}
