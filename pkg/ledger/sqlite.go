package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kisy/vpnledger/model"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_days (
    day        TEXT PRIMARY KEY,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger (
    day       TEXT NOT NULL,
    cn        TEXT NOT NULL,
    real      TEXT NOT NULL,
    virtual   TEXT NOT NULL,
    recv      INTEGER NOT NULL,
    sent      INTEGER NOT NULL,
    since     INTEGER NOT NULL,
    sessions  INTEGER NOT NULL,
    PRIMARY KEY (day, cn)
);
`

// SQLiteStore keeps all days in one SQLite database. A day is replaced
// inside a single transaction.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	// One writer at a time; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, day model.Day) (model.DailyLedger, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT cn, real, virtual, recv, sent, since, sessions
        FROM ledger
        WHERE day = ?
    `, day.String())
	if err != nil {
		return nil, fmt.Errorf("query ledger %s: %w", day, err)
	}
	defer rows.Close()

	l := model.DailyLedger{}
	for rows.Next() {
		var r model.ClientRecord
		err := rows.Scan(
			&r.CN, &r.RealAddress, &r.VirtualAddress,
			&r.BytesReceived, &r.BytesSent,
			&r.Since, &r.Sessions,
		)
		if err != nil {
			// Same as an undecodable file: the day reads as empty, rows stay.
			s.opts.Logger.Warn("ledger row is not decodable, starting empty", "day", day, "cn", r.CN, "error", err)
			return model.DailyLedger{}, nil
		}
		l[r.CN] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", day, err)
	}
	return l, nil
}

func (s *SQLiteStore) Save(ctx context.Context, day model.Day, l model.DailyLedger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE day = ?`, day.String()); err != nil {
		return fmt.Errorf("clear ledger %s: %w", day, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO ledger (
            day, cn, real, virtual,
            recv, sent, since, sessions
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range l.Records() {
		_, err := stmt.ExecContext(ctx,
			day.String(), r.CN, r.RealAddress, r.VirtualAddress,
			int64(r.BytesReceived), int64(r.BytesSent), r.Since, r.Sessions,
		)
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", day, r.CN, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO ledger_days (day, updated_at) VALUES (?, ?)
        ON CONFLICT(day) DO UPDATE SET updated_at = excluded.updated_at
    `, day.String(), s.opts.Clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("touch ledger %s: %w", day, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) RecentDays(ctx context.Context, n int) ([]model.Day, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT day, updated_at FROM ledger_days`)
	if err != nil {
		return nil, fmt.Errorf("query ledger days: %w", err)
	}
	defer rows.Close()

	var entries []dayEntry
	for rows.Next() {
		var (
			raw     string
			updated int64
		)
		if err := rows.Scan(&raw, &updated); err != nil {
			return nil, fmt.Errorf("scan ledger day: %w", err)
		}
		day, err := model.ParseDay(raw)
		if err != nil {
			continue
		}
		entries = append(entries, dayEntry{day: day, updated: time.Unix(0, updated)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rankDays(entries, s.opts.Order, n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
