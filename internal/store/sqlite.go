package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"orb-trader/internal/models"
)

// SQLiteStore persists breakouts, opening ranges and bars in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Monitors record concurrently; WAL plus busy timeout serialises writers.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per breakout event
	CREATE TABLE IF NOT EXISTS breakouts (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		close_price REAL NOT NULL,
		opening_range_high REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Opening ranges, one per symbol per session
	CREATE TABLE IF NOT EXISTS opening_ranges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		session_date TEXT NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		window_bars INTEGER NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, session_date)
	);

	-- Historical bars fetched for a run
	CREATE TABLE IF NOT EXISTS bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		UNIQUE(symbol, interval, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_breakouts_symbol ON breakouts(symbol, timestamp);
	CREATE INDEX IF NOT EXISTS idx_bars_symbol ON bars(symbol, interval, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Breakouts
// ============================================================================

// Record stores a breakout event. Re-recording the same event ID is a no-op.
func (s *SQLiteStore) Record(ctx context.Context, event models.BreakoutEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO breakouts (id, symbol, timestamp, close_price, opening_range_high)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.Symbol, event.Timestamp.UTC(), event.ClosePrice, event.OpeningRangeHigh)
	if err != nil {
		return fmt.Errorf("failed to record breakout: %w", err)
	}
	return nil
}

// ListBreakouts returns recorded breakouts, newest first.
func (s *SQLiteStore) ListBreakouts(ctx context.Context, filter BreakoutFilter) ([]models.BreakoutEvent, error) {
	query := `SELECT id, symbol, timestamp, close_price, opening_range_high FROM breakouts`
	var conds []string
	var args []interface{}

	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if !filter.StartDate.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.EndDate.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query breakouts: %w", err)
	}
	defer rows.Close()

	var events []models.BreakoutEvent
	for rows.Next() {
		var e models.BreakoutEvent
		if err := rows.Scan(&e.ID, &e.Symbol, &e.Timestamp, &e.ClosePrice, &e.OpeningRangeHigh); err != nil {
			return nil, fmt.Errorf("failed to scan breakout: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breakouts: %w", err)
	}

	return events, nil
}

// ============================================================================
// Opening ranges
// ============================================================================

// SaveOpeningRange stores the range for its symbol and session date,
// replacing any earlier range for the same session.
func (s *SQLiteStore) SaveOpeningRange(ctx context.Context, r models.OpeningRange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO opening_ranges (symbol, session_date, high, low, window_bars, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Symbol, r.Start.Format("2006-01-02"), r.High, r.Low, r.WindowBars, r.Start.UTC(), r.End.UTC())
	if err != nil {
		return fmt.Errorf("failed to save opening range: %w", err)
	}
	return nil
}

// GetOpeningRanges returns stored ranges, newest session first.
func (s *SQLiteStore) GetOpeningRanges(ctx context.Context, filter RangeFilter) ([]models.OpeningRange, error) {
	query := `SELECT symbol, high, low, window_bars, start_time, end_time FROM opening_ranges`
	var conds []string
	var args []interface{}

	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.SessionDate != "" {
		conds = append(conds, "session_date = ?")
		args = append(args, filter.SessionDate)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY session_date DESC, symbol ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query opening ranges: %w", err)
	}
	defer rows.Close()

	var ranges []models.OpeningRange
	for rows.Next() {
		var r models.OpeningRange
		if err := rows.Scan(&r.Symbol, &r.High, &r.Low, &r.WindowBars, &r.Start, &r.End); err != nil {
			return nil, fmt.Errorf("failed to scan opening range: %w", err)
		}
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating opening ranges: %w", err)
	}

	return ranges, nil
}

// ============================================================================
// Bars
// ============================================================================

// SaveBars saves bars to the database.
func (s *SQLiteStore) SaveBars(ctx context.Context, symbol, interval string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, interval, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, symbol, interval, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetBars retrieves bars between from and to inclusive, oldest first.
func (s *SQLiteStore) GetBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, symbol, interval, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	return bars, nil
}
