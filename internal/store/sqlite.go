// Package store persists session state and the trade audit trail in SQLite.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS state (
	id         INTEGER PRIMARY KEY,
	data       TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	mode          TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	starting_cash TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER,
	final_equity  TEXT,
	realized_pnl  TEXT,
	total_trades  INTEGER,
	notes         TEXT
);
CREATE TABLE IF NOT EXISTS orders (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            INTEGER NOT NULL REFERENCES runs(id),
	client_order_id   TEXT,
	exchange_order_id TEXT,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	price             TEXT,
	status            TEXT NOT NULL,
	created_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      INTEGER NOT NULL REFERENCES runs(id),
	order_id    TEXT,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	price       TEXT NOT NULL,
	fee         TEXT NOT NULL,
	pnl         TEXT,
	executed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      INTEGER NOT NULL REFERENCES runs(id),
	symbol      TEXT NOT NULL,
	quantity    TEXT NOT NULL,
	entry_at    INTEGER NOT NULL,
	entry_price TEXT NOT NULL,
	exit_at     INTEGER NOT NULL,
	exit_price  TEXT NOT NULL,
	fees        TEXT NOT NULL,
	pnl         TEXT NOT NULL
);
`

// SQLiteStore implements core.IStateStore and core.ITradeRecorder on one
// database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the database at dbPath.
// WAL mode keeps the state snapshot durable across crashes.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveState snapshots the full session state as checksummed JSON.
func (s *SQLiteStore) SaveState(ctx context.Context, state *core.StrategyState) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Round-trip test catches anything the JSON layer cannot represent
	var testState core.StrategyState
	if err := json.Unmarshal(data, &testState); err != nil {
		return fmt.Errorf("state validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO state (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write state to db: %w", err)
	}

	return tx.Commit()
}

// LoadState restores the last snapshot, verifying the checksum. Returns
// ErrNoState when nothing has been saved yet.
func (s *SQLiteStore) LoadState(ctx context.Context) (*core.StrategyState, error) {
	query := `SELECT data, checksum FROM state WHERE id = 1`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNoState
		}
		return nil, fmt.Errorf("failed to read state from db: %w", err)
	}

	computedChecksum := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computedChecksum) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computedChecksum), len(storedChecksum))
	}
	for i := range computedChecksum {
		if storedChecksum[i] != computedChecksum[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var state core.StrategyState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return &state, nil
}

// OpenRun inserts a run row and returns its ID.
func (s *SQLiteStore) OpenRun(ctx context.Context, mode core.TradingMode, symbol string, startingCash decimal.Decimal) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (mode, symbol, starting_cash, started_at) VALUES (?, ?, ?, ?)`,
		string(mode), symbol, startingCash.String(), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to open run: %w", err)
	}
	return res.LastInsertId()
}

// CloseRun finalizes a run row with the summary stats.
func (s *SQLiteStore) CloseRun(ctx context.Context, runID int64, summary core.RunSummary) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, final_equity = ?, realized_pnl = ?, total_trades = ?, notes = ? WHERE id = ?`,
		summary.EndedAt.UnixNano(), summary.FinalEquity.String(), summary.RealizedPnL.String(),
		summary.TotalTrades, summary.Notes, runID)
	if err != nil {
		return fmt.Errorf("failed to close run %d: %w", runID, err)
	}
	return nil
}

// RecordOrder appends one order attempt with its outcome.
func (s *SQLiteStore) RecordOrder(ctx context.Context, runID int64, req *core.OrderRequest, orderID string, status core.OrderStatus) error {
	var price interface{}
	if !req.Price.IsZero() {
		price = req.Price.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (run_id, client_order_id, exchange_order_id, symbol, side, type, quantity, price, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, req.ClientOrderID, orderID, req.Symbol, string(req.Side), string(req.Type),
		req.Quantity.String(), price, string(status), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	return nil
}

// RecordTrade appends one fill. pnl is only meaningful on exits.
func (s *SQLiteStore) RecordTrade(ctx context.Context, runID int64, fill *core.OrderFill, pnl decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (run_id, order_id, symbol, side, quantity, price, fee, pnl, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, fill.OrderID, fill.Symbol, string(fill.Side), fill.Quantity.String(),
		fill.Price.String(), fill.Fee.String(), pnl.String(), fill.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// RecordPosition appends one completed round trip.
func (s *SQLiteStore) RecordPosition(ctx context.Context, runID int64, pos *core.ClosedPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (run_id, symbol, quantity, entry_at, entry_price, exit_at, exit_price, fees, pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, pos.Symbol, pos.Quantity.String(), pos.EntryTime.UnixNano(), pos.EntryPrice.String(),
		pos.ExitTime.UnixNano(), pos.ExitPrice.String(), pos.Fees.String(), pos.PnL.String())
	if err != nil {
		return fmt.Errorf("failed to record position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
