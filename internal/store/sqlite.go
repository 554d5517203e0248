package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mattn/go-sqlite3"

	"github.com/atmx/settlement-engine/internal/model"
)

// SQLiteSchema creates the journal, period and engine state tables. Amounts
// are TEXT so 256-bit values survive unchanged.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	id          TEXT PRIMARY KEY,
	sequence    INTEGER NOT NULL UNIQUE,
	kind        TEXT NOT NULL,
	account     TEXT NOT NULL,
	asset       TEXT NOT NULL,
	period_id   INTEGER NOT NULL DEFAULT 0,
	request_id  INTEGER NOT NULL DEFAULT 0,
	amount      TEXT NOT NULL DEFAULT '0',
	usd         TEXT NOT NULL DEFAULT '0',
	shares      TEXT NOT NULL DEFAULT '0',
	timestamp   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS periods (
	asset                        TEXT NOT NULL,
	id                           INTEGER NOT NULL,
	status                       TEXT NOT NULL,
	start_time                   TIMESTAMP,
	end_time                     TIMESTAMP,
	allocated_usd                TEXT NOT NULL DEFAULT '0',
	collected_usd                TEXT NOT NULL DEFAULT '0',
	is_active                    BOOLEAN NOT NULL DEFAULT 0,
	profits_distributed          BOOLEAN NOT NULL DEFAULT 0,
	pnl                          TEXT NOT NULL DEFAULT '0',
	profit_per_dollar            TEXT NOT NULL DEFAULT '0',
	insurance_refund_per_dollar  TEXT NOT NULL DEFAULT '0',
	contributors                 INTEGER NOT NULL DEFAULT 0,
	claims                       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (asset, id)
);

CREATE TABLE IF NOT EXISTS engine_state (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	sequence  INTEGER NOT NULL,
	state     TEXT NOT NULL,
	saved_at  TIMESTAMP NOT NULL
);
`

// SQLiteStore implements Store on a single-file SQLite database for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries
		(id, sequence, kind, account, asset, period_id, request_id, amount, usd, shares, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, int64(e.Sequence), string(e.Kind), addrKey(e.Account), addrKey(e.Asset),
		int64(e.PeriodID), int64(e.RequestID),
		e.Amount.String(), e.USD.String(), e.Shares.String(),
		e.Timestamp.UTC(),
	)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	return err
}

func (s *SQLiteStore) ListEntries(ctx context.Context, f model.EntryFilter) ([]model.JournalEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Account != (common.Address{}) {
		where = append(where, "account = ?")
		args = append(args, addrKey(f.Account))
	}
	if f.Asset != (common.Address{}) {
		where = append(where, "asset = ?")
		args = append(args, addrKey(f.Asset))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}

	q := `SELECT id, sequence, kind, account, asset, period_id, request_id,
	             amount, usd, shares, timestamp
	      FROM journal_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY sequence DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) SavePeriod(ctx context.Context, p *model.PeriodRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO periods
		(asset, id, status, start_time, end_time, allocated_usd, collected_usd,
		 is_active, profits_distributed, pnl, profit_per_dollar,
		 insurance_refund_per_dollar, contributors, claims)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		addrKey(p.Asset), int64(p.ID), string(p.Status),
		sqliteTime(p.StartTime), sqliteTime(p.EndTime),
		p.AllocatedUSD.String(), p.CollectedUSD.String(),
		p.IsActive, p.ProfitsDistributed,
		p.PnL.String(), p.ProfitPerDollar.String(), p.InsuranceRefundPerDollar.String(),
		p.Contributors, p.Claims,
	)
	return err
}

const sqlitePeriodColumns = `asset, id, status, start_time, end_time,
	allocated_usd, collected_usd, is_active, profits_distributed,
	pnl, profit_per_dollar, insurance_refund_per_dollar, contributors, claims`

func (s *SQLiteStore) GetPeriod(ctx context.Context, asset common.Address, id uint64) (*model.PeriodRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePeriodColumns+` FROM periods WHERE asset = ? AND id = ?`,
		addrKey(asset), int64(id))
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: period %d of %s", ErrNotFound, id, asset.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get period %d: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListPeriods(ctx context.Context, asset common.Address) ([]model.PeriodRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePeriodColumns+` FROM periods WHERE asset = ? ORDER BY id`,
		addrKey(asset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []model.PeriodRecord
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// sqliteTime stores times in UTC and the zero time as NULL.
func sqliteTime(t time.Time) *time.Time {
	return nullTime(t.UTC())
}

func (s *SQLiteStore) SaveState(ctx context.Context, st *model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_state (id, sequence, state, saved_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			sequence = excluded.sequence,
			state = excluded.state,
			saved_at = excluded.saved_at`,
		int64(st.Sequence), string(data), st.SavedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) LoadState(ctx context.Context) (*model.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM engine_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: engine state", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st model.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}
