package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/migrations"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL. All monetary values are
// stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema files in name order. Every file is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, sequence, kind, account, asset, period_id, request_id, amount, usd, shares, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		e.ID, int64(e.Sequence), string(e.Kind), addrKey(e.Account), addrKey(e.Asset),
		int64(e.PeriodID), int64(e.RequestID),
		e.Amount.String(), e.USD.String(), e.Shares.String(),
		e.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	return err
}

func (s *PostgresStore) ListEntries(ctx context.Context, f model.EntryFilter) ([]model.JournalEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Account != (common.Address{}) {
		args = append(args, addrKey(f.Account))
		where = append(where, fmt.Sprintf("account = $%d", len(args)))
	}
	if f.Asset != (common.Address{}) {
		args = append(args, addrKey(f.Asset))
		where = append(where, fmt.Sprintf("asset = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}

	q := `SELECT id, sequence, kind, account, asset, period_id, request_id,
	             amount::TEXT, usd::TEXT, shares::TEXT, timestamp
	      FROM journal_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY sequence DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *PostgresStore) SavePeriod(ctx context.Context, p *model.PeriodRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO periods (asset, id, status, start_time, end_time, allocated_usd, collected_usd,
		                      is_active, profits_distributed, pnl, profit_per_dollar,
		                      insurance_refund_per_dollar, contributors, claims)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)
		 ON CONFLICT (asset, id) DO UPDATE SET
		     status = EXCLUDED.status,
		     start_time = EXCLUDED.start_time,
		     end_time = EXCLUDED.end_time,
		     allocated_usd = EXCLUDED.allocated_usd,
		     collected_usd = EXCLUDED.collected_usd,
		     is_active = EXCLUDED.is_active,
		     profits_distributed = EXCLUDED.profits_distributed,
		     pnl = EXCLUDED.pnl,
		     profit_per_dollar = EXCLUDED.profit_per_dollar,
		     insurance_refund_per_dollar = EXCLUDED.insurance_refund_per_dollar,
		     contributors = EXCLUDED.contributors,
		     claims = EXCLUDED.claims`,
		addrKey(p.Asset), int64(p.ID), string(p.Status),
		nullTime(p.StartTime), nullTime(p.EndTime),
		p.AllocatedUSD.String(), p.CollectedUSD.String(),
		p.IsActive, p.ProfitsDistributed,
		p.PnL.String(), p.ProfitPerDollar.String(), p.InsuranceRefundPerDollar.String(),
		p.Contributors, p.Claims,
	)
	return err
}

const pgPeriodColumns = `asset, id, status, start_time, end_time,
	allocated_usd::TEXT, collected_usd::TEXT, is_active, profits_distributed,
	pnl::TEXT, profit_per_dollar::TEXT, insurance_refund_per_dollar::TEXT,
	contributors, claims`

func (s *PostgresStore) GetPeriod(ctx context.Context, asset common.Address, id uint64) (*model.PeriodRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgPeriodColumns+` FROM periods WHERE asset = $1 AND id = $2`,
		addrKey(asset), int64(id))
	p, err := scanPeriod(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: period %d of %s", ErrNotFound, id, asset.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get period %d: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPeriods(ctx context.Context, asset common.Address) ([]model.PeriodRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPeriodColumns+` FROM periods WHERE asset = $1 ORDER BY id`,
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

func (s *PostgresStore) SaveState(ctx context.Context, st *model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, sequence, state, saved_at)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		     sequence = EXCLUDED.sequence,
		     state = EXCLUDED.state,
		     saved_at = EXCLUDED.saved_at`,
		int64(st.Sequence), data, st.SavedAt,
	)
	return err
}

func (s *PostgresStore) LoadState(ctx context.Context) (*model.State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM engine_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: engine state", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st model.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}
