// Package store defines the persistence interface for the settlement engine.
// The store keeps the immutable journal of committed operations, period
// snapshots for the read APIs, and the engine state document the engine
// reloads on startup. Implementations include PostgreSQL, SQLite, a Redis
// read-through cache, and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicateEntry = errors.New("store: journal entry already exists")
)

// Store is the persistence interface.
type Store interface {
	// --- Immutable journal ---

	// AppendEntry appends a journal entry. Entries are never updated.
	AppendEntry(ctx context.Context, entry *model.JournalEntry) error

	// ListEntries returns matching entries, newest first.
	ListEntries(ctx context.Context, filter model.EntryFilter) ([]model.JournalEntry, error)

	// --- Period snapshots ---

	// SavePeriod upserts the latest snapshot of a period.
	SavePeriod(ctx context.Context, rec *model.PeriodRecord) error

	// GetPeriod returns one period snapshot or ErrNotFound.
	GetPeriod(ctx context.Context, asset common.Address, id uint64) (*model.PeriodRecord, error)

	// ListPeriods returns an asset's period snapshots in id order.
	ListPeriods(ctx context.Context, asset common.Address) ([]model.PeriodRecord, error)

	// --- Engine state ---

	// SaveState replaces the stored engine state.
	SaveState(ctx context.Context, st *model.State) error

	// LoadState returns the last saved engine state or ErrNotFound.
	LoadState(ctx context.Context) (*model.State, error)
}

// rowScanner is satisfied by pgx.Row(s) and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

// addrKey is the canonical text form of an address in every backend.
func addrKey(a common.Address) string { return strings.ToLower(a.Hex()) }

func scanEntry(row rowScanner) (model.JournalEntry, error) {
	var (
		e                    model.JournalEntry
		seq, period, request int64
		kind, account, asset string
		amount, usd, shares  string
		ts                   time.Time
	)
	if err := row.Scan(&e.ID, &seq, &kind, &account, &asset, &period, &request,
		&amount, &usd, &shares, &ts); err != nil {
		return e, err
	}
	e.Sequence = uint64(seq)
	e.Kind = model.EntryKind(kind)
	e.Account = common.HexToAddress(account)
	e.Asset = common.HexToAddress(asset)
	e.PeriodID = uint64(period)
	e.RequestID = uint64(request)
	e.Timestamp = ts.UTC()

	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s amount: %w", e.ID, err)
	}
	if e.USD, err = decimal.NewFromString(usd); err != nil {
		return e, fmt.Errorf("entry %s usd: %w", e.ID, err)
	}
	if e.Shares, err = decimal.NewFromString(shares); err != nil {
		return e, fmt.Errorf("entry %s shares: %w", e.ID, err)
	}
	return e, nil
}

func scanPeriod(row rowScanner) (model.PeriodRecord, error) {
	var (
		p                                   model.PeriodRecord
		asset, status                       string
		id                                  int64
		contributors, claims                int64
		allocated, collected, pnl, ppd, ird string
		start, end                          *time.Time
	)
	if err := row.Scan(&asset, &id, &status, &start, &end,
		&allocated, &collected, &p.IsActive, &p.ProfitsDistributed,
		&pnl, &ppd, &ird, &contributors, &claims); err != nil {
		return p, err
	}
	p.Asset = common.HexToAddress(asset)
	p.ID = uint64(id)
	p.Status = model.PeriodStatus(status)
	if start != nil {
		p.StartTime = start.UTC()
	}
	if end != nil {
		p.EndTime = end.UTC()
	}
	p.Contributors = int(contributors)
	p.Claims = int(claims)

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.AllocatedUSD, allocated},
		{&p.CollectedUSD, collected},
		{&p.PnL, pnl},
		{&p.ProfitPerDollar, ppd},
		{&p.InsuranceRefundPerDollar, ird},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return p, fmt.Errorf("period %d: %w", p.ID, err)
		}
		*f.dst = v
	}
	return p, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func matches(e model.JournalEntry, f model.EntryFilter) bool {
	if f.Account != (common.Address{}) && e.Account != f.Account {
		return false
	}
	if f.Asset != (common.Address{}) && e.Asset != f.Asset {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}
