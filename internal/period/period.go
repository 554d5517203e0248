// Package period is the per-asset trading period ledger.
//
// Contributions accumulate in a collecting period until its USD total reaches
// the asset's threshold. A full period is activated (carved out), traded,
// settled exactly once with a signed P&L, and then claimed by each
// contributor exactly once. Ids form a single increasing sequence per asset.
package period

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	ErrNoActiveTradingPeriod = errors.New("period: no active trading period")
	ErrPeriodAlreadySettled  = errors.New("period: period already settled")
	ErrPeriodNotSettled      = errors.New("period: period not settled")
	ErrAlreadyClaimed        = errors.New("period: already claimed")
	ErrNoContribution        = errors.New("period: no contribution in period")
	ErrUnknownPeriod         = errors.New("period: unknown period")
	ErrInvalidAmount         = errors.New("period: amount must be positive")
	ErrInvalidThreshold      = errors.New("period: threshold must be positive")
)

// Period is one trading period of one asset.
type Period struct {
	ID                       uint64
	Asset                    common.Address
	Status                   model.PeriodStatus
	StartTime                time.Time
	EndTime                  time.Time
	AllocatedUSD             decimal.Decimal
	Collected                decimal.Decimal
	IsActive                 bool
	ProfitsDistributed       bool
	PnL                      decimal.Decimal
	ProfitPerDollar          decimal.Decimal
	InsuranceRefundPerDollar decimal.Decimal

	contributions  map[common.Address]decimal.Decimal
	shareSnapshots map[common.Address]decimal.Decimal
	claimed        map[common.Address]bool
	contributors   []common.Address
	claims         int
}

func newPeriod(id uint64, asset common.Address) *Period {
	return &Period{
		ID:             id,
		Asset:          asset,
		Status:         model.PeriodCollecting,
		contributions:  make(map[common.Address]decimal.Decimal),
		shareSnapshots: make(map[common.Address]decimal.Decimal),
		claimed:        make(map[common.Address]bool),
	}
}

// Contribution returns the USD the account put into the period.
func (p *Period) Contribution(account common.Address) decimal.Decimal {
	return p.contributions[account]
}

// ShareSnapshot returns the account's pool shares just before its first
// contribution to the period.
func (p *Period) ShareSnapshot(account common.Address) decimal.Decimal {
	return p.shareSnapshots[account]
}

// Claimed reports whether the account has claimed the period.
func (p *Period) Claimed(account common.Address) bool {
	return p.claimed[account]
}

// Contributors returns accounts in first-contribution order.
func (p *Period) Contributors() []common.Address {
	out := make([]common.Address, len(p.contributors))
	copy(out, p.contributors)
	return out
}

// Record returns a detached snapshot of the period.
func (p *Period) Record() model.PeriodRecord {
	return model.PeriodRecord{
		Asset:                    p.Asset,
		ID:                       p.ID,
		Status:                   p.Status,
		StartTime:                p.StartTime,
		EndTime:                  p.EndTime,
		AllocatedUSD:             p.AllocatedUSD,
		CollectedUSD:             p.Collected,
		IsActive:                 p.IsActive,
		ProfitsDistributed:       p.ProfitsDistributed,
		PnL:                      p.PnL,
		ProfitPerDollar:          p.ProfitPerDollar,
		InsuranceRefundPerDollar: p.InsuranceRefundPerDollar,
		Contributors:             len(p.contributors),
		Claims:                   p.claims,
	}
}

// book is the per-asset period index.
type book struct {
	nextID      uint64
	collecting  uint64   // 0 = none
	full        []uint64 // full, awaiting activation, oldest first
	unallocated decimal.Decimal
	active      []uint64 // Active-Period Index, unordered
	periods     map[uint64]*Period
}

// Ledger holds every asset's periods. Not safe for concurrent use; the
// engine serializes access.
type Ledger struct {
	books map[common.Address]*book
	undo  *txn.Log
	now   func() time.Time
}

// NewLedger creates an empty ledger bound to the undo log.
func NewLedger(undo *txn.Log) *Ledger {
	return &Ledger{
		books: make(map[common.Address]*book),
		undo:  undo,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock used for period timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// --- Contributions and carve-out ---

// RecordContribution books usd from account into the asset's collecting
// period, opening one when none is collecting. A period stops collecting as
// soon as it holds threshold; anything beyond is carried into the next
// period, so a carved-out period's contributions always sum to its
// allocation. Returns the ids of the periods the contribution landed in.
func (l *Ledger) RecordContribution(account, asset common.Address, usd, sharesBefore, threshold decimal.Decimal) ([]uint64, error) {
	if !usd.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !threshold.IsPositive() {
		return nil, ErrInvalidThreshold
	}
	b := l.bookFor(asset)
	l.touchBook(b)

	var touched []uint64
	remaining := usd
	for remaining.IsPositive() {
		p := l.collectingPeriod(b, asset)
		room := threshold.Sub(p.Collected)
		if !room.IsPositive() {
			// Threshold was lowered under an already collected total.
			l.sealAt(b, p, threshold)
			continue
		}
		fill := money.Min(remaining, room)

		l.touchPeriod(p)
		if _, seen := p.contributions[account]; !seen {
			l.setSnapshot(p, account, sharesBefore)
			p.contributors = append(p.contributors, account)
		}
		l.setContribution(p, account, p.contributions[account].Add(fill))
		p.Collected = p.Collected.Add(fill)
		b.unallocated = b.unallocated.Add(fill)
		remaining = remaining.Sub(fill)
		touched = append(touched, p.ID)

		if p.Collected.GreaterThanOrEqual(threshold) {
			l.sealAt(b, p, threshold)
		}
	}
	return touched, nil
}

// MaybeStartPeriod activates every full period of asset, oldest first, and
// returns snapshots of the newly active periods. The caller forwards each
// period's allocation to the controller.
func (l *Ledger) MaybeStartPeriod(asset common.Address) []model.PeriodRecord {
	b := l.books[asset]
	if b == nil || len(b.full) == 0 {
		return nil
	}
	l.touchBook(b)

	now := l.now()
	started := make([]model.PeriodRecord, 0, len(b.full))
	for _, id := range b.full {
		p := b.periods[id]
		l.touchPeriod(p)
		p.Status = model.PeriodActive
		p.IsActive = true
		p.StartTime = now
		p.AllocatedUSD = p.Collected
		b.unallocated = b.unallocated.Sub(p.Collected)
		b.active = append(b.active, id)
		started = append(started, p.Record())
	}
	b.full = nil
	return started
}

// CloseCollecting seals the asset's collecting period when it already holds
// at least threshold. Used after an admin lowers the threshold. Whatever the
// period holds beyond threshold is carried into the next period.
func (l *Ledger) CloseCollecting(asset common.Address, threshold decimal.Decimal) bool {
	b := l.books[asset]
	if b == nil || b.collecting == 0 {
		return false
	}
	p := b.periods[b.collecting]
	if p.Collected.LessThan(threshold) {
		return false
	}
	l.touchBook(b)
	l.sealAt(b, p, threshold)
	return true
}

// --- Settlement ---

// Settle closes an active period with a signed USD P&L. Profit sets the
// per-dollar factor; a loss is recorded as negative P&L.
func (l *Ledger) Settle(asset common.Address, id uint64, pnl decimal.Decimal) (model.PeriodRecord, error) {
	b, p, err := l.lookup(asset, id)
	if err != nil {
		return model.PeriodRecord{}, err
	}
	if p.ProfitsDistributed {
		return model.PeriodRecord{}, fmt.Errorf("%w: %s period %d", ErrPeriodAlreadySettled, asset.Hex(), id)
	}
	if !p.IsActive {
		return model.PeriodRecord{}, fmt.Errorf("%w: %s period %d is %s", ErrNoActiveTradingPeriod, asset.Hex(), id, p.Status)
	}
	l.touchBook(b)
	l.touchPeriod(p)

	p.PnL = pnl
	if pnl.IsPositive() {
		p.ProfitPerDollar = money.MulDiv(pnl, money.Scale, p.AllocatedUSD)
	}
	p.IsActive = false
	p.ProfitsDistributed = true
	p.Status = model.PeriodSettled
	p.EndTime = l.now()

	for i, activeID := range b.active {
		if activeID == id {
			last := len(b.active) - 1
			b.active[i] = b.active[last]
			b.active = b.active[:last]
			break
		}
	}
	return p.Record(), nil
}

// RecordInsuranceRefund adds usd of insurance cover to the period's
// per-dollar refund factor. The period must have been carved out.
func (l *Ledger) RecordInsuranceRefund(asset common.Address, id uint64, usd decimal.Decimal) (model.PeriodRecord, error) {
	if !usd.IsPositive() {
		return model.PeriodRecord{}, ErrInvalidAmount
	}
	_, p, err := l.lookup(asset, id)
	if err != nil {
		return model.PeriodRecord{}, err
	}
	if p.Status == model.PeriodCollecting {
		return model.PeriodRecord{}, fmt.Errorf("%w: %s period %d is still collecting", ErrNoActiveTradingPeriod, asset.Hex(), id)
	}
	l.touchPeriod(p)
	p.InsuranceRefundPerDollar = p.InsuranceRefundPerDollar.Add(money.MulDiv(usd, money.Scale, p.AllocatedUSD))
	return p.Record(), nil
}

// --- Claims ---

// CalculatePnL returns the account's share of the period result. Only one
// of profit and loss is ever non-zero.
func (l *Ledger) CalculatePnL(account, asset common.Address, id uint64) (profit, loss decimal.Decimal, err error) {
	_, p, err := l.lookup(asset, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	profit, loss = pnlFor(p, account)
	return profit, loss, nil
}

func pnlFor(p *Period, account common.Address) (profit, loss decimal.Decimal) {
	c := p.contributions[account]
	if c.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	switch {
	case p.PnL.IsPositive():
		return money.MulDiv(c, p.ProfitPerDollar, money.Scale), decimal.Zero
	case p.PnL.IsNegative():
		return decimal.Zero, money.MulDiv(c, p.PnL.Abs(), p.AllocatedUSD)
	}
	return decimal.Zero, decimal.Zero
}

// MarkClaimed records the account's claim on a settled period and returns
// its share of the result.
func (l *Ledger) MarkClaimed(account, asset common.Address, id uint64) (profit, loss decimal.Decimal, err error) {
	_, p, err := l.lookup(asset, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !p.ProfitsDistributed {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s period %d", ErrPeriodNotSettled, asset.Hex(), id)
	}
	if p.claimed[account] {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s period %d by %s", ErrAlreadyClaimed, asset.Hex(), id, account.Hex())
	}
	if p.contributions[account].IsZero() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s period %d by %s", ErrNoContribution, asset.Hex(), id, account.Hex())
	}
	l.touchPeriod(p)
	p.claimed[account] = true
	p.claims++
	l.undo.Record(func() { delete(p.claimed, account) })

	profit, loss = pnlFor(p, account)
	return profit, loss, nil
}

// --- Queries ---

// Period returns a snapshot of one period.
func (l *Ledger) Period(asset common.Address, id uint64) (model.PeriodRecord, error) {
	_, p, err := l.lookup(asset, id)
	if err != nil {
		return model.PeriodRecord{}, err
	}
	return p.Record(), nil
}

// AccountPeriod returns the account's position in one period.
func (l *Ledger) AccountPeriod(account, asset common.Address, id uint64) (model.AccountPeriod, error) {
	_, p, err := l.lookup(asset, id)
	if err != nil {
		return model.AccountPeriod{}, err
	}
	profit, loss := pnlFor(p, account)
	c := p.contributions[account]
	return model.AccountPeriod{
		Account:       account,
		Asset:         asset,
		PeriodID:      id,
		Contribution:  c,
		ShareSnapshot: p.shareSnapshots[account],
		Profit:        profit,
		Loss:          loss,
		Refund:        money.MulDiv(c, p.InsuranceRefundPerDollar, money.Scale),
		Claimed:       p.claimed[account],
	}, nil
}

// Periods returns snapshots of every period of asset in id order.
func (l *Ledger) Periods(asset common.Address) []model.PeriodRecord {
	b := l.books[asset]
	if b == nil {
		return nil
	}
	out := make([]model.PeriodRecord, 0, len(b.periods))
	for id := uint64(1); id < b.nextID; id++ {
		if p, ok := b.periods[id]; ok {
			out = append(out, p.Record())
		}
	}
	return out
}

// ActivePeriods returns the ids in the asset's Active-Period Index.
func (l *Ledger) ActivePeriods(asset common.Address) []uint64 {
	b := l.books[asset]
	if b == nil {
		return nil
	}
	out := make([]uint64, len(b.active))
	copy(out, b.active)
	return out
}

// LatestActive returns the most recently opened active period of asset.
func (l *Ledger) LatestActive(asset common.Address) (uint64, bool) {
	b := l.books[asset]
	if b == nil || len(b.active) == 0 {
		return 0, false
	}
	latest := b.active[0]
	for _, id := range b.active[1:] {
		if id > latest {
			latest = id
		}
	}
	return latest, true
}

// Collecting returns the id of the asset's collecting period, or 0.
func (l *Ledger) Collecting(asset common.Address) uint64 {
	if b := l.books[asset]; b != nil {
		return b.collecting
	}
	return 0
}

// Unallocated returns USD collected for asset but not yet carved out.
func (l *Ledger) Unallocated(asset common.Address) decimal.Decimal {
	if b := l.books[asset]; b != nil {
		return b.unallocated
	}
	return decimal.Zero
}

// --- State ---

// Snapshot returns every asset's period index and periods, assets in
// address order and periods in id order.
func (l *Ledger) Snapshot() []model.PeriodBookState {
	out := make([]model.PeriodBookState, 0, len(l.books))
	for asset, b := range l.books {
		st := model.PeriodBookState{
			Asset:       asset,
			NextID:      b.nextID,
			Collecting:  b.collecting,
			Full:        append([]uint64(nil), b.full...),
			Active:      append([]uint64(nil), b.active...),
			Unallocated: b.unallocated,
		}
		for id := uint64(1); id < b.nextID; id++ {
			p, ok := b.periods[id]
			if !ok {
				continue
			}
			ps := model.PeriodState{Record: p.Record()}
			for _, account := range p.contributors {
				ps.Contributions = append(ps.Contributions, model.Contribution{
					Account:       account,
					USD:           p.contributions[account],
					ShareSnapshot: p.shareSnapshots[account],
					Claimed:       p.claimed[account],
				})
			}
			st.Periods = append(st.Periods, ps)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Asset.Bytes(), out[j].Asset.Bytes()) < 0
	})
	return out
}

// Restore replaces every book with books. It is not undoable and must run
// outside a transaction.
func (l *Ledger) Restore(books []model.PeriodBookState) error {
	restored := make(map[common.Address]*book, len(books))
	for _, st := range books {
		b := &book{
			nextID:      st.NextID,
			collecting:  st.Collecting,
			full:        append([]uint64(nil), st.Full...),
			active:      append([]uint64(nil), st.Active...),
			unallocated: st.Unallocated,
			periods:     make(map[uint64]*Period, len(st.Periods)),
		}
		if b.nextID == 0 {
			b.nextID = 1
		}
		for _, ps := range st.Periods {
			rec := ps.Record
			if rec.ID == 0 || rec.ID >= b.nextID {
				return fmt.Errorf("%w: %s period %d outside id range", ErrUnknownPeriod, st.Asset.Hex(), rec.ID)
			}
			p := newPeriod(rec.ID, st.Asset)
			p.Status = rec.Status
			p.StartTime = rec.StartTime
			p.EndTime = rec.EndTime
			p.AllocatedUSD = rec.AllocatedUSD
			p.Collected = rec.CollectedUSD
			p.IsActive = rec.IsActive
			p.ProfitsDistributed = rec.ProfitsDistributed
			p.PnL = rec.PnL
			p.ProfitPerDollar = rec.ProfitPerDollar
			p.InsuranceRefundPerDollar = rec.InsuranceRefundPerDollar
			for _, c := range ps.Contributions {
				p.contributors = append(p.contributors, c.Account)
				p.contributions[c.Account] = c.USD
				p.shareSnapshots[c.Account] = c.ShareSnapshot
				if c.Claimed {
					p.claimed[c.Account] = true
					p.claims++
				}
			}
			b.periods[rec.ID] = p
		}
		restored[st.Asset] = b
	}
	l.books = restored
	return nil
}

// --- internals ---

func (l *Ledger) lookup(asset common.Address, id uint64) (*book, *Period, error) {
	b := l.books[asset]
	if b == nil {
		return nil, nil, fmt.Errorf("%w: %s period %d", ErrUnknownPeriod, asset.Hex(), id)
	}
	p, ok := b.periods[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s period %d", ErrUnknownPeriod, asset.Hex(), id)
	}
	return b, p, nil
}

func (l *Ledger) bookFor(asset common.Address) *book {
	if b, ok := l.books[asset]; ok {
		return b
	}
	b := &book{nextID: 1, periods: make(map[uint64]*Period)}
	l.books[asset] = b
	l.undo.Record(func() { delete(l.books, asset) })
	return b
}

// collectingPeriod returns the open collecting period, creating one.
func (l *Ledger) collectingPeriod(b *book, asset common.Address) *Period {
	if b.collecting != 0 {
		return b.periods[b.collecting]
	}
	id := b.nextID
	p := newPeriod(id, asset)
	b.periods[id] = p
	b.nextID++
	b.collecting = id
	l.undo.Record(func() { delete(b.periods, id) })
	return p
}

// seal moves the collecting period to the full queue. Callers touch b first.
func (l *Ledger) seal(b *book, p *Period) {
	if b.collecting == p.ID {
		b.collecting = 0
	}
	b.full = append(b.full, p.ID)
}

// sealAt seals p and moves everything it holds beyond threshold into a
// fresh collecting period, taking it from the latest contributors first.
// Moved amounts keep the contributor's share snapshot. Repeats while the
// carried total itself fills a period. Callers touch b first.
func (l *Ledger) sealAt(b *book, p *Period, threshold decimal.Decimal) {
	for {
		l.seal(b, p)
		excess := p.Collected.Sub(threshold)
		if !excess.IsPositive() {
			return
		}
		l.touchPeriod(p)

		type move struct {
			account common.Address
			amount  decimal.Decimal
		}
		var moves []move
		keep := len(p.contributors)
		for i := len(p.contributors) - 1; i >= 0 && excess.IsPositive(); i-- {
			account := p.contributors[i]
			held := p.contributions[account]
			amount := money.Min(held, excess)
			excess = excess.Sub(amount)
			moves = append(moves, move{account, amount})
			if amount.Equal(held) {
				keep = i
				l.dropContribution(p, account)
			} else {
				l.setContribution(p, account, held.Sub(amount))
			}
		}
		p.contributors = append([]common.Address(nil), p.contributors[:keep]...)
		p.Collected = threshold

		next := l.collectingPeriod(b, p.Asset)
		l.touchPeriod(next)
		for i := len(moves) - 1; i >= 0; i-- {
			m := moves[i]
			next.contributors = append(next.contributors, m.account)
			l.setSnapshot(next, m.account, p.shareSnapshots[m.account])
			l.setContribution(next, m.account, m.amount)
			next.Collected = next.Collected.Add(m.amount)
		}
		if next.Collected.LessThan(threshold) {
			return
		}
		p = next
	}
}

// dropContribution removes the account from p's contribution and snapshot
// maps. The contributors slice is rebuilt by the caller.
func (l *Ledger) dropContribution(p *Period, account common.Address) {
	held, snap := p.contributions[account], p.shareSnapshots[account]
	l.undo.Record(func() {
		p.contributions[account] = held
		p.shareSnapshots[account] = snap
	})
	delete(p.contributions, account)
	delete(p.shareSnapshots, account)
}

// touchBook snapshots b's scalar fields and index slices for rollback.
// The periods map is restored by its own undo entries.
func (l *Ledger) touchBook(b *book) {
	if !l.undo.Active() {
		return
	}
	saved := *b
	saved.full = append([]uint64(nil), b.full...)
	saved.active = append([]uint64(nil), b.active...)
	l.undo.Record(func() { *b = saved })
}

// touchPeriod snapshots p's scalar fields for rollback. Map contents are
// restored by their own undo entries; the contributors slice is only ever
// appended to or replaced by a copy, so restoring its header is enough.
func (l *Ledger) touchPeriod(p *Period) {
	if !l.undo.Active() {
		return
	}
	saved := *p
	l.undo.Record(func() { *p = saved })
}

func (l *Ledger) setContribution(p *Period, account common.Address, v decimal.Decimal) {
	prev, had := p.contributions[account]
	l.undo.Record(func() {
		if had {
			p.contributions[account] = prev
		} else {
			delete(p.contributions, account)
		}
	})
	p.contributions[account] = v
}

func (l *Ledger) setSnapshot(p *Period, account common.Address, v decimal.Decimal) {
	prev, had := p.shareSnapshots[account]
	l.undo.Record(func() {
		if had {
			p.shareSnapshots[account] = prev
		} else {
			delete(p.shareSnapshots, account)
		}
	})
	p.shareSnapshots[account] = v
}
