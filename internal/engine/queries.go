package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Addresses lists the engine's component addresses.
type Addresses struct {
	Pool       common.Address `json:"pool"`
	Controller common.Address `json:"controller"`
	Wallet     common.Address `json:"wallet"`
	Reserve    common.Address `json:"reserve"`
	Authority  common.Address `json:"authority"`
}

// ReserveView is the reserve fund's position in one asset.
type ReserveView struct {
	Asset        common.Address  `json:"asset"`
	Balance      decimal.Decimal `json:"balance"`
	TotalShares  decimal.Decimal `json:"total_shares"`
	PoolShares   decimal.Decimal `json:"pool_shares"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

func (e *Engine) Addresses() Addresses {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Addresses{
		Pool:       e.pool.Address(),
		Controller: e.ctrl.Address(),
		Wallet:     e.wallet.Address(),
		Reserve:    e.reserve.Address(),
		Authority:  e.wallet.Authority(),
	}
}

func (e *Engine) Summary() model.PoolSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Summary()
}

func (e *Engine) Account(account common.Address) model.AccountSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Account(account)
}

func (e *Engine) Assets() []model.AssetConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Assets()
}

func (e *Engine) Asset(asset common.Address) (model.AssetConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Asset(asset)
}

// Period returns the live snapshot of one period.
func (e *Engine) Period(asset common.Address, id uint64) (model.PeriodRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Period(asset, id)
}

func (e *Engine) Periods(asset common.Address) []model.PeriodRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Periods(asset)
}

func (e *Engine) ActivePeriods(asset common.Address) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.ActivePeriods(asset)
}

func (e *Engine) AccountPeriod(account, asset common.Address, id uint64) (model.AccountPeriod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.AccountPeriod(account, asset, id)
}

// PendingProfit is profit of asset credited to the pool but not yet tied
// to a claim.
func (e *Engine) PendingProfit(asset common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.PendingProfit(asset)
}

func (e *Engine) Requests(asset common.Address) []model.TradeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Requests(asset)
}

func (e *Engine) Request(id uint64) (model.TradeRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Request(id)
}

func (e *Engine) SystemMetrics() model.SystemMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.SystemMetrics()
}

func (e *Engine) Allocation(asset common.Address) model.Allocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Allocation(asset)
}

// Session returns the custody session of asset with its live balance.
func (e *Engine) Session(asset common.Address) model.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet.SessionInfo(asset)
}

// CurrentPnL is the custody wallet's unrealized result in asset.
func (e *Engine) CurrentPnL(asset common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallet.CurrentPnL(asset)
}

// Balance returns what holder owns of asset.
func (e *Engine) Balance(holder, asset common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bank.BalanceOf(holder, asset)
}

func (e *Engine) Reserve(asset common.Address) ReserveView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ReserveView{
		Asset:        asset,
		Balance:      e.reserve.Balance(asset),
		TotalShares:  e.reserve.TotalShares(asset),
		PoolShares:   e.reserve.SharesOf(e.ctrl.Address(), asset),
		CurrentPrice: e.reserve.CurrentPrice(asset),
	}
}

func (e *Engine) SignerAddress() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.SignerAddress()
}

// Journal lists committed journal entries, newest first. It reads the
// store and does not take the ledger lock.
func (e *Engine) Journal(ctx context.Context, filter model.EntryFilter) ([]model.JournalEntry, error) {
	return e.store.ListEntries(ctx, filter)
}

// StoredPeriod reads a period snapshot from the store.
func (e *Engine) StoredPeriod(ctx context.Context, asset common.Address, id uint64) (*model.PeriodRecord, error) {
	return e.store.GetPeriod(ctx, asset, id)
}
