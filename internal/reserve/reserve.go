// Package reserve is the insurance reserve the controller mints into and
// draws loss cover from. Backing is held per asset; shares track each
// depositor's claim on it.
package reserve

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	ErrInsufficientReserve = errors.New("reserve: insufficient reserve balance")
	ErrZeroAmount          = errors.New("reserve: amount must be positive")
)

// Reserve is the collaborator the controller depends on.
type Reserve interface {
	Mint(ctx context.Context, from, asset common.Address, backing decimal.Decimal) (decimal.Decimal, error)
	CoverLoss(ctx context.Context, asset common.Address, amount decimal.Decimal, to common.Address) error
	AddProfit(ctx context.Context, from, asset common.Address, amount decimal.Decimal) error
	CurrentPrice(asset common.Address) decimal.Decimal
}

type holding struct {
	holder common.Address
	asset  common.Address
}

// Fund is the in-process Reserve. Backing lives in the bank under the
// fund's own address; the share price is backing*SCALE/shares.
// Not safe for concurrent use.
type Fund struct {
	address common.Address
	bank    *bank.Bank
	undo    *txn.Log

	totalShares map[common.Address]decimal.Decimal
	shares      map[holding]decimal.Decimal
}

// NewFund creates an empty reserve at address.
func NewFund(address common.Address, b *bank.Bank, undo *txn.Log) *Fund {
	return &Fund{
		address:     address,
		bank:        b,
		undo:        undo,
		totalShares: make(map[common.Address]decimal.Decimal),
		shares:      make(map[holding]decimal.Decimal),
	}
}

// Address returns the fund's holder address in the bank.
func (f *Fund) Address() common.Address { return f.address }

// Mint pulls backing from the depositor and issues shares at the current price.
func (f *Fund) Mint(_ context.Context, from, asset common.Address, backing decimal.Decimal) (decimal.Decimal, error) {
	if !backing.IsPositive() {
		return decimal.Zero, ErrZeroAmount
	}
	price := f.CurrentPrice(asset)
	issued := money.MulDiv(backing, money.Scale, price)
	if err := f.bank.Transfer(asset, from, f.address, backing); err != nil {
		return decimal.Zero, fmt.Errorf("reserve mint: %w", err)
	}
	f.setTotal(asset, f.totalShares[asset].Add(issued))
	h := holding{from, asset}
	f.setShares(h, f.shares[h].Add(issued))
	return issued, nil
}

// CoverLoss pays amount of asset to the beneficiary. The call is all or
// nothing: it fails without paying anything when backing is short.
func (f *Fund) CoverLoss(_ context.Context, asset common.Address, amount decimal.Decimal, to common.Address) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	bal := f.Balance(asset)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: holds %s of %s, cover %s", ErrInsufficientReserve, bal, asset.Hex(), amount)
	}
	return f.bank.Transfer(asset, f.address, to, amount)
}

// AddProfit pulls amount into backing without issuing shares, raising the price.
func (f *Fund) AddProfit(_ context.Context, from, asset common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if err := f.bank.Transfer(asset, from, f.address, amount); err != nil {
		return fmt.Errorf("reserve add profit: %w", err)
	}
	return nil
}

// CurrentPrice returns backing per share scaled by 1e18, SCALE when empty.
func (f *Fund) CurrentPrice(asset common.Address) decimal.Decimal {
	total := f.totalShares[asset]
	if total.IsZero() {
		return money.Scale
	}
	price := money.MulDiv(f.Balance(asset), money.Scale, total)
	if !price.IsPositive() {
		// Fully drained: new backing restarts at par.
		return money.Scale
	}
	return price
}

// Balance returns the backing held for asset.
func (f *Fund) Balance(asset common.Address) decimal.Decimal {
	return f.bank.BalanceOf(f.address, asset)
}

// SharesOf returns holder's reserve shares in asset.
func (f *Fund) SharesOf(holder, asset common.Address) decimal.Decimal {
	return f.shares[holding{holder, asset}]
}

// TotalShares returns outstanding shares in asset.
func (f *Fund) TotalShares(asset common.Address) decimal.Decimal {
	return f.totalShares[asset]
}

// Snapshot returns the fund's share ledger. Backing lives in the bank.
func (f *Fund) Snapshot() model.ReserveState {
	var st model.ReserveState
	for asset, v := range f.totalShares {
		st.TotalShares = append(st.TotalShares, model.BalanceRecord{Asset: asset, Amount: v})
	}
	for h, v := range f.shares {
		st.Shares = append(st.Shares, model.BalanceRecord{Holder: h.holder, Asset: h.asset, Amount: v})
	}
	model.SortBalances(st.TotalShares)
	model.SortBalances(st.Shares)
	return st
}

// Restore replaces the share ledger. Not undoable.
func (f *Fund) Restore(st model.ReserveState) {
	f.totalShares = make(map[common.Address]decimal.Decimal, len(st.TotalShares))
	for _, r := range st.TotalShares {
		f.totalShares[r.Asset] = r.Amount
	}
	f.shares = make(map[holding]decimal.Decimal, len(st.Shares))
	for _, r := range st.Shares {
		f.shares[holding{r.Holder, r.Asset}] = r.Amount
	}
}

func (f *Fund) setTotal(asset common.Address, v decimal.Decimal) {
	prev, had := f.totalShares[asset]
	f.undo.Record(func() {
		if had {
			f.totalShares[asset] = prev
		} else {
			delete(f.totalShares, asset)
		}
	})
	f.totalShares[asset] = v
}

func (f *Fund) setShares(h holding, v decimal.Decimal) {
	prev, had := f.shares[h]
	f.undo.Record(func() {
		if had {
			f.shares[h] = prev
		} else {
			delete(f.shares, h)
		}
	})
	f.shares[h] = v
}
