// Package bank keeps the per-holder asset balances that every value-moving
// call in the engine settles against.
//
// All monetary values use shopspring/decimal, never float64.
package bank

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be a non-negative whole number")
)

type key struct {
	holder common.Address
	asset  common.Address
}

// Bank is an in-process asset ledger. Every mutation is recorded in the undo
// log so a rolled-back entry point leaves balances untouched.
// Not safe for concurrent use; the engine serializes access.
type Bank struct {
	balances map[key]decimal.Decimal
	undo     *txn.Log
}

// New creates an empty bank bound to the given undo log.
func New(undo *txn.Log) *Bank {
	return &Bank{
		balances: make(map[key]decimal.Decimal),
		undo:     undo,
	}
}

// BalanceOf returns the holder's balance of asset.
func (b *Bank) BalanceOf(holder, asset common.Address) decimal.Decimal {
	return b.balances[key{holder, asset}]
}

// Transfer moves amount of asset from one holder to another.
func (b *Bank) Transfer(asset, from, to common.Address, amount decimal.Decimal) error {
	if err := validate(amount); err != nil {
		return err
	}
	if amount.IsZero() || from == to {
		return nil
	}
	src := b.BalanceOf(from, asset)
	if src.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			ErrInsufficientBalance, from.Hex(), src, asset.Hex(), amount)
	}
	b.set(key{from, asset}, src.Sub(amount))
	b.set(key{to, asset}, b.BalanceOf(to, asset).Add(amount))
	return nil
}

// Mint credits amount of asset to holder out of thin air. Used by the faucet
// and by executors simulating external trading results.
func (b *Bank) Mint(asset, to common.Address, amount decimal.Decimal) error {
	if err := validate(amount); err != nil {
		return err
	}
	b.set(key{to, asset}, b.BalanceOf(to, asset).Add(amount))
	return nil
}

// Burn destroys amount of asset held by holder.
func (b *Bank) Burn(asset, from common.Address, amount decimal.Decimal) error {
	if err := validate(amount); err != nil {
		return err
	}
	bal := b.BalanceOf(from, asset)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, burn %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	b.set(key{from, asset}, bal.Sub(amount))
	return nil
}

// Snapshot returns every non-zero balance ordered by holder and asset.
func (b *Bank) Snapshot() []model.BalanceRecord {
	out := make([]model.BalanceRecord, 0, len(b.balances))
	for k, v := range b.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, model.BalanceRecord{Holder: k.holder, Asset: k.asset, Amount: v})
	}
	model.SortBalances(out)
	return out
}

// Restore replaces every balance with recs. It is not undoable and must run
// outside a transaction.
func (b *Bank) Restore(recs []model.BalanceRecord) error {
	balances := make(map[key]decimal.Decimal, len(recs))
	for _, r := range recs {
		if err := validate(r.Amount); err != nil {
			return fmt.Errorf("restore %s/%s: %w", r.Holder.Hex(), r.Asset.Hex(), err)
		}
		balances[key{r.Holder, r.Asset}] = r.Amount
	}
	b.balances = balances
	return nil
}

func (b *Bank) set(k key, v decimal.Decimal) {
	prev, had := b.balances[k]
	b.undo.Record(func() {
		if had {
			b.balances[k] = prev
		} else {
			delete(b.balances, k)
		}
	})
	b.balances[k] = v
}

func validate(amount decimal.Decimal) error {
	if amount.IsNegative() || !money.IsWhole(amount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}
