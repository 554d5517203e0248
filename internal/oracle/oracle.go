// Package oracle values asset amounts in USD and back.
//
// Prices carry 8 decimals and USD values carry 18. Each registered asset names
// a price source by reference; an asset with no bound reference falls back
// to plain decimal scaling (one whole token == one USD).
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/money"
)

var (
	ErrInvalidPrice   = errors.New("oracle: price must be positive")
	ErrUnknownSource  = errors.New("oracle: unknown price source")
	ErrNoPrice        = errors.New("oracle: no price for asset")
	ErrInvalidAmount  = errors.New("oracle: amount must not be negative")
	ErrStalePrice     = errors.New("oracle: price is stale")
	ErrDecimalsTooBig = errors.New("oracle: asset decimals out of range")
)

// MaxDecimals bounds the precision an asset may declare.
const MaxDecimals = 36

// PriceSource returns the USD price of one whole unit of asset with
// PriceDecimals precision.
type PriceSource interface {
	Price(ctx context.Context, asset common.Address) (decimal.Decimal, error)
}

// Adapter resolves oracle references to price sources and converts amounts.
// Safe for concurrent use.
type Adapter struct {
	mu      sync.RWMutex
	sources map[string]PriceSource
}

// NewAdapter creates an adapter with no bound sources.
func NewAdapter() *Adapter {
	return &Adapter{sources: make(map[string]PriceSource)}
}

// Bind registers src under ref, replacing any previous binding.
func (a *Adapter) Bind(ref string, src PriceSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[ref] = src
}

// Bound reports whether ref names a registered source.
func (a *Adapter) Bound(ref string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.sources[ref]
	return ok
}

// Price returns the validated price for asset from ref. ok is false when
// ref is empty and the fallback rule applies.
func (a *Adapter) Price(ctx context.Context, ref string, asset common.Address) (price decimal.Decimal, ok bool, err error) {
	if ref == "" {
		return decimal.Zero, false, nil
	}
	a.mu.RLock()
	src, found := a.sources[ref]
	a.mu.RUnlock()
	if !found {
		return decimal.Zero, false, fmt.Errorf("%w: %q", ErrUnknownSource, ref)
	}
	p, err := src.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("price %s from %q: %w", asset.Hex(), ref, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("%w: %s for %s", ErrInvalidPrice, p, asset.Hex())
	}
	return p, true, nil
}

// Quote converts amount (smallest units of asset) to USD with 18 decimals:
// amount * price * 10^18 / (10^decimals * 10^8).
func (a *Adapter) Quote(ctx context.Context, ref string, asset common.Address, amount decimal.Decimal, decimals uint8) (decimal.Decimal, error) {
	if err := checkInputs(amount, decimals); err != nil {
		return decimal.Zero, err
	}
	price, ok, err := a.Price(ctx, ref, asset)
	if err != nil {
		return decimal.Zero, err
	}
	unit := money.Pow10(int32(decimals))
	if !ok {
		return money.MulDiv(amount, money.Pow10(money.USDDecimals), unit), nil
	}
	return money.MulDiv(amount.Mul(price), money.Pow10(money.USDDecimals), unit.Mul(money.Pow10(money.PriceDecimals))), nil
}

// ToAsset converts a USD value back into smallest units of asset.
func (a *Adapter) ToAsset(ctx context.Context, ref string, asset common.Address, usd decimal.Decimal, decimals uint8) (decimal.Decimal, error) {
	if err := checkInputs(usd, decimals); err != nil {
		return decimal.Zero, err
	}
	price, ok, err := a.Price(ctx, ref, asset)
	if err != nil {
		return decimal.Zero, err
	}
	unit := money.Pow10(int32(decimals))
	if !ok {
		return money.MulDiv(usd, unit, money.Pow10(money.USDDecimals)), nil
	}
	return money.MulDiv(usd, unit.Mul(money.Pow10(money.PriceDecimals)), price.Mul(money.Pow10(money.USDDecimals))), nil
}

func checkInputs(amount decimal.Decimal, decimals uint8) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if decimals > MaxDecimals {
		return fmt.Errorf("%w: %d", ErrDecimalsTooBig, decimals)
	}
	return nil
}

// --- Static source ---

// StaticSource serves prices set by an operator or a test.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[common.Address]decimal.Decimal
}

// NewStaticSource creates an empty static price table.
func NewStaticSource() *StaticSource {
	return &StaticSource{prices: make(map[common.Address]decimal.Decimal)}
}

// Set records the price of asset (8 decimals).
func (s *StaticSource) Set(asset common.Address, price decimal.Decimal) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
	return s
}

func (s *StaticSource) Price(_ context.Context, asset common.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, asset.Hex())
	}
	return p, nil
}
