package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/controller"
	"github.com/atmx/settlement-engine/internal/custody"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/pool"
)

// --- User operations ---

// Deposit contributes amount of asset from account to the pool.
func (e *Engine) Deposit(ctx context.Context, account, asset common.Address, amount decimal.Decimal) (pool.DepositResult, error) {
	var res pool.DepositResult
	err := e.run(ctx, "deposit", func(b *batch) error {
		var err error
		if res, err = e.pool.Deposit(ctx, account, asset, amount); err != nil {
			return err
		}
		var last uint64
		if n := len(res.Periods); n > 0 {
			last = res.Periods[n-1]
		}
		b.add(model.JournalEntry{
			Kind:     model.EntryDeposit,
			Account:  account,
			Asset:    asset,
			PeriodID: last,
			Amount:   amount,
			USD:      res.USD,
			Shares:   res.Shares,
		})
		b.touch(asset, res.Periods...)
		e.startedEntries(b, asset, res.Started, res.Requests)
		metrics.DepositsTotal.WithLabelValues(e.assetLabel(asset)).Inc()
		return nil
	})
	return res, err
}

// Withdraw burns shares of account and pays out asset.
func (e *Engine) Withdraw(ctx context.Context, account, asset common.Address, shares decimal.Decimal) (pool.WithdrawResult, error) {
	var res pool.WithdrawResult
	err := e.run(ctx, "withdraw", func(b *batch) error {
		var err error
		if res, err = e.pool.Withdraw(ctx, account, asset, shares); err != nil {
			return err
		}
		b.add(model.JournalEntry{
			Kind:    model.EntryWithdraw,
			Account: account,
			Asset:   asset,
			Amount:  res.Amount,
			USD:     res.USD,
			Shares:  res.Shares,
		})
		metrics.WithdrawalsTotal.WithLabelValues(e.assetLabel(asset)).Inc()
		return nil
	})
	return res, err
}

// Claim pays account's share of a settled period.
func (e *Engine) Claim(ctx context.Context, account, asset common.Address, periodID uint64, reinvest bool) (pool.ClaimResult, error) {
	var res pool.ClaimResult
	err := e.run(ctx, "claim", func(b *batch) error {
		var err error
		if res, err = e.pool.Claim(ctx, account, asset, periodID, reinvest); err != nil {
			return err
		}
		b.add(model.JournalEntry{
			Kind:     model.EntryClaim,
			Account:  account,
			Asset:    asset,
			PeriodID: periodID,
			Amount:   res.Amount,
			USD:      res.Profit,
			Shares:   res.Shares,
		})
		b.touch(asset, periodID)
		mode := "withdraw"
		if reinvest {
			mode = "reinvest"
		}
		metrics.ClaimsTotal.WithLabelValues(mode).Inc()
		return nil
	})
	return res, err
}

// --- Reporting ---

// ReportResult settles a trade request with a signed P&L in asset units.
// A profit must already be held by the controller.
func (e *Engine) ReportResult(ctx context.Context, caller common.Address, requestID uint64, pnl decimal.Decimal) (controller.Outcome, error) {
	var out controller.Outcome
	err := e.run(ctx, "report_result", func(b *batch) error {
		var err error
		if out, err = e.ctrl.ReportResult(ctx, caller, requestID, pnl); err != nil {
			return err
		}
		e.outcomeEntries(ctx, b, model.EntryResultReported, caller, out)
		return nil
	})
	return out, err
}

// ReportLoss books a loss on the legacy global period path.
func (e *Engine) ReportLoss(ctx context.Context, caller, asset common.Address, loss decimal.Decimal) (controller.Outcome, error) {
	var out controller.Outcome
	err := e.run(ctx, "report_loss", func(b *batch) error {
		var err error
		if out, err = e.ctrl.ReportLoss(ctx, caller, asset, loss); err != nil {
			return err
		}
		e.outcomeEntries(ctx, b, model.EntryLossReported, caller, out)
		return nil
	})
	return out, err
}

// ReportProfit books a profit on the legacy global period path.
func (e *Engine) ReportProfit(ctx context.Context, caller, asset common.Address, profit decimal.Decimal) (controller.Outcome, error) {
	var out controller.Outcome
	err := e.run(ctx, "report_profit", func(b *batch) error {
		var err error
		if out, err = e.ctrl.ReportProfit(ctx, caller, asset, profit); err != nil {
			return err
		}
		e.outcomeEntries(ctx, b, model.EntryProfitReported, caller, out)
		return nil
	})
	return out, err
}

// --- Custody ---

// CheckCustodyPnL closes the asset's custody session and reports its P&L.
// ok is false when there was nothing to report.
func (e *Engine) CheckCustodyPnL(ctx context.Context, caller, asset common.Address) (controller.Outcome, bool, error) {
	var (
		out controller.Outcome
		ok  bool
	)
	err := e.run(ctx, "check_custody_pnl", func(b *batch) error {
		var err error
		if out, ok, err = e.ctrl.CheckCustodyPnL(ctx, caller, asset); err != nil || !ok {
			return err
		}
		released := decimal.Zero
		if out.PnL.IsPositive() {
			released = out.PnL
		}
		b.add(model.JournalEntry{
			Kind:      model.EntryCustodyReleased,
			Account:   e.ctrl.Address(),
			Asset:     asset,
			PeriodID:  out.PeriodID,
			RequestID: out.RequestID,
			Amount:    released,
		})
		e.outcomeEntries(ctx, b, model.EntryResultReported, caller, out)
		return nil
	})
	return out, ok, err
}

// Release executes a custody release under an externally produced
// signature. The signature is the authorization; the released funds go to
// the controller.
func (e *Engine) Release(ctx context.Context, caller, asset common.Address, amount decimal.Decimal, signature []byte) (decimal.Decimal, error) {
	var pnl decimal.Decimal
	err := e.run(ctx, "release", func(b *batch) error {
		var err error
		if pnl, err = e.wallet.Release(ctx, asset, amount, signature); err != nil {
			return err
		}
		b.add(model.JournalEntry{
			Kind:    model.EntryCustodyReleased,
			Account: caller,
			Asset:   asset,
			Amount:  amount,
			USD:     e.usdOf(ctx, asset, pnl),
		})
		return nil
	})
	return pnl, err
}

// ReleaseDigest returns the digest an external signer must sign to release
// amount of asset at the wallet's current nonce.
func (e *Engine) ReleaseDigest(asset common.Address, amount decimal.Decimal) ([]byte, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	nonce := e.wallet.Nonce(asset)
	return custody.ReleaseDigest(e.wallet.Address(), asset, amount, nonce, e.wallet.ChainID()), nonce
}

// SimulateExecutor applies an executor trading result to the custody
// wallet: a positive pnl is minted into it, a negative one burned. It only
// exists for development and requires the faucet.
func (e *Engine) SimulateExecutor(ctx context.Context, caller, asset common.Address, pnl decimal.Decimal) (decimal.Decimal, error) {
	var current decimal.Decimal
	err := e.run(ctx, "simulate_executor", func(b *batch) error {
		if !e.faucet {
			return ErrFaucetDisabled
		}
		if err := access.Require(e.auth, caller, access.OpReporter); err != nil {
			return err
		}
		if _, ok := e.pool.Asset(asset); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
		}
		var err error
		switch {
		case pnl.IsPositive():
			err = e.bank.Mint(asset, e.wallet.Address(), pnl)
		case pnl.IsNegative():
			err = e.bank.Burn(asset, e.wallet.Address(), pnl.Neg())
		}
		if err != nil {
			return err
		}
		current = e.wallet.CurrentPnL(asset)
		b.add(model.JournalEntry{
			Kind:    model.EntryFaucet,
			Account: e.wallet.Address(),
			Asset:   asset,
			Amount:  pnl,
		})
		return nil
	})
	return current, err
}

// --- Administration ---

// RegisterAsset adds or re-enables an asset. The oracle reference must be
// empty or bound to a price source.
func (e *Engine) RegisterAsset(ctx context.Context, caller common.Address, cfg model.AssetConfig) (model.AssetConfig, error) {
	var res model.AssetConfig
	err := e.run(ctx, "register_asset", func(b *batch) error {
		if cfg.OracleRef != "" && !e.quotes.Bound(cfg.OracleRef) {
			return fmt.Errorf("%w: %q", oracle.ErrUnknownSource, cfg.OracleRef)
		}
		var err error
		if res, err = e.pool.RegisterAsset(caller, cfg); err != nil {
			return err
		}
		e.assetEntry(b, caller, res)
		return nil
	})
	return res, err
}

// DeactivateAsset stops new deposits of asset.
func (e *Engine) DeactivateAsset(ctx context.Context, caller, asset common.Address) (model.AssetConfig, error) {
	var res model.AssetConfig
	err := e.run(ctx, "deactivate_asset", func(b *batch) error {
		var err error
		if res, err = e.pool.DeactivateAsset(caller, asset); err != nil {
			return err
		}
		e.assetEntry(b, caller, res)
		return nil
	})
	return res, err
}

// SetThreshold changes an asset's period threshold, carving out the
// collecting period at once if it already holds the new threshold.
func (e *Engine) SetThreshold(ctx context.Context, caller, asset common.Address, threshold decimal.Decimal) (model.AssetConfig, []model.PeriodRecord, error) {
	var (
		res     model.AssetConfig
		started []model.PeriodRecord
	)
	err := e.run(ctx, "set_threshold", func(b *batch) error {
		before := len(e.ctrl.Requests(asset))
		var err error
		if res, started, err = e.pool.SetThreshold(ctx, caller, asset, threshold); err != nil {
			return err
		}
		e.assetEntry(b, caller, res)
		e.startedEntries(b, asset, started, e.ctrl.Requests(asset)[before:])
		return nil
	})
	return res, started, err
}

// SetOracleRef rebinds an asset's price source.
func (e *Engine) SetOracleRef(ctx context.Context, caller, asset common.Address, ref string) (model.AssetConfig, error) {
	var res model.AssetConfig
	err := e.run(ctx, "set_oracle_ref", func(b *batch) error {
		if ref != "" && !e.quotes.Bound(ref) {
			return fmt.Errorf("%w: %q", oracle.ErrUnknownSource, ref)
		}
		var err error
		if res, err = e.pool.SetOracleRef(caller, asset, ref); err != nil {
			return err
		}
		e.assetEntry(b, caller, res)
		return nil
	})
	return res, err
}

func (e *Engine) assetEntry(b *batch, caller common.Address, cfg model.AssetConfig) {
	b.add(model.JournalEntry{
		Kind:    model.EntryAssetUpdated,
		Account: caller,
		Asset:   cfg.Asset,
		USD:     cfg.PeriodThreshold,
	})
}

// RotateAuthority replaces the controller's signing key and points the
// custody wallet at it. A nil key generates a fresh one. Returns the new
// authority address.
func (e *Engine) RotateAuthority(ctx context.Context, caller common.Address, key *ecdsa.PrivateKey) (common.Address, error) {
	var addr common.Address
	err := e.run(ctx, "rotate_authority", func(b *batch) error {
		if err := access.Require(e.auth, caller, access.OpAdmin); err != nil {
			return err
		}
		if key == nil {
			var err error
			if key, err = crypto.GenerateKey(); err != nil {
				return fmt.Errorf("generate signer: %w", err)
			}
		}
		if err := e.ctrl.RotateSigner(key); err != nil {
			return err
		}
		addr = crypto.PubkeyToAddress(key.PublicKey)
		if err := e.wallet.SetAuthority(addr); err != nil {
			return err
		}
		b.add(model.JournalEntry{Kind: model.EntryAuthorityRotated, Account: addr})
		return nil
	})
	return addr, err
}

// Sweep moves funds held by an engine component to any destination.
// Admin only; pool accounting is not adjusted.
func (e *Engine) Sweep(ctx context.Context, caller common.Address, from Holder, asset, to common.Address, amount decimal.Decimal) error {
	return e.run(ctx, "sweep", func(b *batch) error {
		if err := access.Require(e.auth, caller, access.OpAdmin); err != nil {
			return err
		}
		var err error
		switch from {
		case HolderPool:
			err = e.pool.Sweep(asset, to, amount)
		case HolderController:
			err = e.ctrl.Sweep(asset, to, amount)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownHolder, from)
		}
		if err != nil {
			return err
		}
		e.log.Warn("emergency sweep", "from", from, "asset", asset.Hex(), "to", to.Hex(), "amount", amount.String())
		b.add(model.JournalEntry{Kind: model.EntrySweep, Account: to, Asset: asset, Amount: amount})
		return nil
	})
}

// Faucet mints amount of a registered asset to account. Development only.
func (e *Engine) Faucet(ctx context.Context, account, asset common.Address, amount decimal.Decimal) error {
	return e.run(ctx, "faucet", func(b *batch) error {
		if !e.faucet {
			return ErrFaucetDisabled
		}
		if _, ok := e.pool.Asset(asset); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
		}
		if err := e.bank.Mint(asset, account, amount); err != nil {
			return err
		}
		b.add(model.JournalEntry{Kind: model.EntryFaucet, Account: account, Asset: asset, Amount: amount})
		return nil
	})
}
