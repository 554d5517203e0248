// Package pool implements pool accounting: the asset registry, NAV shares,
// per-asset deposit records and the entry points users deposit, withdraw and
// claim through.
//
// Total pool value is tracked in USD with 18 decimals and backs every share.
// Period profits stay outside that value until each contributor claims
// them, either as new shares or as asset.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/access"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/period"
	"github.com/atmx/settlement-engine/internal/txn"
)

var (
	ErrZeroAmount            = errors.New("pool: amount must be positive")
	ErrUnsupportedAsset      = errors.New("pool: unsupported asset")
	ErrInsufficientShares    = errors.New("pool: insufficient shares")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrNotController         = errors.New("pool: caller is not the controller")
	ErrZeroShares            = errors.New("pool: deposit too small to mint shares")
	ErrPoolInsolvent         = errors.New("pool: pool value is zero with shares outstanding")
	ErrNothingToWithdraw     = errors.New("pool: withdrawal pays nothing")
	ErrInvalidAsset          = errors.New("pool: invalid asset configuration")
)

// Quoter values asset amounts in USD. *oracle.Adapter satisfies it.
type Quoter interface {
	Quote(ctx context.Context, ref string, asset common.Address, amount decimal.Decimal, decimals uint8) (decimal.Decimal, error)
	ToAsset(ctx context.Context, ref string, asset common.Address, usd decimal.Decimal, decimals uint8) (decimal.Decimal, error)
}

// Controller is the pool's view of the allocation engine.
type Controller interface {
	ReceiveFunds(ctx context.Context, caller, asset common.Address, amount decimal.Decimal, periodID uint64) (model.TradeRequest, error)
	SystemMetrics() model.SystemMetrics
}

// DepositResult reports what a deposit did.
type DepositResult struct {
	Shares   decimal.Decimal      `json:"shares"`
	USD      decimal.Decimal      `json:"usd"`
	Periods  []uint64             `json:"periods"` // periods the contribution landed in
	Started  []model.PeriodRecord `json:"started,omitempty"`
	Requests []model.TradeRequest `json:"requests,omitempty"`
}

// WithdrawResult reports what a withdrawal paid.
type WithdrawResult struct {
	Amount decimal.Decimal `json:"amount"`
	USD    decimal.Decimal `json:"usd"`
	Shares decimal.Decimal `json:"shares"`
}

// ClaimResult reports what a claim paid.
type ClaimResult struct {
	Profit   decimal.Decimal `json:"profit"` // USD
	Loss     decimal.Decimal `json:"loss"`   // USD, informational
	Shares   decimal.Decimal `json:"shares"` // minted on reinvest
	Amount   decimal.Decimal `json:"amount"` // asset paid out
	Reinvest bool            `json:"reinvest"`
}

type depositKey struct {
	account common.Address
	asset   common.Address
}

// Pool is the pool accounting component. Not safe for concurrent use; the
// engine serializes access.
type Pool struct {
	address        common.Address
	controllerAddr common.Address
	controller     Controller

	bank   *bank.Bank
	quoter Quoter
	ledger *period.Ledger
	auth   access.Authorizer
	undo   *txn.Log
	guard  txn.Guard
	log    *slog.Logger
	now    func() time.Time

	assets        map[common.Address]*model.AssetConfig
	assetOrder    []common.Address
	shares        map[common.Address]decimal.Decimal
	totalShares   decimal.Decimal
	totalUSD      decimal.Decimal
	deposits      map[depositKey]decimal.Decimal
	lastKnownLoss decimal.Decimal
	pendingProfit map[common.Address]decimal.Decimal
}

// Config wires a Pool.
type Config struct {
	Address           common.Address
	ControllerAddress common.Address
	Logger            *slog.Logger
}

// New creates an empty pool. The controller is attached with Bind.
func New(cfg Config, b *bank.Bank, q Quoter, ledger *period.Ledger, auth access.Authorizer, undo *txn.Log) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		address:        cfg.Address,
		controllerAddr: cfg.ControllerAddress,
		bank:           b,
		quoter:         q,
		ledger:         ledger,
		auth:           auth,
		undo:           undo,
		log:            logger.With("component", "pool"),
		now:            func() time.Time { return time.Now().UTC() },
		assets:         make(map[common.Address]*model.AssetConfig),
		shares:         make(map[common.Address]decimal.Decimal),
		deposits:       make(map[depositKey]decimal.Decimal),
		pendingProfit:  make(map[common.Address]decimal.Decimal),
	}
}

// Bind attaches the controller.
func (p *Pool) Bind(c Controller) { p.controller = c }

// SetClock overrides the wall clock used for registry timestamps.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// Address returns the pool's holder address.
func (p *Pool) Address() common.Address { return p.address }

// --- Asset registry ---

// RegisterAsset adds or re-enables an asset. Admin only.
func (p *Pool) RegisterAsset(caller common.Address, cfg model.AssetConfig) (model.AssetConfig, error) {
	if err := access.Require(p.auth, caller, access.OpAdmin); err != nil {
		return model.AssetConfig{}, err
	}
	if cfg.Asset == (common.Address{}) {
		return model.AssetConfig{}, fmt.Errorf("%w: zero asset address", ErrInvalidAsset)
	}
	if cfg.Decimals > oracle.MaxDecimals {
		return model.AssetConfig{}, fmt.Errorf("%w: decimals %d", ErrInvalidAsset, cfg.Decimals)
	}
	if !cfg.PeriodThreshold.IsPositive() || !money.IsWhole(cfg.PeriodThreshold) {
		return model.AssetConfig{}, fmt.Errorf("%w: threshold %s", ErrInvalidAsset, cfg.PeriodThreshold)
	}
	cfg.Supported = true
	cfg.UpdatedAt = p.now()

	if existing, ok := p.assets[cfg.Asset]; ok {
		p.touchAsset(existing)
		*existing = cfg
	} else {
		stored := cfg
		p.assets[cfg.Asset] = &stored
		order := p.assetOrder
		p.assetOrder = append(p.assetOrder, cfg.Asset)
		p.undo.Record(func() {
			delete(p.assets, cfg.Asset)
			p.assetOrder = order
		})
	}
	p.log.Info("asset registered",
		"asset", cfg.Asset.Hex(),
		"symbol", cfg.Symbol,
		"threshold", cfg.PeriodThreshold.String(),
		"oracle", cfg.OracleRef,
	)
	return cfg, nil
}

// DeactivateAsset stops new deposits of asset. The record is kept so
// existing holders can still withdraw and claim.
func (p *Pool) DeactivateAsset(caller, asset common.Address) (model.AssetConfig, error) {
	return p.updateAsset(caller, asset, func(cfg *model.AssetConfig) error {
		cfg.Supported = false
		return nil
	})
}

// SetThreshold changes the asset's period threshold. A collecting period
// already at or above the new threshold is carved out immediately.
func (p *Pool) SetThreshold(ctx context.Context, caller, asset common.Address, threshold decimal.Decimal) (model.AssetConfig, []model.PeriodRecord, error) {
	cfg, err := p.updateAsset(caller, asset, func(cfg *model.AssetConfig) error {
		if !threshold.IsPositive() || !money.IsWhole(threshold) {
			return fmt.Errorf("%w: threshold %s", ErrInvalidAsset, threshold)
		}
		cfg.PeriodThreshold = threshold
		return nil
	})
	if err != nil {
		return model.AssetConfig{}, nil, err
	}
	if err := p.guard.Enter(); err != nil {
		return model.AssetConfig{}, nil, err
	}
	defer p.guard.Exit()

	if !p.ledger.CloseCollecting(asset, threshold) {
		return cfg, nil, nil
	}
	started, _, err := p.startPeriods(ctx, p.assets[asset])
	if err != nil {
		return model.AssetConfig{}, nil, err
	}
	return cfg, started, nil
}

// SetOracleRef rebinds the asset's price source; "" selects decimal scaling.
func (p *Pool) SetOracleRef(caller, asset common.Address, ref string) (model.AssetConfig, error) {
	return p.updateAsset(caller, asset, func(cfg *model.AssetConfig) error {
		cfg.OracleRef = ref
		return nil
	})
}

func (p *Pool) updateAsset(caller, asset common.Address, fn func(*model.AssetConfig) error) (model.AssetConfig, error) {
	if err := access.Require(p.auth, caller, access.OpAdmin); err != nil {
		return model.AssetConfig{}, err
	}
	cfg, ok := p.assets[asset]
	if !ok {
		return model.AssetConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	next := *cfg
	if err := fn(&next); err != nil {
		return model.AssetConfig{}, err
	}
	next.UpdatedAt = p.now()
	p.touchAsset(cfg)
	*cfg = next
	return next, nil
}

// Asset returns the registry record of asset.
func (p *Pool) Asset(asset common.Address) (model.AssetConfig, bool) {
	cfg, ok := p.assets[asset]
	if !ok {
		return model.AssetConfig{}, false
	}
	return *cfg, true
}

// Assets returns every registry record in registration order.
func (p *Pool) Assets() []model.AssetConfig {
	out := make([]model.AssetConfig, 0, len(p.assetOrder))
	for _, a := range p.assetOrder {
		out = append(out, *p.assets[a])
	}
	return out
}

// --- User entry points ---

// Deposit pulls amount of asset from account, mints NAV shares for its USD
// value and books the value as a period contribution. Every period the
// contribution fills is carved out and forwarded to the controller.
func (p *Pool) Deposit(ctx context.Context, account, asset common.Address, amount decimal.Decimal) (DepositResult, error) {
	if err := p.guard.Enter(); err != nil {
		return DepositResult{}, err
	}
	defer p.guard.Exit()

	if !amount.IsPositive() {
		return DepositResult{}, ErrZeroAmount
	}
	cfg, ok := p.assets[asset]
	if !ok || !cfg.Supported {
		return DepositResult{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}

	usd, err := p.quoter.Quote(ctx, cfg.OracleRef, asset, amount, cfg.Decimals)
	if err != nil {
		return DepositResult{}, fmt.Errorf("quote deposit: %w", err)
	}
	issued, err := p.sharesFor(usd)
	if err != nil {
		return DepositResult{}, err
	}
	sharesBefore := p.shares[account]

	p.touchTotals()
	k := depositKey{account, asset}
	p.setDeposit(k, p.deposits[k].Add(amount))
	p.totalUSD = p.totalUSD.Add(usd)

	periods, err := p.ledger.RecordContribution(account, asset, usd, sharesBefore, cfg.PeriodThreshold)
	if err != nil {
		return DepositResult{}, fmt.Errorf("record contribution: %w", err)
	}
	p.setShares(account, sharesBefore.Add(issued))
	p.totalShares = p.totalShares.Add(issued)

	if err := p.bank.Transfer(asset, account, p.address, amount); err != nil {
		return DepositResult{}, fmt.Errorf("pull deposit: %w", err)
	}

	started, requests, err := p.startPeriods(ctx, cfg)
	if err != nil {
		return DepositResult{}, err
	}

	p.log.Info("deposit",
		"account", account.Hex(),
		"asset", asset.Hex(),
		"amount", amount.String(),
		"usd", usd.String(),
		"shares", issued.String(),
		"started", len(started),
	)
	return DepositResult{Shares: issued, USD: usd, Periods: periods, Started: started, Requests: requests}, nil
}

// sharesFor returns the shares a deposit worth usd mints. The first
// depositor receives usd-1 so the supply can never be bootstrapped at zero.
func (p *Pool) sharesFor(usd decimal.Decimal) (decimal.Decimal, error) {
	var issued decimal.Decimal
	switch {
	case p.totalShares.IsZero():
		issued = usd.Sub(decimal.NewFromInt(1))
	case p.totalUSD.IsZero():
		return decimal.Zero, ErrPoolInsolvent
	default:
		issued = money.MulDiv(usd, p.totalShares, p.totalUSD)
	}
	if !issued.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s USD", ErrZeroShares, usd)
	}
	return issued, nil
}

// startPeriods carves out every full period of the asset and forwards each
// allocation to the controller, capped by the pool's liquid balance.
func (p *Pool) startPeriods(ctx context.Context, cfg *model.AssetConfig) ([]model.PeriodRecord, []model.TradeRequest, error) {
	started := p.ledger.MaybeStartPeriod(cfg.Asset)
	var requests []model.TradeRequest
	for _, rec := range started {
		chunk, err := p.quoter.ToAsset(ctx, cfg.OracleRef, cfg.Asset, rec.AllocatedUSD, cfg.Decimals)
		if err != nil {
			return nil, nil, fmt.Errorf("value period %d: %w", rec.ID, err)
		}
		chunk = money.Min(chunk, p.bank.BalanceOf(p.address, cfg.Asset))
		if !chunk.IsPositive() {
			return nil, nil, fmt.Errorf("%w: cannot fund period %d", ErrInsufficientLiquidity, rec.ID)
		}
		if err := p.bank.Transfer(cfg.Asset, p.address, p.controllerAddr, chunk); err != nil {
			return nil, nil, fmt.Errorf("forward period %d: %w", rec.ID, err)
		}
		req, err := p.controller.ReceiveFunds(ctx, p.address, cfg.Asset, chunk, rec.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("forward period %d: %w", rec.ID, err)
		}
		requests = append(requests, req)
		p.log.Info("period started",
			"asset", cfg.Asset.Hex(),
			"period", rec.ID,
			"allocated_usd", rec.AllocatedUSD.String(),
			"forwarded", chunk.String(),
		)
	}
	return started, requests, nil
}

// Withdraw burns shares and pays out asset. The payout is the caller's
// proportional deposit record, capped by the NAV value of the shares; when
// the pool lacks that much liquid asset it pays the shares' proportion of
// what it holds.
func (p *Pool) Withdraw(ctx context.Context, account, asset common.Address, shares decimal.Decimal) (WithdrawResult, error) {
	if err := p.guard.Enter(); err != nil {
		return WithdrawResult{}, err
	}
	defer p.guard.Exit()

	if !shares.IsPositive() {
		return WithdrawResult{}, ErrZeroAmount
	}
	cfg, ok := p.assets[asset]
	if !ok {
		return WithdrawResult{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	held := p.shares[account]
	if held.LessThan(shares) {
		return WithdrawResult{}, fmt.Errorf("%w: holds %s, withdraw %s", ErrInsufficientShares, held, shares)
	}

	p.touchTotals()
	p.reconcileLosses()

	k := depositKey{account, asset}
	record := p.deposits[k]
	payout := money.MulDiv(record, shares, held)

	entitledUSD := money.MulDiv(shares, p.totalUSD, p.totalShares)
	entitled, err := p.quoter.ToAsset(ctx, cfg.OracleRef, asset, entitledUSD, cfg.Decimals)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("value withdrawal: %w", err)
	}
	payout = money.Min(payout, entitled)

	liquid := p.bank.BalanceOf(p.address, asset)
	if payout.GreaterThan(liquid) {
		payout = money.MulDiv(liquid, shares, p.totalShares)
	}
	if !payout.IsPositive() {
		return WithdrawResult{}, fmt.Errorf("%w: %s shares in %s", ErrNothingToWithdraw, shares, asset.Hex())
	}

	usd, err := p.quoter.Quote(ctx, cfg.OracleRef, asset, payout, cfg.Decimals)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("quote withdrawal: %w", err)
	}
	p.totalUSD = p.totalUSD.Sub(money.Min(usd, p.totalUSD))
	p.setShares(account, held.Sub(shares))
	p.totalShares = p.totalShares.Sub(shares)
	p.setDeposit(k, record.Sub(money.Min(payout, record)))

	if err := p.bank.Transfer(asset, p.address, account, payout); err != nil {
		return WithdrawResult{}, fmt.Errorf("pay withdrawal: %w", err)
	}

	p.log.Info("withdraw",
		"account", account.Hex(),
		"asset", asset.Hex(),
		"shares", shares.String(),
		"amount", payout.String(),
		"usd", usd.String(),
	)
	return WithdrawResult{Amount: payout, USD: usd, Shares: shares}, nil
}

// reconcileLosses applies principal losses the controller booked that this
// pool has not yet seen. Callers touch totals first.
func (p *Pool) reconcileLosses() {
	if p.controller == nil {
		return
	}
	reported := p.controller.SystemMetrics().CumulativeLossUSD
	if !reported.GreaterThan(p.lastKnownLoss) {
		return
	}
	delta := reported.Sub(p.lastKnownLoss)
	p.totalUSD = p.totalUSD.Sub(money.Min(delta, p.totalUSD))
	p.lastKnownLoss = reported
	p.log.Warn("applied unreconciled loss", "usd", delta.String())
}

// Claim pays the account's profit from a settled period, either as new
// shares at the current NAV (reinvest) or as asset. Claiming a loss period
// only marks it claimed.
func (p *Pool) Claim(ctx context.Context, account, asset common.Address, periodID uint64, reinvest bool) (ClaimResult, error) {
	if err := p.guard.Enter(); err != nil {
		return ClaimResult{}, err
	}
	defer p.guard.Exit()

	cfg, ok := p.assets[asset]
	if !ok {
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	profit, loss, err := p.ledger.MarkClaimed(account, asset, periodID)
	if err != nil {
		return ClaimResult{}, err
	}
	res := ClaimResult{Profit: profit, Loss: loss, Reinvest: reinvest}
	if !profit.IsPositive() {
		return res, nil
	}

	p.touchTotals()
	p.setPendingProfit(asset, p.pendingProfit[asset].Sub(money.Min(profit, p.pendingProfit[asset])))

	if reinvest {
		issued := money.MulDiv(profit, money.Scale, p.nav())
		p.setShares(account, p.shares[account].Add(issued))
		p.totalShares = p.totalShares.Add(issued)
		p.totalUSD = p.totalUSD.Add(profit)
		res.Shares = issued
	} else {
		amount, err := p.quoter.ToAsset(ctx, cfg.OracleRef, asset, profit, cfg.Decimals)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("value claim: %w", err)
		}
		liquid := p.bank.BalanceOf(p.address, asset)
		if amount.GreaterThan(liquid) {
			return ClaimResult{}, fmt.Errorf("%w: need %s of %s, hold %s", ErrInsufficientLiquidity, amount, asset.Hex(), liquid)
		}
		if err := p.bank.Transfer(asset, p.address, account, amount); err != nil {
			return ClaimResult{}, fmt.Errorf("pay claim: %w", err)
		}
		res.Amount = amount
	}

	p.log.Info("claim",
		"account", account.Hex(),
		"asset", asset.Hex(),
		"period", periodID,
		"profit", profit.String(),
		"reinvest", reinvest,
		"shares", res.Shares.String(),
		"amount", res.Amount.String(),
	)
	return res, nil
}

// --- Controller entry points ---

// RecordPeriodProfit settles a period with the pool's share of its profit.
// The controller has already transferred amount of asset to the pool.
func (p *Pool) RecordPeriodProfit(ctx context.Context, caller, asset common.Address, periodID uint64, amount decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := p.controllerCall(caller, asset)
	if err != nil {
		return decimal.Zero, err
	}
	defer p.guard.Exit()

	usd := decimal.Zero
	if amount.IsPositive() {
		if usd, err = p.quoter.Quote(ctx, cfg.OracleRef, asset, amount, cfg.Decimals); err != nil {
			return decimal.Zero, fmt.Errorf("quote profit: %w", err)
		}
	}
	if _, err := p.ledger.Settle(asset, periodID, usd); err != nil {
		return decimal.Zero, err
	}
	if usd.IsPositive() {
		p.setPendingProfit(asset, p.pendingProfit[asset].Add(usd))
	}
	return usd, nil
}

// RecordPeriodLoss settles a period with a loss. covered is the part the
// reserve already paid back into the pool; only the rest reduces pool value.
// Returns the principal loss in USD.
func (p *Pool) RecordPeriodLoss(ctx context.Context, caller, asset common.Address, periodID uint64, loss, covered decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := p.controllerCall(caller, asset)
	if err != nil {
		return decimal.Zero, err
	}
	defer p.guard.Exit()

	lossUSD, coveredUSD, err := p.quoteLoss(ctx, cfg, loss, covered)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := p.ledger.Settle(asset, periodID, lossUSD.Neg()); err != nil {
		return decimal.Zero, err
	}
	if coveredUSD.IsPositive() {
		if _, err := p.ledger.RecordInsuranceRefund(asset, periodID, coveredUSD); err != nil {
			return decimal.Zero, err
		}
	}
	return p.applyLoss(lossUSD.Sub(coveredUSD)), nil
}

// RecordProfit adds profit to pool value on the legacy global period path.
func (p *Pool) RecordProfit(ctx context.Context, caller, asset common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := p.controllerCall(caller, asset)
	if err != nil {
		return decimal.Zero, err
	}
	defer p.guard.Exit()

	usd, err := p.quoter.Quote(ctx, cfg.OracleRef, asset, amount, cfg.Decimals)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote profit: %w", err)
	}
	p.touchTotals()
	p.totalUSD = p.totalUSD.Add(usd)
	return usd, nil
}

// RecordLoss charges a loss on the legacy global period path. Insurance
// cover is recorded as a refund on the asset's most recent open period.
func (p *Pool) RecordLoss(ctx context.Context, caller, asset common.Address, loss, covered decimal.Decimal) (decimal.Decimal, error) {
	cfg, err := p.controllerCall(caller, asset)
	if err != nil {
		return decimal.Zero, err
	}
	defer p.guard.Exit()

	lossUSD, coveredUSD, err := p.quoteLoss(ctx, cfg, loss, covered)
	if err != nil {
		return decimal.Zero, err
	}
	if coveredUSD.IsPositive() {
		if id, ok := p.ledger.LatestActive(asset); ok {
			if _, err := p.ledger.RecordInsuranceRefund(asset, id, coveredUSD); err != nil {
				return decimal.Zero, err
			}
		}
	}
	return p.applyLoss(lossUSD.Sub(coveredUSD)), nil
}

// controllerCall checks the caller and enters the guard. On success the
// caller must Exit the guard.
func (p *Pool) controllerCall(caller, asset common.Address) (*model.AssetConfig, error) {
	if caller != p.controllerAddr {
		return nil, fmt.Errorf("%w: %s", ErrNotController, caller.Hex())
	}
	cfg, ok := p.assets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	if err := p.guard.Enter(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *Pool) quoteLoss(ctx context.Context, cfg *model.AssetConfig, loss, covered decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	lossUSD, err := p.quoter.Quote(ctx, cfg.OracleRef, cfg.Asset, loss, cfg.Decimals)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("quote loss: %w", err)
	}
	coveredUSD := decimal.Zero
	if covered.IsPositive() {
		if coveredUSD, err = p.quoter.Quote(ctx, cfg.OracleRef, cfg.Asset, covered, cfg.Decimals); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("quote cover: %w", err)
		}
	}
	return lossUSD, money.Min(coveredUSD, lossUSD), nil
}

// applyLoss reduces pool value by a principal loss and advances the
// reconciliation watermark by the same amount.
func (p *Pool) applyLoss(principalUSD decimal.Decimal) decimal.Decimal {
	if !principalUSD.IsPositive() {
		return decimal.Zero
	}
	p.touchTotals()
	p.totalUSD = p.totalUSD.Sub(money.Min(principalUSD, p.totalUSD))
	p.lastKnownLoss = p.lastKnownLoss.Add(principalUSD)
	p.log.Warn("principal loss", "usd", principalUSD.String(), "total_usd", p.totalUSD.String())
	return principalUSD
}

// Sweep moves pool-held funds to any destination. Pool accounting is not
// adjusted.
func (p *Pool) Sweep(asset, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	return p.bank.Transfer(asset, p.address, to, amount)
}

// --- Queries ---

// Summary returns the pool-wide accounting view.
func (p *Pool) Summary() model.PoolSummary {
	return model.PoolSummary{
		TotalUSD:      p.totalUSD,
		TotalShares:   p.totalShares,
		NAV:           p.nav(),
		LastKnownLoss: p.lastKnownLoss,
	}
}

// Account returns one account's pool position.
func (p *Pool) Account(account common.Address) model.AccountSummary {
	shares := p.shares[account]
	deposits := make(map[common.Address]decimal.Decimal)
	for _, a := range p.assetOrder {
		if v := p.deposits[depositKey{account, a}]; v.IsPositive() {
			deposits[a] = v
		}
	}
	return model.AccountSummary{
		Account:  account,
		Shares:   shares,
		ValueUSD: money.MulDiv(shares, p.totalUSD, p.totalShares),
		Deposits: deposits,
	}
}

// SharesOf returns the account's share balance.
func (p *Pool) SharesOf(account common.Address) decimal.Decimal {
	return p.shares[account]
}

// PendingProfit returns settled-but-unclaimed period profit of asset in USD.
func (p *Pool) PendingProfit(asset common.Address) decimal.Decimal {
	return p.pendingProfit[asset]
}

// nav returns USD per share scaled by 1e18; par when no shares exist.
func (p *Pool) nav() decimal.Decimal {
	if p.totalShares.IsZero() {
		return money.Scale
	}
	return money.MulDiv(p.totalUSD, money.Scale, p.totalShares)
}

// --- State ---

// Snapshot returns the registry and share ledger.
func (p *Pool) Snapshot() model.PoolState {
	st := model.PoolState{
		Assets:        p.Assets(),
		TotalShares:   p.totalShares,
		TotalUSD:      p.totalUSD,
		LastKnownLoss: p.lastKnownLoss,
	}
	for account, v := range p.shares {
		if !v.IsZero() {
			st.Shares = append(st.Shares, model.BalanceRecord{Holder: account, Amount: v})
		}
	}
	for k, v := range p.deposits {
		if !v.IsZero() {
			st.Deposits = append(st.Deposits, model.BalanceRecord{Holder: k.account, Asset: k.asset, Amount: v})
		}
	}
	for asset, v := range p.pendingProfit {
		if !v.IsZero() {
			st.PendingProfit = append(st.PendingProfit, model.BalanceRecord{Asset: asset, Amount: v})
		}
	}
	model.SortBalances(st.Shares)
	model.SortBalances(st.Deposits)
	model.SortBalances(st.PendingProfit)
	return st
}

// Restore replaces the pool's state. It is not undoable and must run
// outside a transaction.
func (p *Pool) Restore(st model.PoolState) {
	p.assets = make(map[common.Address]*model.AssetConfig, len(st.Assets))
	p.assetOrder = make([]common.Address, 0, len(st.Assets))
	for _, cfg := range st.Assets {
		stored := cfg
		p.assets[cfg.Asset] = &stored
		p.assetOrder = append(p.assetOrder, cfg.Asset)
	}
	p.shares = make(map[common.Address]decimal.Decimal, len(st.Shares))
	for _, r := range st.Shares {
		p.shares[r.Holder] = r.Amount
	}
	p.deposits = make(map[depositKey]decimal.Decimal, len(st.Deposits))
	for _, r := range st.Deposits {
		p.deposits[depositKey{r.Holder, r.Asset}] = r.Amount
	}
	p.pendingProfit = make(map[common.Address]decimal.Decimal, len(st.PendingProfit))
	for _, r := range st.PendingProfit {
		p.pendingProfit[r.Asset] = r.Amount
	}
	p.totalShares = st.TotalShares
	p.totalUSD = st.TotalUSD
	p.lastKnownLoss = st.LastKnownLoss
}

// --- undo helpers ---

func (p *Pool) touchTotals() {
	if !p.undo.Active() {
		return
	}
	shares, usd, loss := p.totalShares, p.totalUSD, p.lastKnownLoss
	p.undo.Record(func() {
		p.totalShares = shares
		p.totalUSD = usd
		p.lastKnownLoss = loss
	})
}

func (p *Pool) touchAsset(cfg *model.AssetConfig) {
	saved := *cfg
	p.undo.Record(func() { *cfg = saved })
}

func (p *Pool) setShares(account common.Address, v decimal.Decimal) {
	prev, had := p.shares[account]
	p.undo.Record(func() {
		if had {
			p.shares[account] = prev
		} else {
			delete(p.shares, account)
		}
	})
	p.shares[account] = v
}

func (p *Pool) setDeposit(k depositKey, v decimal.Decimal) {
	prev, had := p.deposits[k]
	p.undo.Record(func() {
		if had {
			p.deposits[k] = prev
		} else {
			delete(p.deposits, k)
		}
	})
	p.deposits[k] = v
}

func (p *Pool) setPendingProfit(asset common.Address, v decimal.Decimal) {
	prev, had := p.pendingProfit[asset]
	p.undo.Record(func() {
		if had {
			p.pendingProfit[asset] = prev
		} else {
			delete(p.pendingProfit, asset)
		}
	})
	p.pendingProfit[asset] = v
}
